package sandbox

import (
	"fmt"
	"strconv"
)

// ContainerConfig describes the hardened container a worker runs in
// when the container runtime is enabled. The production hardening
// gate requires the security fields to be set.
type ContainerConfig struct {
	Runtime         string `yaml:"runtime" json:"runtime"` // docker or podman
	Image           string `yaml:"image" json:"image" validate:"required_with=Runtime"`
	ReadOnlyRootFS  bool   `yaml:"read_only_root_fs" json:"read_only_root_fs"`
	NoNewPrivs      bool   `yaml:"no_new_privileges" json:"no_new_privileges"`
	DropAllCaps     bool   `yaml:"drop_all_capabilities" json:"drop_all_capabilities"`
	SeccompProfile  string `yaml:"seccomp_profile" json:"seccomp_profile"`
	AppArmorProfile string `yaml:"apparmor_profile" json:"apparmor_profile"`
	PidsLimit       int    `yaml:"pids_limit" json:"pids_limit"`
	MemoryMB        int    `yaml:"memory_mb" json:"memory_mb"`
	CPUs            string `yaml:"cpus" json:"cpus"`
	NprocLimit      int    `yaml:"nproc_limit" json:"nproc_limit"`
	NofileLimit     int    `yaml:"nofile_limit" json:"nofile_limit"`
	StorageOpt      string `yaml:"storage_opt" json:"storage_opt"` // e.g. size=512m
	TmpfsPath       string `yaml:"tmpfs_path" json:"tmpfs_path"`
	TmpfsSize       string `yaml:"tmpfs_size" json:"tmpfs_size"`
	// Network is the docker network name, or "none" to disable
	// egress entirely.
	Network string `yaml:"network" json:"network"`
}

// Enabled reports whether the container runtime is configured.
func (c *ContainerConfig) Enabled() bool {
	return c != nil && c.Runtime != "" && c.Image != ""
}

// BuildArgs assembles the container run command line for a worker.
// The worker command and args are appended after the image.
func (c *ContainerConfig) BuildArgs(name, workdir string, env []string, command string, args []string) []string {
	out := []string{"run", "--rm", "-i", "--name", name}

	if c.ReadOnlyRootFS {
		out = append(out, "--read-only")
	}
	if c.NoNewPrivs {
		out = append(out, "--security-opt", "no-new-privileges")
	}
	if c.DropAllCaps {
		out = append(out, "--cap-drop", "ALL")
	}
	if c.SeccompProfile != "" {
		out = append(out, "--security-opt", "seccomp="+c.SeccompProfile)
	}
	if c.AppArmorProfile != "" {
		out = append(out, "--security-opt", "apparmor="+c.AppArmorProfile)
	}
	if c.PidsLimit > 0 {
		out = append(out, "--pids-limit", strconv.Itoa(c.PidsLimit))
	}
	if c.MemoryMB > 0 {
		out = append(out, "--memory", fmt.Sprintf("%dm", c.MemoryMB))
	}
	if c.CPUs != "" {
		out = append(out, "--cpus", c.CPUs)
	}
	if c.NprocLimit > 0 {
		out = append(out, "--ulimit", fmt.Sprintf("nproc=%d:%d", c.NprocLimit, c.NprocLimit))
	}
	if c.NofileLimit > 0 {
		out = append(out, "--ulimit", fmt.Sprintf("nofile=%d:%d", c.NofileLimit, c.NofileLimit))
	}
	if c.StorageOpt != "" {
		out = append(out, "--storage-opt", c.StorageOpt)
	}
	if c.TmpfsPath != "" {
		tmpfs := c.TmpfsPath
		if c.TmpfsSize != "" {
			tmpfs += ":rw,size=" + c.TmpfsSize
		}
		out = append(out, "--tmpfs", tmpfs)
	}
	if c.Network != "" {
		out = append(out, "--network", c.Network)
	}
	if workdir != "" {
		out = append(out, "-v", workdir+":/workspace", "-w", "/workspace")
	}
	for _, kv := range env {
		out = append(out, "-e", kv)
	}

	out = append(out, c.Image)
	if command != "" {
		out = append(out, command)
	}
	out = append(out, args...)
	return out
}

// HardeningGaps lists required security settings that are missing,
// for the production gate.
func (c *ContainerConfig) HardeningGaps() []string {
	var gaps []string
	if !c.Enabled() {
		return []string{"container runtime not configured"}
	}
	if !c.ReadOnlyRootFS {
		gaps = append(gaps, "read-only root filesystem disabled")
	}
	if !c.NoNewPrivs {
		gaps = append(gaps, "no-new-privileges disabled")
	}
	if !c.DropAllCaps {
		gaps = append(gaps, "capabilities not dropped")
	}
	if c.SeccompProfile == "" {
		gaps = append(gaps, "seccomp profile not set")
	}
	if c.PidsLimit <= 0 {
		gaps = append(gaps, "pids limit not set")
	}
	if c.NofileLimit <= 0 && c.NprocLimit <= 0 {
		gaps = append(gaps, "ulimits not set")
	}
	if c.StorageOpt == "" {
		gaps = append(gaps, "storage quota not set")
	}
	return gaps
}
