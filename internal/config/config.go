// Package config provides layered configuration for the gate:
// defaults, a YAML/JSON file, environment variables, then flags, plus
// secret resolution and the production hardening gate.
package config

import (
	"time"

	"github.com/Agent-Gate/agentgate/internal/domain/ratelimit"
	"github.com/Agent-Gate/agentgate/internal/sandbox"
)

// Config is the top-level configuration for agentgate.
type Config struct {
	// Environment labels the deployment: "development" or
	// "production". Production enables the hardening gate.
	Environment string `yaml:"environment" mapstructure:"environment" validate:"omitempty,oneof=development production"`

	// EnforceHardening turns the production hardening gate on
	// regardless of environment label.
	EnforceHardening bool `yaml:"enforce_hardening" mapstructure:"enforce_hardening"`

	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Stream      StreamConfig      `yaml:"stream" mapstructure:"stream"`
	LLM         LLMConfig         `yaml:"llm" mapstructure:"llm"`
	Policy      PolicyConfig      `yaml:"policy" mapstructure:"policy"`
	Permissions PermissionsConfig `yaml:"permissions" mapstructure:"permissions"`
	Agents      AgentsConfig      `yaml:"agents" mapstructure:"agents"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" mapstructure:"rate_limit"`
	Audit       AuditConfig       `yaml:"audit" mapstructure:"audit"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Cluster     ClusterConfig     `yaml:"cluster" mapstructure:"cluster"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// HTTPAddr is the listen address. Defaults to "127.0.0.1:18789"
	// (localhost only).
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error trace"`

	// AdminToken gates /stats and /audit. Empty disables the check.
	AdminToken SecretRef `yaml:"admin_token" mapstructure:"admin_token"`

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key"`

	// APIRatePerSecond and APIBurst apply per-IP admission to the
	// REST routes. Zero rate disables the check.
	APIRatePerSecond float64 `yaml:"api_rate_per_second" mapstructure:"api_rate_per_second" validate:"omitempty,min=0"`
	APIBurst         int     `yaml:"api_burst" mapstructure:"api_burst" validate:"omitempty,min=1"`
}

// StreamConfig configures the websocket dispatcher.
type StreamConfig struct {
	// AuthToken authenticates stream clients and cluster peers.
	AuthToken SecretRef `yaml:"auth_token" mapstructure:"auth_token"`

	// Anonymous skips the auth handshake. Development only.
	Anonymous bool `yaml:"anonymous" mapstructure:"anonymous"`

	// IdleTimeout closes connections with no inbound frames.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`

	// RequestTimeout caps one request's processing.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`

	// FrameRate and FrameBurst admit inbound frames per connection.
	FrameRate  int `yaml:"frame_rate" mapstructure:"frame_rate"`
	FrameBurst int `yaml:"frame_burst" mapstructure:"frame_burst"`
}

// GCRAConfig converts the frame admission settings to the limiter's
// per-minute model.
func (s StreamConfig) GCRAConfig() ratelimit.GCRAConfig {
	return ratelimit.GCRAConfig{
		Rate:   s.FrameRate,
		Burst:  s.FrameBurst,
		Period: time.Minute,
	}
}

// LLMConfig configures the chat completion backend. An empty BaseURL
// disables chat; the dispatcher answers PROVIDER_ERROR.
type LLMConfig struct {
	BaseURL string    `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	APIKey  SecretRef `yaml:"api_key" mapstructure:"api_key"`
	Model   string    `yaml:"model" mapstructure:"model"`

	// MaxRetries caps attempts on transient provider failures.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=1"`

	// Timeout bounds one non-streaming completion.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// PolicyConfig locates the rule set.
type PolicyConfig struct {
	// RulesFile is the YAML/JSON rule document path. Empty runs with
	// an empty rule set, which blocks everything (fail closed).
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// PermissionsConfig configures capability token issuance.
type PermissionsConfig struct {
	// SigningSecret signs capability tokens. Required.
	SigningSecret SecretRef `yaml:"signing_secret" mapstructure:"signing_secret"`

	// PreviousSecrets verify tokens issued before a rotation.
	PreviousSecrets []SecretRef `yaml:"previous_secrets" mapstructure:"previous_secrets"`

	// TokenDuration bounds issued tokens. Zero means no expiry.
	TokenDuration time.Duration `yaml:"token_duration" mapstructure:"token_duration"`
}

// AgentsConfig configures agent workers and failure handling.
type AgentsConfig struct {
	// MaxErrors moves an agent to error state when crossed.
	MaxErrors int `yaml:"max_errors" mapstructure:"max_errors" validate:"omitempty,min=1"`

	// MaxRestarts caps worker restart attempts.
	MaxRestarts int `yaml:"max_restarts" mapstructure:"max_restarts" validate:"omitempty,min=0"`

	// TaskTimeout caps one worker task execution.
	TaskTimeout time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`

	// AllowUnsafeLocalWorkers permits direct process workers without
	// a container runtime, even under the hardening gate.
	AllowUnsafeLocalWorkers bool `yaml:"allow_unsafe_local_workers" mapstructure:"allow_unsafe_local_workers"`

	// EgressProxyURL routes worker egress through a proxy when the
	// network is not disabled outright.
	EgressProxyURL string `yaml:"egress_proxy_url" mapstructure:"egress_proxy_url" validate:"omitempty,url"`

	Worker WorkerConfig `yaml:"worker" mapstructure:"worker"`
}

// WorkerConfig configures how worker processes launch.
type WorkerConfig struct {
	// Command and Args launch the worker; the agent's entry point is
	// appended.
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`

	// WorkdirRoot holds per-agent scratch directories.
	WorkdirRoot string `yaml:"workdir_root" mapstructure:"workdir_root"`

	// Runtime selects the container runtime binary ("docker",
	// "podman"); empty runs workers as direct child processes.
	Runtime string `yaml:"runtime" mapstructure:"runtime"`
	Image   string `yaml:"image" mapstructure:"image"`

	// Container hardening flags, mirrored into the runtime invocation.
	ReadOnlyRootFS  bool   `yaml:"readonly_rootfs" mapstructure:"readonly_rootfs"`
	NoNewPrivs      bool   `yaml:"no_new_privs" mapstructure:"no_new_privs"`
	DropAllCaps     bool   `yaml:"drop_all_caps" mapstructure:"drop_all_caps"`
	SeccompProfile  string `yaml:"seccomp_profile" mapstructure:"seccomp_profile"`
	AppArmorProfile string `yaml:"apparmor_profile" mapstructure:"apparmor_profile"`
	PidsLimit       int    `yaml:"pids_limit" mapstructure:"pids_limit"`
	MemoryMB        int    `yaml:"memory_mb" mapstructure:"memory_mb"`
	CPUs            string `yaml:"cpus" mapstructure:"cpus"`
	NprocLimit      int    `yaml:"nproc_limit" mapstructure:"nproc_limit"`
	NofileLimit     int    `yaml:"nofile_limit" mapstructure:"nofile_limit"`
	StorageOpt      string `yaml:"storage_opt" mapstructure:"storage_opt"`
	TmpfsPath       string `yaml:"tmpfs_path" mapstructure:"tmpfs_path"`
	TmpfsSize       string `yaml:"tmpfs_size" mapstructure:"tmpfs_size"`

	// DisableNetwork sets the container network to none.
	DisableNetwork bool `yaml:"disable_network" mapstructure:"disable_network"`
}

// ContainerConfig maps the worker settings to the sandbox's container
// model. Returns nil when no runtime is configured.
func (w WorkerConfig) ContainerConfig() *sandbox.ContainerConfig {
	if w.Runtime == "" || w.Runtime == "local" {
		return nil
	}
	network := ""
	if w.DisableNetwork {
		network = "none"
	}
	return &sandbox.ContainerConfig{
		Runtime:         w.Runtime,
		Image:           w.Image,
		ReadOnlyRootFS:  w.ReadOnlyRootFS,
		NoNewPrivs:      w.NoNewPrivs,
		DropAllCaps:     w.DropAllCaps,
		SeccompProfile:  w.SeccompProfile,
		AppArmorProfile: w.AppArmorProfile,
		PidsLimit:       w.PidsLimit,
		MemoryMB:        w.MemoryMB,
		CPUs:            w.CPUs,
		NprocLimit:      w.NprocLimit,
		NofileLimit:     w.NofileLimit,
		StorageOpt:      w.StorageOpt,
		TmpfsPath:       w.TmpfsPath,
		TmpfsSize:       w.TmpfsSize,
		Network:         network,
	}
}

// RateLimitConfig configures per-key admission budgets.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" validate:"omitempty,min=1"`
	TokensPerMinute   int `yaml:"tokens_per_minute" mapstructure:"tokens_per_minute" validate:"omitempty,min=1"`
	MaxBurstRequests  int `yaml:"max_burst_requests" mapstructure:"max_burst_requests" validate:"omitempty,min=1"`
	MaxBurstTokens    int `yaml:"max_burst_tokens" mapstructure:"max_burst_tokens" validate:"omitempty,min=1"`
}

// BucketConfig converts to the limiter's default budget.
func (c RateLimitConfig) BucketConfig() ratelimit.BucketConfig {
	return ratelimit.BucketConfig{
		RequestsPerMinute: c.RequestsPerMinute,
		TokensPerMinute:   c.TokensPerMinute,
		MaxBurstRequests:  c.MaxBurstRequests,
		MaxBurstTokens:    c.MaxBurstTokens,
	}
}

// AuditConfig configures the audit sinks.
type AuditConfig struct {
	// Console mirrors entries to the structured log.
	Console bool `yaml:"console" mapstructure:"console"`

	// Dir enables the file store when set.
	Dir           string `yaml:"dir" mapstructure:"dir"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
	CacheSize     int    `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
	QueueSize     int    `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`

	// SQLitePath enables the queryable database store when set.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// DatabaseConfig configures the shared cluster database.
type DatabaseConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
	SSL bool   `yaml:"ssl" mapstructure:"ssl"`
}

// ClusterConfig configures multi-node routing.
type ClusterConfig struct {
	// NodeID identifies this dispatcher; agents are pinned to it.
	NodeID string `yaml:"node_id" mapstructure:"node_id"`

	// AdvertiseURL is the websocket URL peers dial to reach this node.
	AdvertiseURL string `yaml:"advertise_url" mapstructure:"advertise_url" validate:"omitempty,url"`
}

// SetDefaults applies defaults for optional fields.
func (c *Config) SetDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:18789"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.APIBurst == 0 {
		c.Server.APIBurst = 20
	}
	if c.Stream.IdleTimeout == 0 {
		c.Stream.IdleTimeout = 5 * time.Minute
	}
	if c.Stream.RequestTimeout == 0 {
		c.Stream.RequestTimeout = 2 * time.Minute
	}
	if c.Stream.FrameRate == 0 {
		c.Stream.FrameRate = 120
	}
	if c.Stream.FrameBurst == 0 {
		c.Stream.FrameBurst = 30
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Agents.MaxErrors == 0 {
		c.Agents.MaxErrors = 5
	}
	if c.Agents.MaxRestarts == 0 {
		c.Agents.MaxRestarts = 2
	}
	if c.Agents.TaskTimeout == 0 {
		c.Agents.TaskTimeout = 60 * time.Second
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.TokensPerMinute == 0 {
		c.RateLimit.TokensPerMinute = 90_000
	}
	if c.RateLimit.MaxBurstRequests == 0 {
		c.RateLimit.MaxBurstRequests = 10
	}
	if c.RateLimit.MaxBurstTokens == 0 {
		c.RateLimit.MaxBurstTokens = 16_000
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.CacheSize == 0 {
		c.Audit.CacheSize = 1000
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 4096
	}
	if c.Cluster.NodeID == "" {
		c.Cluster.NodeID = "node-1"
	}
}
