package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// envPrefix namespaces agentgate environment variables:
// AGENTGATE_SERVER_HTTP_ADDR overrides server.http_addr.
const envPrefix = "AGENTGATE"

// legacyEnvVars maps well-known bare environment variables onto config
// keys, for operators coming from the flat-env deployment style.
var legacyEnvVars = map[string][]string{
	"permissions.signing_secret.value":    {"PERMISSION_SIGNING_SECRET"},
	"permissions.token_duration":          {"PERMISSION_TOKEN_DURATION_MS"},
	"agents.max_errors":                   {"MAX_AGENT_ERRORS"},
	"agents.max_restarts":                 {"MAX_AGENT_RESTARTS"},
	"agents.task_timeout":                 {"MAX_AGENT_TASK_TIMEOUT_MS"},
	"agents.worker.runtime":               {"AGENT_WORKER_RUNTIME"},
	"agents.worker.image":                 {"AGENT_WORKER_IMAGE"},
	"agents.worker.disable_network":       {"AGENT_WORKER_DISABLE_NETWORK"},
	"agents.worker.readonly_rootfs":       {"AGENT_WORKER_DOCKER_READONLY"},
	"agents.worker.no_new_privs":          {"AGENT_WORKER_DOCKER_NO_NEW_PRIVS"},
	"agents.worker.drop_all_caps":         {"AGENT_WORKER_DOCKER_CAP_DROP"},
	"agents.worker.seccomp_profile":       {"AGENT_WORKER_DOCKER_SECCOMP"},
	"agents.worker.apparmor_profile":      {"AGENT_WORKER_DOCKER_APPARMOR"},
	"agents.worker.pids_limit":            {"AGENT_WORKER_DOCKER_PIDS_LIMIT"},
	"agents.worker.nproc_limit":           {"AGENT_WORKER_DOCKER_ULIMIT_NPROC"},
	"agents.worker.nofile_limit":          {"AGENT_WORKER_DOCKER_ULIMIT_NOFILE"},
	"agents.worker.storage_opt":           {"AGENT_WORKER_DOCKER_STORAGE_OPT"},
	"agents.worker.tmpfs_path":            {"AGENT_WORKER_DOCKER_TMPFS"},
	"agents.egress_proxy_url":             {"AGENT_EGRESS_PROXY_URL"},
	"agents.allow_unsafe_local_workers":   {"ALLOW_UNSAFE_LOCAL_WORKERS"},
	"enforce_hardening":                   {"ENFORCE_PRODUCTION_HARDENING"},
	"server.log_level":                    {"LOG_LEVEL"},
	"database.url":                        {"DATABASE_URL"},
	"database.ssl":                        {"DATABASE_SSL"},
}

// NewViper initializes a viper instance bound to the config file and
// environment. If configFile is empty, standard locations are searched
// for agentgate.yaml/.yml.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		v.SetConfigName("agentgate")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, names := range legacyEnvVars {
		args := append([]string{key}, names...)
		_ = v.BindEnv(args...)
	}
	return v
}

// findConfigFile searches standard locations for agentgate.yaml or
// .yml. The explicit extension keeps viper from matching the binary
// itself.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".agentgate"),
		"/etc/agentgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "agentgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Load reads the file (when present), applies environment overrides
// and defaults, and validates. A missing config file is not an error;
// the gate can run on environment variables alone.
func Load(configFile string) (*Config, error) {
	v := NewViper(configFile)
	return LoadFrom(v)
}

// LoadFrom loads from an already-initialized viper instance. Split out
// so callers can layer flag bindings before unmarshaling.
func LoadFrom(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		millisecondDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// millisecondDurationHook decodes bare integer strings into durations
// as milliseconds, so PERMISSION_TOKEN_DURATION_MS=60000 means one
// minute. Strings with a unit suffix fall through to the standard
// duration hook.
func millisecondDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType || from.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return data, nil
		}
		return time.Duration(n) * time.Millisecond, nil
	}
}
