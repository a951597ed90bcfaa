// Package config loads server configuration from environment variables,
// with an optional YAML file providing defaults for local development.
// Environment variables always win over the file; built-in defaults apply
// when neither is set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the spec's external interfaces name.
type Config struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`

	// APIKey, when non-empty, is the shared secret every route except
	// /health and / must present as "Authorization: Bearer <secret>".
	APIKey string `yaml:"api_key"`

	// KernelTimeout is the idle_ttl in seconds: how long a busy=false
	// active session may go without activity before the Cleanup Loop
	// reaps it.
	KernelTimeout int `yaml:"kernel_timeout"`

	// MaxKernels is capacity_max: the cap on concurrently active sessions.
	MaxKernels int `yaml:"max_kernels"`

	// KernelCleanupInterval is the Cleanup Loop tick period in seconds.
	KernelCleanupInterval int `yaml:"kernel_cleanup_interval"`

	// MaxExecutionTime is the default per-execution timeout in seconds,
	// used when a /execute call omits its own timeout.
	MaxExecutionTime int `yaml:"max_execution_time"`

	// SessionPoolSize is pool_target: the steady-state warm-pool reserve.
	SessionPoolSize int `yaml:"session_pool_size"`

	// SessionPoolRefillInterval is the Refill Loop tick period in seconds.
	SessionPoolRefillInterval int `yaml:"session_pool_refill_interval"`

	// WorkdirRoot is the parent directory new session working directories
	// are created under. Defaults to /tmp/sandbox_sessions.
	WorkdirRoot string `yaml:"workdir_root"`

	// LogFile, if set, is a file logs are written to; stderr then also
	// receives them only when it is a terminal.
	LogFile string `yaml:"log_file"`
}

// Default returns the configuration spec §6 lists as defaults.
func Default() *Config {
	return &Config{
		Host:                      "0.0.0.0",
		Port:                      16010,
		Debug:                     false,
		APIKey:                    "",
		KernelTimeout:             300,
		MaxKernels:                10,
		KernelCleanupInterval:     60,
		MaxExecutionTime:          30,
		SessionPoolSize:           2,
		SessionPoolRefillInterval: 30,
		WorkdirRoot:               "/tmp/sandbox_sessions",
	}
}

// Load builds the effective configuration: defaults, then an optional YAML
// file override, then environment variables on top. yamlPath may be empty,
// in which case only defaults and the environment apply.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", yamlPath, err)
		}
	}

	applyEnvString(&cfg.Host, "HOST")
	if err := applyEnvInt(&cfg.Port, "PORT"); err != nil {
		return nil, err
	}
	if err := applyEnvBool(&cfg.Debug, "DEBUG"); err != nil {
		return nil, err
	}
	applyEnvString(&cfg.APIKey, "API_KEY")
	if err := applyEnvInt(&cfg.KernelTimeout, "KERNEL_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := applyEnvInt(&cfg.MaxKernels, "MAX_KERNELS"); err != nil {
		return nil, err
	}
	if err := applyEnvInt(&cfg.KernelCleanupInterval, "KERNEL_CLEANUP_INTERVAL"); err != nil {
		return nil, err
	}
	if err := applyEnvInt(&cfg.MaxExecutionTime, "MAX_EXECUTION_TIME"); err != nil {
		return nil, err
	}
	if err := applyEnvInt(&cfg.SessionPoolSize, "SESSION_POOL_SIZE"); err != nil {
		return nil, err
	}
	if err := applyEnvInt(&cfg.SessionPoolRefillInterval, "SESSION_POOL_REFILL_INTERVAL"); err != nil {
		return nil, err
	}
	applyEnvString(&cfg.WorkdirRoot, "SANDBOX_WORKDIR_ROOT")
	applyEnvString(&cfg.LogFile, "SANDBOX_LOG_FILE")

	return cfg, nil
}

func applyEnvString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func applyEnvBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("parse %s=%q as bool: %w", key, v, err)
	}
	*dst = b
	return nil
}

func applyEnvInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s=%q as int: %w", key, v, err)
	}
	*dst = n
	return nil
}

// IdleTTL returns KernelTimeout as a time.Duration.
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.KernelTimeout) * time.Second
}

// CleanupInterval returns KernelCleanupInterval as a time.Duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.KernelCleanupInterval) * time.Second
}

// DefaultExecutionTimeout returns MaxExecutionTime as a time.Duration.
func (c *Config) DefaultExecutionTimeout() time.Duration {
	return time.Duration(c.MaxExecutionTime) * time.Second
}

// PoolRefillInterval returns SessionPoolRefillInterval as a time.Duration.
func (c *Config) PoolRefillInterval() time.Duration {
	return time.Duration(c.SessionPoolRefillInterval) * time.Second
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
