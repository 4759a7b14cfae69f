// Package config loads the broker's runtime configuration from environment
// variables with an optional YAML overlay, following the same layered-config
// convention (env wins, then file, then built-in defaults) used across the
// wider codebase.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved broker configuration.
type Config struct {
	// Port is the TCP port the HTTP broker binds on 0.0.0.0.
	Port int `mapstructure:"port"`

	// CommandTimeout is read from COMMAND_TIMEOUT_MS and logged at startup.
	// It is not passed to sessions: exec requests use the supervisor's own
	// 30s default, and execStream requests have no timeout.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// CleanupInterval is how often the supervisor's temp-file sweeper runs.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// TempFileMaxAge is how old an unreferenced temp file must be before the
	// sweeper unlinks it.
	TempFileMaxAge time.Duration `mapstructure:"temp_file_max_age"`

	// TempDir is where the control supervisor places its per-command temp files.
	TempDir string `mapstructure:"temp_dir"`

	// LogLevel and LogFormat configure the ambient structured logger.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// ProcBufferMaxBytes bounds each background process's per-stream ring buffer.
	ProcBufferMaxBytes int64 `mapstructure:"proc_buffer_max_bytes"`
}

const (
	defaultPort               = 3000
	defaultCommandTimeoutMs   = 30000
	defaultCleanupIntervalMs  = 30000
	defaultTempFileMaxAgeMs   = 60000
	defaultTempDir            = "/tmp"
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
	defaultProcBufferMaxBytes = 2 * 1024 * 1024
)

// Load resolves the broker configuration from (in increasing priority) built-in
// defaults, an optional config.yaml in the current directory or /etc/broker/,
// and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", defaultPort)
	v.SetDefault("command_timeout_ms", defaultCommandTimeoutMs)
	v.SetDefault("cleanup_interval_ms", defaultCleanupIntervalMs)
	v.SetDefault("temp_file_max_age_ms", defaultTempFileMaxAgeMs)
	v.SetDefault("temp_dir", defaultTempDir)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
	v.SetDefault("proc_buffer_max_bytes", defaultProcBufferMaxBytes)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/broker/")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("broker")
	v.AutomaticEnv()

	// spec.md's four env vars predate the BROKER_ prefix convention and bind
	// without it; bind them explicitly so both names resolve to the same keys.
	bindUnprefixed := map[string]string{
		"COMMAND_TIMEOUT_MS":   "command_timeout_ms",
		"CLEANUP_INTERVAL_MS":  "cleanup_interval_ms",
		"TEMP_FILE_MAX_AGE_MS": "temp_file_max_age_ms",
		"TEMP_DIR":             "temp_dir",
	}
	for env, key := range bindUnprefixed {
		if val, ok := os.LookupEnv(env); ok {
			v.Set(key, val)
		}
	}
	if val, ok := os.LookupEnv("BROKER_PORT"); ok {
		v.Set("port", val)
	}

	cfg := &Config{
		Port:               v.GetInt("port"),
		CommandTimeout:     time.Duration(v.GetInt64("command_timeout_ms")) * time.Millisecond,
		CleanupInterval:    time.Duration(v.GetInt64("cleanup_interval_ms")) * time.Millisecond,
		TempFileMaxAge:     time.Duration(v.GetInt64("temp_file_max_age_ms")) * time.Millisecond,
		TempDir:            v.GetString("temp_dir"),
		LogLevel:           v.GetString("log_level"),
		LogFormat:          v.GetString("log_format"),
		ProcBufferMaxBytes: v.GetInt64("proc_buffer_max_bytes"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.TempDir == "" {
		return fmt.Errorf("temp_dir must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %s", c.LogFormat)
	}
	if c.ProcBufferMaxBytes <= 0 {
		return fmt.Errorf("proc_buffer_max_bytes must be positive")
	}
	return nil
}
