package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseFile      string        // Path to SQLite database file (default: ./keywarden.db)
	DerivationKeyFile string        // Path to the secret-derivation key file (default: ./derivation.key)
	Env               string        // Environment (dev, staging, prod) (default: dev)
	LogLevel          string        // Log level (debug, info, warn, error) (default: info)
	LogFormat         string        // Log format (json, text) (default: json)
	ShutdownGrace     time.Duration // Graceful shutdown timeout (default: 10s)
	UsageQueueSize    int           // Usage recorder queue capacity (default: 1024)

	MetricsEnabled bool // Serve Prometheus metrics (default: false)
	MetricsPort    int  // Metrics listener port (default: 9090)
}

// fileConfig mirrors Config for the optional YAML overlay. Every field is
// a pointer so "absent from the file" and "explicitly zero" stay distinct.
type fileConfig struct {
	DatabaseFile      *string `yaml:"database_file"`
	DerivationKeyFile *string `yaml:"derivation_key_file"`
	Env               *string `yaml:"env"`
	LogLevel          *string `yaml:"log_level"`
	LogFormat         *string `yaml:"log_format"`
	ShutdownGrace     *string `yaml:"shutdown_grace"`
	UsageQueueSize    *int    `yaml:"usage_queue_size"`
	MetricsEnabled    *bool   `yaml:"metrics_enabled"`
	MetricsPort       *int    `yaml:"metrics_port"`
}

// LoadConfig builds the effective configuration in three layers: compiled
// defaults, then the YAML file named by KEYWARDEN_CONFIG_FILE (if any),
// then environment variables. Environment always wins.
func LoadConfig() (Config, error) {
	cfg := Config{
		DatabaseFile:      "keywarden.db",
		DerivationKeyFile: "derivation.key",
		Env:               "dev",
		LogLevel:          "info",
		LogFormat:         "json",
		ShutdownGrace:     10 * time.Second,
		UsageQueueSize:    1024,
		MetricsEnabled:    false,
		MetricsPort:       9090,
	}

	if path := os.Getenv("KEYWARDEN_CONFIG_FILE"); path != "" {
		if err := applyConfigFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.DatabaseFile = getEnvOrDefault("KEYWARDEN_DATABASE_FILE", cfg.DatabaseFile)
	cfg.DerivationKeyFile = getEnvOrDefault("KEYWARDEN_DERIVATION_KEY_FILE", cfg.DerivationKeyFile)
	cfg.Env = getEnvOrDefault("ENV", cfg.Env)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.ShutdownGrace = getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGrace)
	cfg.UsageQueueSize = getEnvIntOrDefault("KEYWARDEN_USAGE_QUEUE_SIZE", cfg.UsageQueueSize)
	cfg.MetricsEnabled = getEnvBoolOrDefault("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsPort = getEnvIntOrDefault("METRICS_PORT", cfg.MetricsPort)

	return cfg, nil
}

func applyConfigFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.DatabaseFile != nil {
		cfg.DatabaseFile = *fc.DatabaseFile
	}
	if fc.DerivationKeyFile != nil {
		cfg.DerivationKeyFile = *fc.DerivationKeyFile
	}
	if fc.Env != nil {
		cfg.Env = *fc.Env
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogFormat != nil {
		cfg.LogFormat = *fc.LogFormat
	}
	if fc.ShutdownGrace != nil {
		d, err := time.ParseDuration(*fc.ShutdownGrace)
		if err != nil {
			return fmt.Errorf("parse shutdown_grace %q: %w", *fc.ShutdownGrace, err)
		}
		cfg.ShutdownGrace = d
	}
	if fc.UsageQueueSize != nil {
		cfg.UsageQueueSize = *fc.UsageQueueSize
	}
	if fc.MetricsEnabled != nil {
		cfg.MetricsEnabled = *fc.MetricsEnabled
	}
	if fc.MetricsPort != nil {
		cfg.MetricsPort = *fc.MetricsPort
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are treated as seconds.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
