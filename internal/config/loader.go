package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load loads the manager configuration from an optional file and environment
// variables. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfig loads configuration from a YAML file that must exist. Used by
// the storage node and client processes.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults restores defaults for values explicitly zeroed in a file
func setDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = defaults.Bus.Driver
	}
	if cfg.Bus.QueueBuffer <= 0 {
		cfg.Bus.QueueBuffer = defaults.Bus.QueueBuffer
	}
	if cfg.Bus.PollTimeout <= 0 {
		cfg.Bus.PollTimeout = defaults.Bus.PollTimeout
	}
	if cfg.Manager.EventBuffer <= 0 {
		cfg.Manager.EventBuffer = defaults.Manager.EventBuffer
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = defaults.Ingest.BatchSize
	}
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = defaults.Ingest.QueueSize
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if driver := os.Getenv("WEATHERDB_BUS_DRIVER"); driver != "" {
		cfg.Bus.Driver = driver
	}
	if nodes := os.Getenv("WEATHERDB_NODES"); nodes != "" {
		if n, err := strconv.Atoi(nodes); err == nil {
			cfg.Cluster.Nodes = n
		}
	}
	if nodeID := os.Getenv("WEATHERDB_NODE_ID"); nodeID != "" {
		if id, err := strconv.Atoi(nodeID); err == nil {
			cfg.Storage.NodeID = id
		}
	}
	if port := os.Getenv("WEATHERDB_ADMIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Admin.Port = p
		}
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Bus.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Bus.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Bus.Redis.Password = redisPassword
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
