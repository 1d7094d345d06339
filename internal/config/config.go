package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the configuration shared by the manager, storage node and client
type Config struct {
	Bus     BusConfig     `mapstructure:"bus" yaml:"bus"`
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`
	Manager ManagerConfig `mapstructure:"manager" yaml:"manager"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Ingest  IngestConfig  `mapstructure:"ingest" yaml:"ingest"`
	Admin   AdminConfig   `mapstructure:"admin" yaml:"admin"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// BusConfig selects and tunes the message bus
type BusConfig struct {
	Driver      string        `mapstructure:"driver" yaml:"driver"` // "memory" or "redis"
	QueueBuffer int           `mapstructure:"queue_buffer" yaml:"queue_buffer"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	Redis       RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig represents the Redis connection backing the bus
type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ClusterConfig describes the fixed storage topology
type ClusterConfig struct {
	Nodes int `mapstructure:"nodes" yaml:"nodes"`
}

// ManagerConfig holds heartbeat, recovery and query timing
type ManagerConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	ProbeDeadNodes    bool          `mapstructure:"probe_dead_nodes" yaml:"probe_dead_nodes"`
	EventBuffer       int           `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// StorageConfig holds storage node identity
type StorageConfig struct {
	NodeID int `mapstructure:"node_id" yaml:"node_id"`
}

// IngestConfig throttles and bounds CSV loading
type IngestConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"` // 0 disables throttling
	Burst         int     `mapstructure:"burst" yaml:"burst"`
	Workers       int     `mapstructure:"workers" yaml:"workers"`
	QueueSize     int     `mapstructure:"queue_size" yaml:"queue_size"`
	BatchSize     int     `mapstructure:"batch_size" yaml:"batch_size"`
}

// AdminConfig holds the admin/metrics HTTP server configuration
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// Addr returns host:port
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Cluster.Nodes <= 0 {
		return errors.New("cluster.nodes must be positive")
	}
	switch c.Bus.Driver {
	case "memory":
	case "redis":
		if c.Bus.Redis.Host == "" {
			return errors.New("bus.redis.host is required for the redis driver")
		}
		if c.Bus.Redis.Port <= 0 || c.Bus.Redis.Port > 65535 {
			return errors.New("bus.redis.port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("bus.driver must be one of: memory, redis (got %q)", c.Bus.Driver)
	}
	if c.Manager.HeartbeatInterval <= 0 {
		return errors.New("manager.heartbeat_interval must be positive")
	}
	if c.Manager.HeartbeatTimeout <= 0 {
		return errors.New("manager.heartbeat_timeout must be positive")
	}
	if c.Manager.RecoveryTimeout <= 0 {
		return errors.New("manager.recovery_timeout must be positive")
	}
	if c.Manager.QueryTimeout <= 0 {
		return errors.New("manager.query_timeout must be positive")
	}
	if c.Ingest.RatePerSecond < 0 {
		return errors.New("ingest.rate_per_second must not be negative")
	}
	if c.Ingest.Workers <= 0 {
		return errors.New("ingest.workers must be positive")
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return errors.New("admin.port must be between 1 and 65535")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// ValidateStorageNode checks the settings a storage node process needs
func (c *Config) ValidateStorageNode() error {
	if c.Storage.NodeID < 0 || c.Storage.NodeID >= c.Cluster.Nodes {
		return fmt.Errorf("storage.node_id must be between 0 and %d", c.Cluster.Nodes-1)
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Driver:      "memory",
			QueueBuffer: 4096,
			PollTimeout: time.Second,
			Redis: RedisConfig{
				Host:     "localhost",
				Port:     6379,
				DB:       0,
				PoolSize: 20,
			},
		},
		Cluster: ClusterConfig{
			Nodes: 3,
		},
		Manager: ManagerConfig{
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeout:  2 * time.Second,
			RecoveryTimeout:   3 * time.Second,
			QueryTimeout:      3 * time.Second,
			ProbeDeadNodes:    false,
			EventBuffer:       1024,
		},
		Ingest: IngestConfig{
			RatePerSecond: 0,
			Burst:         100,
			Workers:       2,
			QueueSize:     16,
			BatchSize:     64,
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
