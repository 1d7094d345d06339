package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
bus:
  driver: redis
  redis:
    host: redis.internal
    port: 6380
cluster:
  nodes: 5
manager:
  heartbeat_interval: 500ms
  heartbeat_timeout: 200ms
  probe_dead_nodes: true
storage:
  node_id: 4
logging:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Cluster.Nodes)
	assert.Equal(t, 5*time.Second, cfg.Manager.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.Manager.HeartbeatTimeout)
	assert.Equal(t, 3*time.Second, cfg.Manager.RecoveryTimeout)
}

func TestLoad_Viper(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, "redis.internal:6380", cfg.Bus.Redis.Addr())
	assert.Equal(t, 5, cfg.Cluster.Nodes)
	assert.Equal(t, 500*time.Millisecond, cfg.Manager.HeartbeatInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.Manager.HeartbeatTimeout)
	assert.True(t, cfg.Manager.ProbeDeadNodes)
	// Untouched keys keep their defaults
	assert.Equal(t, 3*time.Second, cfg.Manager.RecoveryTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Cluster.Nodes, cfg.Cluster.Nodes)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("WEATHERDB_NODES", "7")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Cluster.Nodes)
	assert.Equal(t, "cache", cfg.Bus.Redis.Host)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfig_YAML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Storage.NodeID)
	assert.Equal(t, 500*time.Millisecond, cfg.Manager.HeartbeatInterval)
	assert.NoError(t, cfg.ValidateStorageNode())
}

func TestLoadConfig_RequiresFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no nodes", func(c *Config) { c.Cluster.Nodes = 0 }},
		{"unknown driver", func(c *Config) { c.Bus.Driver = "kafka" }},
		{"redis without host", func(c *Config) { c.Bus.Driver = "redis"; c.Bus.Redis.Host = "" }},
		{"zero heartbeat interval", func(c *Config) { c.Manager.HeartbeatInterval = 0 }},
		{"zero heartbeat timeout", func(c *Config) { c.Manager.HeartbeatTimeout = 0 }},
		{"zero recovery timeout", func(c *Config) { c.Manager.RecoveryTimeout = 0 }},
		{"negative ingest rate", func(c *Config) { c.Ingest.RatePerSecond = -1 }},
		{"bad admin port", func(c *Config) { c.Admin.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateStorageNode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.NodeID = 3
	assert.Error(t, cfg.ValidateStorageNode())

	cfg.Storage.NodeID = 2
	assert.NoError(t, cfg.ValidateStorageNode())
}
