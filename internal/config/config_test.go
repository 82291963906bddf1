package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.Interval)
	assert.Equal(t, 100, cfg.Dispatcher.BatchLimit)
	assert.Equal(t, 10, cfg.Failover.MaxAttemptsBeforeError)
	assert.Equal(t, 2*time.Minute, cfg.Maintenance.HeartbeatTimeout)
	assert.Equal(t, 720*time.Hour, cfg.Maintenance.JobLifetime)
	assert.Equal(t, "/dispatch", cfg.EtcdPrefix)
	assert.Empty(t, cfg.EtcdEndpoints)
	assert.NoError(t, cfg.Validate())

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DISPATCH_STORE_DRIVER", "etcd")
	t.Setenv("DISPATCH_ETCD_ENDPOINTS", "etcd-1:2379, etcd-2:2379")
	t.Setenv("DISPATCH_DISPATCHER_INTERVAL", "5s")
	t.Setenv("DISPATCH_DISPATCHER_LEADER_ONLY", "true")
	t.Setenv("DISPATCH_WORKER_SERVICES", "tools,encode")
	t.Setenv("DISPATCH_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverEtcd, cfg.Store.Driver)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.Interval)
	assert.True(t, cfg.Dispatcher.LeaderOnly)
	assert.Equal(t, []string{"tools", "encode"}, cfg.Worker.Services)
	assert.NoError(t, cfg.Validate())

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: sqlite
  dsn: /tmp/dispatch.db
failover:
  error_states_enabled: true
  no_error_state_service_types: ["ingest-*", "healthcheck"]
worker:
  host: http://w1:9000
  max_load: 8
  services: [tools]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/dispatch.db", cfg.Store.DSN)
	assert.True(t, cfg.Failover.ErrorStatesEnabled)
	assert.Equal(t, []string{"ingest-*", "healthcheck"}, cfg.Failover.NoErrorStateServiceTypes)
	assert.Equal(t, 8.0, cfg.Worker.MaxLoad)
	assert.NoError(t, cfg.ValidateWorker())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"short interval", func(c *Config) { c.Dispatcher.Interval = 500 * time.Millisecond }, "dispatcher.interval"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, "unknown store.driver"},
		{"mysql without dsn", func(c *Config) { c.Store.Driver = DriverMySQL }, "store.dsn"},
		{"etcd without endpoints", func(c *Config) { c.Store.Driver = DriverEtcd }, "etcd_endpoints"},
		{"leader only without etcd", func(c *Config) { c.Dispatcher.LeaderOnly = true }, "leader_only"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Dispatcher.Interval = 0
	assert.NoError(t, cfg.Validate(), "zero interval disables the dispatcher")
	assert.Error(t, cfg.ValidateWorker())
}
