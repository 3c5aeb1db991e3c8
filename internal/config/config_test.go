package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/redis-profiler/internal/logging"
	"github.com/nkkko/redis-profiler/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))
	return configFile
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	require.Len(t, cfg.Databases, 1)
	assert.Equal(t, "local", cfg.Databases[0].ID)
	assert.Equal(t, 6379, cfg.Databases[0].Port)
	assert.Equal(t, "drop-oldest", cfg.Session.Overflow)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	configFile := writeConfig(t, `server:
  addr: ":9090"
databases:
  - id: cache
    host: redis.internal
    port: 6380
    tls: true
  - id: sessions
    name: Session store
    host: redis-cluster.internal
    port: 7000
    cluster: true
session:
  overflow: disconnect
  batch_size: 50
logging:
  level: "debug"
`)

	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	require.Len(t, cfg.Databases, 2, "file databases replace the default")
	assert.Equal(t, "cache", cfg.Databases[0].ID)
	assert.True(t, cfg.Databases[0].TLS)
	assert.True(t, cfg.Databases[1].Cluster)
	assert.Equal(t, "disconnect", cfg.Session.Overflow)
	assert.Equal(t, 50, cfg.Session.BatchSize)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Default values should be used for unspecified fields
	assert.Equal(t, 10000, cfg.Session.MaxPending)
	assert.Equal(t, 120, cfg.Gateway.MaxIdleTime)
}

func TestLoadConfigFromMissingFile(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromInvalidFile(t *testing.T) {
	configFile := writeConfig(t, "server: [unclosed")
	_, err := LoadConfigFromFile(configFile)
	assert.ErrorContains(t, err, "error parsing config file")
}

func TestLoadConfig(t *testing.T) {
	configFile := writeConfig(t, `server:
  addr: ":9090"
databases:
  - id: cache-eu
    host: redis.internal
logging:
  level: "debug"
`)

	t.Setenv("REDIS_PROFILER_LOG_FORMAT", "console")
	t.Setenv("REDIS_PROFILER_SESSION_MAX_PENDING", "42")
	t.Setenv("REDIS_PROFILER_DB_CACHE_EU_PASSWORD", "from-env")
	t.Setenv("REDIS_PROFILER_TELEMETRY_ENABLED", "true")

	// Flags override the file
	cfg, err := LoadConfig(configFile, ":7070", "warn")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 42, cfg.Session.MaxPending)
	assert.Equal(t, "from-env", cfg.Databases[0].Password)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("REDIS_PROFILER_SESSION_OVERFLOW", "block")
	_, err := LoadConfig("", "", "")
	assert.ErrorContains(t, err, "session.overflow")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Databases = append(cfg.Databases, DatabaseConfig{ID: "local"})
	assert.ErrorContains(t, cfg.Validate(), "duplicate id")

	cfg = DefaultConfig()
	cfg.Databases = []DatabaseConfig{{Host: "redis"}}
	assert.ErrorContains(t, cfg.Validate(), "id is required")

	cfg = DefaultConfig()
	cfg.Logging.Format = "xml"
	assert.ErrorContains(t, cfg.Validate(), "logging.format")

	cfg = DefaultConfig()
	cfg.RateLimit.WSMessagesPerSecond = 0
	assert.ErrorContains(t, cfg.Validate(), "rate_limit")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "CACHE_EU_1", envKey("cache-eu.1"))
	assert.Equal(t, "LOCAL", envKey("local"))
}

func TestToDatabases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.HandshakeTimeoutMs = 250
	cfg.Redis.HealthInterval = 0
	cfg.Databases = []DatabaseConfig{
		{ID: "cache", Port: 6380, Username: "monitor", Password: "pw", TLS: true},
		{ID: "cluster", Host: "10.0.0.5", Cluster: true},
	}

	dbs := cfg.ToDatabases()
	require.Len(t, dbs, 2)

	cache := dbs[0].Options
	assert.Equal(t, "127.0.0.1", cache.Host, "host defaults to localhost")
	assert.Equal(t, 6380, cache.Port)
	assert.Equal(t, "monitor", cache.Username)
	assert.True(t, cache.TLS)
	assert.Equal(t, 250*time.Millisecond, cache.HandshakeTimeout)
	assert.Equal(t, time.Duration(0), cache.HealthInterval)

	cluster := dbs[1].Options
	assert.Equal(t, "10.0.0.5", cluster.Host)
	assert.Equal(t, 6379, cluster.Port)
	assert.True(t, cluster.Cluster)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.Overflow = "disconnect"
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Metrics.Enabled = false

	sessionCfg := cfg.ToSessionConfig()
	assert.Equal(t, session.Disconnect, sessionCfg.Overflow)
	assert.Equal(t, 100*time.Millisecond, sessionCfg.FlushInterval)
	assert.Equal(t, 15*time.Second, sessionCfg.HeartbeatInterval)

	gatewayCfg := cfg.ToGatewayConfig()
	assert.Equal(t, 2*time.Minute, gatewayCfg.MaxIdleTime)
	assert.Equal(t, int64(4096), gatewayCfg.ReadLimit)
	assert.Equal(t, 5.0, gatewayCfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, sessionCfg, gatewayCfg.Session)

	apiCfg := cfg.ToAPIConfig()
	assert.Equal(t, ":8080", apiCfg.Addr)
	assert.Equal(t, 30*time.Second, apiCfg.RequestTimeout)
	assert.True(t, apiCfg.DisableMetrics)

	loggingCfg := cfg.ToLoggingConfig()
	assert.Equal(t, logging.LevelDebug, loggingCfg.Level)
	assert.Equal(t, logging.FormatConsole, loggingCfg.Format)
	assert.NotNil(t, loggingCfg.Output)

	telemetryCfg := cfg.ToTelemetryConfig()
	assert.Equal(t, "redis-profiler", telemetryCfg.ServiceName)
	assert.False(t, telemetryCfg.Enabled)
}
