package config

import (
	"time"

	"github.com/nkkko/redis-profiler/internal/api"
	"github.com/nkkko/redis-profiler/internal/databases"
	"github.com/nkkko/redis-profiler/internal/gateway"
	"github.com/nkkko/redis-profiler/internal/logging"
	"github.com/nkkko/redis-profiler/internal/redisclient"
	"github.com/nkkko/redis-profiler/internal/session"
	"github.com/nkkko/redis-profiler/internal/telemetry"
)

// ToDatabases converts the database list to registry entries
func (c *Config) ToDatabases() []databases.Database {
	dbs := make([]databases.Database, 0, len(c.Databases))
	for _, db := range c.Databases {
		dbs = append(dbs, databases.Database{
			ID:      db.ID,
			Name:    db.Name,
			Options: c.toRedisOptions(db),
		})
	}
	return dbs
}

// toRedisOptions merges one database with the shared redis settings
func (c *Config) toRedisOptions(db DatabaseConfig) redisclient.Options {
	opts := redisclient.DefaultOptions()

	if db.Host != "" {
		opts.Host = db.Host
	}
	if db.Port != 0 {
		opts.Port = db.Port
	}
	opts.Username = db.Username
	opts.Password = db.Password
	opts.DB = db.DB
	opts.TLS = db.TLS
	opts.InsecureSkipVerify = db.InsecureSkipVerify
	opts.Cluster = db.Cluster

	if c.Redis.DialTimeoutMs > 0 {
		opts.DialTimeout = time.Duration(c.Redis.DialTimeoutMs) * time.Millisecond
	}
	if c.Redis.HandshakeTimeoutMs > 0 {
		opts.HandshakeTimeout = time.Duration(c.Redis.HandshakeTimeoutMs) * time.Millisecond
	}
	// Zero disables the liveness check
	opts.HealthInterval = time.Duration(c.Redis.HealthInterval) * time.Second
	if c.Redis.BufferSize > 0 {
		opts.BufferSize = c.Redis.BufferSize
	}

	return opts
}

// ToSessionConfig converts to session config
func (c *Config) ToSessionConfig() session.Config {
	return session.Config{
		MaxPending:        c.Session.MaxPending,
		BatchSize:         c.Session.BatchSize,
		FlushInterval:     time.Duration(c.Session.FlushIntervalMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(c.Session.HeartbeatInterval) * time.Second,
		WriteTimeout:      time.Duration(c.Session.WriteTimeout) * time.Second,
		Overflow:          session.OverflowPolicy(c.Session.Overflow),
	}
}

// ToGatewayConfig converts to gateway config
func (c *Config) ToGatewayConfig() gateway.Config {
	return gateway.Config{
		MaxIdleTime:    time.Duration(c.Gateway.MaxIdleTime) * time.Second,
		InitTimeout:    time.Duration(c.Gateway.InitTimeout) * time.Second,
		ReadLimit:      c.Gateway.MaxMessageSize,
		AllowedOrigins: c.Server.AllowedOrigins,
		Session:        c.ToSessionConfig(),
		RateLimit: gateway.RateLimitConfig{
			Enabled:           c.RateLimit.Enabled,
			RequestsPerSecond: c.RateLimit.WSMessagesPerSecond,
			Burst:             c.RateLimit.Burst,
		},
	}
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(c.Server.IdleTimeout) * time.Second,
		RequestTimeout: time.Duration(c.Server.RequestTimeout) * time.Second,
		AllowedOrigins: c.Server.AllowedOrigins,
		ServiceName:    c.Telemetry.ServiceName,
		MetricsPath:    c.Metrics.Endpoint,
		DisableMetrics: !c.Metrics.Enabled,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "info":
		level = logging.LevelInfo
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	var format logging.LogFormat
	switch c.Logging.Format {
	case "console":
		format = logging.FormatConsole
	default:
		format = logging.FormatJSON
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.IncludeCaller = c.Logging.IncludeCaller
	cfg.GlobalFields = c.Logging.GlobalFields
	return cfg
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		Insecure:      c.Telemetry.Insecure,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
