package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override
const envPrefix = "REDIS_PROFILER_"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Databases []DatabaseConfig `yaml:"databases"`
	Redis     RedisConfig      `yaml:"redis"`
	Session   SessionConfig    `yaml:"session"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	RequestTimeout int      `yaml:"request_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig describes one monitored database
type DatabaseConfig struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	TLS                bool   `yaml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Cluster            bool   `yaml:"cluster"`
}

// RedisConfig contains connection settings shared by every database
type RedisConfig struct {
	DialTimeoutMs      int `yaml:"dial_timeout_ms"`
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	HealthInterval     int `yaml:"health_interval"`
	BufferSize         int `yaml:"buffer_size"`
}

// SessionConfig contains per connection delivery settings
type SessionConfig struct {
	MaxPending        int    `yaml:"max_pending"`
	BatchSize         int    `yaml:"batch_size"`
	FlushIntervalMs   int    `yaml:"flush_interval_ms"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	WriteTimeout      int    `yaml:"write_timeout"`
	Overflow          string `yaml:"overflow"`
}

// GatewayConfig contains websocket gateway settings
type GatewayConfig struct {
	MaxIdleTime    int   `yaml:"max_idle_time"`
	InitTimeout    int   `yaml:"init_timeout"`
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// RateLimitConfig contains inbound websocket message limits
type RateLimitConfig struct {
	Enabled             bool    `yaml:"enabled"`
	WSMessagesPerSecond float64 `yaml:"ws_messages_per_second"`
	Burst               int     `yaml:"burst"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    5,
			WriteTimeout:   10,
			IdleTimeout:    120,
			RequestTimeout: 30,
			AllowedOrigins: []string{"*"},
		},
		Databases: []DatabaseConfig{
			{
				ID:   "local",
				Name: "Local Redis",
				Host: "127.0.0.1",
				Port: 6379,
			},
		},
		Redis: RedisConfig{
			DialTimeoutMs:      5000,
			HandshakeTimeoutMs: 5000,
			HealthInterval:     10,
			BufferSize:         1024,
		},
		Session: SessionConfig{
			MaxPending:        10000,
			BatchSize:         500,
			FlushIntervalMs:   100,
			HeartbeatInterval: 15,
			WriteTimeout:      10,
			Overflow:          "drop-oldest",
		},
		Gateway: GatewayConfig{
			MaxIdleTime:    120,
			InitTimeout:    10,
			MaxMessageSize: 4096,
		},
		RateLimit: RateLimitConfig{
			Enabled:             true,
			WSMessagesPerSecond: 5,
			Burst:               10,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: false,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "redis-profiler",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Command line flags have the highest priority
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks settings that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Session.Overflow {
	case "drop-oldest", "disconnect":
	default:
		return fmt.Errorf("session.overflow must be drop-oldest or disconnect, got %q", c.Session.Overflow)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.RateLimit.Enabled && c.RateLimit.WSMessagesPerSecond <= 0 {
		return fmt.Errorf("rate_limit.ws_messages_per_second must be positive")
	}

	seen := make(map[string]bool, len(c.Databases))
	for i, db := range c.Databases {
		if db.ID == "" {
			return fmt.Errorf("databases[%d]: id is required", i)
		}
		if seen[db.ID] {
			return fmt.Errorf("databases[%d]: duplicate id %q", i, db.ID)
		}
		seen[db.ID] = true
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	// Server config overrides
	if addr := os.Getenv(envPrefix + "SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}

	// Logging config overrides
	if level := os.Getenv(envPrefix + "LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv(envPrefix + "LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	// Session config overrides
	if overflow := os.Getenv(envPrefix + "SESSION_OVERFLOW"); overflow != "" {
		config.Session.Overflow = overflow
	}
	if maxPendingStr := os.Getenv(envPrefix + "SESSION_MAX_PENDING"); maxPendingStr != "" {
		if val, err := strconv.Atoi(maxPendingStr); err == nil {
			config.Session.MaxPending = val
		}
	}

	// Gateway config overrides
	if idleStr := os.Getenv(envPrefix + "GATEWAY_MAX_IDLE_TIME"); idleStr != "" {
		if val, err := strconv.Atoi(idleStr); err == nil {
			config.Gateway.MaxIdleTime = val
		}
	}

	// Telemetry config overrides
	if enabledStr := os.Getenv(envPrefix + "TELEMETRY_ENABLED"); enabledStr != "" {
		if val, err := strconv.ParseBool(enabledStr); err == nil {
			config.Telemetry.Enabled = val
		}
	}
	if endpoint := os.Getenv(envPrefix + "TELEMETRY_ENDPOINT"); endpoint != "" {
		config.Telemetry.Endpoint = endpoint
	}

	// Credentials are kept out of config files:
	// REDIS_PROFILER_DB_<ID>_USERNAME and REDIS_PROFILER_DB_<ID>_PASSWORD
	for i := range config.Databases {
		key := envPrefix + "DB_" + envKey(config.Databases[i].ID)
		if username := os.Getenv(key + "_USERNAME"); username != "" {
			config.Databases[i].Username = username
		}
		if password := os.Getenv(key + "_PASSWORD"); password != "" {
			config.Databases[i].Password = password
		}
	}
}

// envKey turns a database id into an environment variable fragment
func envKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}
