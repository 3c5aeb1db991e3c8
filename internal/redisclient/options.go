package redisclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nkkko/redis-profiler/internal/profiler"
	"github.com/redis/go-redis/v9"
)

// Options describes how to reach one monitored database
type Options struct {
	// Host and Port of the server, or of a seed node for a cluster
	Host string
	Port int

	// ACL credentials
	Username string
	Password string

	// Logical database for standalone servers
	DB int

	// TLS enables TLS; InsecureSkipVerify disables certificate checks
	TLS                bool
	InsecureSkipVerify bool

	// Cluster selects the cluster client and per-node monitoring
	Cluster bool

	// DialTimeout bounds connection establishment
	DialTimeout time.Duration

	// HandshakeTimeout bounds the wait for the MONITOR acknowledgement
	HandshakeTimeout time.Duration

	// HealthInterval is the period of the liveness PING while a MONITOR
	// stream is open. Zero disables the check.
	HealthInterval time.Duration

	// BufferSize is the number of raw lines buffered per stream
	BufferSize int
}

// DefaultOptions returns options for a local standalone server
func DefaultOptions() Options {
	return Options{
		Host:             "127.0.0.1",
		Port:             6379,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		HealthInterval:   10 * time.Second,
		BufferSize:       1024,
	}
}

// Addr returns host:port
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Endpoint returns the endpoint of the configured host
func (o Options) Endpoint() profiler.Endpoint {
	return profiler.Endpoint{
		Host:     o.Host,
		Port:     o.Port,
		TLS:      o.TLS,
		Username: o.Username,
	}
}

// Validate checks the options for obvious mistakes
func (o Options) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("host is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	if o.Cluster && o.DB != 0 {
		return fmt.Errorf("cluster mode only supports database 0")
	}
	return nil
}

func (o Options) tlsConfig() *tls.Config {
	if !o.TLS {
		return nil
	}
	return &tls.Config{
		ServerName:         o.Host,
		InsecureSkipVerify: o.InsecureSkipVerify, //nolint:gosec // opt-in per database
		MinVersion:         tls.VersionTLS12,
	}
}

// clientOptions maps to go-redis options for a standalone server
func (o Options) clientOptions() *redis.Options {
	return &redis.Options{
		Addr:        o.Addr(),
		Username:    o.Username,
		Password:    o.Password,
		DB:          o.DB,
		DialTimeout: o.DialTimeout,
		TLSConfig:   o.tlsConfig(),
		ClientName:  clientName,
	}
}

// clusterOptions maps to go-redis options for a cluster
func (o Options) clusterOptions() *redis.ClusterOptions {
	return &redis.ClusterOptions{
		Addrs:       []string{o.Addr()},
		Username:    o.Username,
		Password:    o.Password,
		DialTimeout: o.DialTimeout,
		TLSConfig:   o.tlsConfig(),
		ClientName:  clientName,
	}
}

// monitorOptions derives the options of a dedicated MONITOR connection.
// A monitoring connection accepts no other command, so it gets a pool of
// one, no retries and no read deadline.
func monitorOptions(base *redis.Options) *redis.Options {
	return &redis.Options{
		Addr:             base.Addr,
		Username:         base.Username,
		Password:         base.Password,
		DB:               base.DB,
		DialTimeout:      base.DialTimeout,
		TLSConfig:        base.TLSConfig,
		ClientName:       monitorClientName,
		Protocol:         2,
		PoolSize:         1,
		MinIdleConns:     0,
		MaxRetries:       -1,
		ReadTimeout:      -1,
		DisableIndentity: true,
	}
}

// endpointFromOptions builds the endpoint of a node from its go-redis options
func endpointFromOptions(opt *redis.Options) (profiler.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(opt.Addr)
	if err != nil {
		return profiler.Endpoint{}, fmt.Errorf("invalid node address %q: %w", opt.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return profiler.Endpoint{}, fmt.Errorf("invalid node port %q: %w", portStr, err)
	}
	return profiler.Endpoint{
		Host:     host,
		Port:     port,
		TLS:      opt.TLSConfig != nil,
		Username: opt.Username,
	}, nil
}

const (
	clientName        = "redis-profiler"
	monitorClientName = "redis-profiler-monitor"
)
