// Package redisclient connects the profiler to Redis through go-redis.
package redisclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nkkko/redis-profiler/internal/profiler"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	_ profiler.Client        = (*Client)(nil)
	_ profiler.ClusterClient = (*ClusterClient)(nil)
)

// NewFactory returns a ClientFactory connecting with opts
func NewFactory(opts Options) profiler.ClientFactory {
	return func(ctx context.Context) (profiler.Client, error) {
		if err := opts.Validate(); err != nil {
			return nil, fmt.Errorf("invalid redis options: %w", err)
		}

		logger := log.With().
			Str("component", "redisclient").
			Str("addr", opts.Addr()).
			Logger()

		if opts.Cluster {
			rdb := redis.NewClusterClient(opts.clusterOptions())
			if err := rdb.Ping(ctx).Err(); err != nil {
				_ = rdb.Close()
				return nil, fmt.Errorf("failed to connect to cluster %s: %w", opts.Addr(), err)
			}
			logger.Debug().Msg("Connected to cluster")
			return &ClusterClient{
				node:   newNode(opts.Endpoint(), opts.clientOptions(), rdb.Ping, opts, logger),
				rdb:    rdb,
				opts:   opts,
				logger: logger,
			}, nil
		}

		rdb := redis.NewClient(opts.clientOptions())
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", opts.Addr(), err)
		}
		logger.Debug().Msg("Connected to server")
		return &Client{
			node: newNode(opts.Endpoint(), opts.clientOptions(), rdb.Ping, opts, logger),
			rdb:  rdb,
		}, nil
	}
}

// node opens MONITOR streams on one server
type node struct {
	endpoint profiler.Endpoint
	base     *redis.Options

	// ping runs through a regular client and reports liveness
	ping func(ctx context.Context) *redis.StatusCmd

	handshakeTimeout time.Duration
	healthInterval   time.Duration
	bufferSize       int
	logger           zerolog.Logger
}

func newNode(endpoint profiler.Endpoint, base *redis.Options, ping func(ctx context.Context) *redis.StatusCmd, opts Options, logger zerolog.Logger) node {
	return node{
		endpoint:         endpoint,
		base:             base,
		ping:             ping,
		handshakeTimeout: opts.HandshakeTimeout,
		healthInterval:   opts.HealthInterval,
		bufferSize:       opts.BufferSize,
		logger:           logger.With().Str("shard", endpoint.Addr()).Logger(),
	}
}

// Endpoint implements profiler.Node
func (n node) Endpoint() profiler.Endpoint {
	return n.endpoint
}

// Monitor implements profiler.Node. The stream runs on its own connection
// and outlives ctx, which only bounds the handshake.
func (n node) Monitor(ctx context.Context) (profiler.Observer, error) {
	// The MONITOR command of go-redis reports a rejected command only by
	// going silent, so ask once on a throwaway connection to surface
	// NOPERM and dial errors.
	if err := n.checkMonitor(ctx); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(monitorOptions(n.base))
	raw := make(chan string, n.bufferSize)
	cmd := rdb.Monitor(context.WithoutCancel(ctx), raw)
	cmd.Start()

	stopper := func() error {
		cmd.Stop()
		return rdb.Close()
	}

	var pending []string
	timer := time.NewTimer(n.handshakeTimeout)
	defer timer.Stop()

	select {
	case line := <-raw:
		if line != "OK" {
			pending = append(pending, line)
		}
	case <-timer.C:
		_ = stopper()
		return nil, fmt.Errorf("no MONITOR acknowledgement from %s within %s", n.endpoint.Addr(), n.handshakeTimeout)
	case <-ctx.Done():
		_ = stopper()
		return nil, ctx.Err()
	}

	var health func(ctx context.Context) error
	if n.ping != nil {
		health = func(ctx context.Context) error {
			return n.ping(ctx).Err()
		}
	}

	n.logger.Debug().Msg("Monitor stream opened")
	return newObserver(raw, pending, stopper, health, n.healthInterval, n.logger), nil
}

func (n node) checkMonitor(ctx context.Context) error {
	check := redis.NewClient(monitorOptions(n.base))
	defer check.Close()

	if n.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.handshakeTimeout)
		defer cancel()
	}

	if err := check.Do(ctx, "MONITOR").Err(); err != nil {
		return fmt.Errorf("MONITOR rejected by %s: %w", n.endpoint.Addr(), err)
	}
	return nil
}

// Client is a standalone server
type Client struct {
	node
	rdb *redis.Client
}

// Close implements profiler.Client
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ClusterClient is a Redis Cluster; every master and replica is a shard
type ClusterClient struct {
	node
	rdb    *redis.ClusterClient
	opts   Options
	logger zerolog.Logger
}

// Close implements profiler.Client
func (c *ClusterClient) Close() error {
	return c.rdb.Close()
}

// Nodes implements profiler.ClusterClient
func (c *ClusterClient) Nodes(ctx context.Context) ([]profiler.Node, error) {
	var (
		mu    sync.Mutex
		nodes []node
	)

	err := c.rdb.ForEachShard(ctx, func(ctx context.Context, shard *redis.Client) error {
		base := shard.Options()
		endpoint, err := endpointFromOptions(base)
		if err != nil {
			return err
		}

		n := newNode(endpoint, base, shard.Ping, c.opts, c.logger)

		mu.Lock()
		nodes = append(nodes, n)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate cluster nodes: %w", err)
	}

	sortNodes(nodes)

	result := make([]profiler.Node, len(nodes))
	for i := range nodes {
		result[i] = nodes[i]
	}
	return result, nil
}

// sortNodes orders nodes by address so shard order is stable
func sortNodes(nodes []node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].endpoint.Host != nodes[j].endpoint.Host {
			return nodes[i].endpoint.Host < nodes[j].endpoint.Host
		}
		return nodes[i].endpoint.Port < nodes[j].endpoint.Port
	})
}
