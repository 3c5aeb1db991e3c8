// Package engine wires the profiler service components together and runs
// them until shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nkkko/redis-profiler/internal/api"
	"github.com/nkkko/redis-profiler/internal/config"
	"github.com/nkkko/redis-profiler/internal/databases"
	"github.com/nkkko/redis-profiler/internal/gateway"
	"github.com/nkkko/redis-profiler/internal/metrics"
	"github.com/nkkko/redis-profiler/internal/redisclient"
	"github.com/nkkko/redis-profiler/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Option configures an Engine
type Option func(*options)

type options struct {
	registryOpts []databases.RegistryOption
}

// WithRegistryOptions passes options to the database registry
func WithRegistryOptions(opts ...databases.RegistryOption) Option {
	return func(o *options) {
		o.registryOpts = append(o.registryOpts, opts...)
	}
}

// Engine is the main coordinator of all profiler components
type Engine struct {
	config      *config.Config
	registry    *databases.Registry
	gateway     *gateway.Gateway
	api         *api.API
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	telemetryFn func(context.Context) error
}

// New creates an Engine with all components initialized from cfg
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	registry, err := databases.NewRegistry(cfg.ToDatabases(), o.registryOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	gw := gateway.New(cfg.ToGatewayConfig(), registry)
	a := api.NewAPI(cfg.ToAPIConfig(), registry, gw)

	return &Engine{
		config:   cfg,
		registry: registry,
		gateway:  gw,
		api:      a,
		logger:   log.With().Str("component", "engine").Logger(),
		metrics:  metrics.GetMetrics(),
	}, nil
}

// Handler returns the HTTP handler serving the API and the monitor websocket
func (e *Engine) Handler() http.Handler {
	return e.api.Handler()
}

// Registry returns the configured databases
func (e *Engine) Registry() *databases.Registry {
	return e.registry
}

// Start runs every component until ctx is canceled or one of them fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Int("databases", len(e.registry.List())).Msg("Starting redis profiler")

	redisclient.SetLogger(e.logger.With().Str("component", "go-redis").Logger())

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.gateway.Start(ctx)
		<-ctx.Done()
		return nil
	})

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Redis profiler stopped")
	return nil
}

// Shutdown stops accepting requests, then closes every monitor connection
// and the MONITOR streams behind them
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down redis profiler")

	var err error

	// Shut down the API first to stop accepting new connections
	if serr := e.api.Shutdown(ctx); serr != nil {
		e.logger.Error().Err(serr).Msg("Failed to shut down API")
		err = multierr.Append(err, serr)
	}

	if serr := e.gateway.Shutdown(ctx); serr != nil {
		e.logger.Error().Err(serr).Msg("Failed to shut down gateway")
		err = multierr.Append(err, serr)
	}

	if e.telemetryFn != nil {
		if serr := e.telemetryFn(ctx); serr != nil {
			e.logger.Error().Err(serr).Msg("Failed to shut down telemetry")
			err = multierr.Append(err, serr)
		}
	}

	return err
}
