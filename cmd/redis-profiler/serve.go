package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/redis-profiler/internal/config"
	"github.com/nkkko/redis-profiler/internal/engine"
	"github.com/nkkko/redis-profiler/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const serveExamples = `  # Serve the databases of a configuration file
  redis-profiler serve --config profiler.yaml

  # Serve the default local database on another port
  redis-profiler serve --addr :9090 --log-level debug`

type serveOpts struct {
	configFile      string
	addr            string
	logLevel        string
	shutdownTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	var opts serveOpts

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the profiler API and monitor gateway",
		Example: serveExamples,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Path to the YAML configuration file")
	flags.StringVar(&opts.addr, "addr", "", "HTTP listen address (overrides the configuration)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 15*time.Second, "Time allowed for a graceful shutdown")
	return cmd
}

func runServe(ctx context.Context, opts serveOpts) error {
	cfg, err := config.LoadConfig(opts.configFile, opts.addr, opts.logLevel)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	e, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := e.Start(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("Profiler stopped with an error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
