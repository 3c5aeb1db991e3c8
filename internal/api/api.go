// Package api serves the HTTP endpoints of the profiler service.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	apierrors "github.com/nkkko/redis-profiler/internal/api/errors"
	"github.com/nkkko/redis-profiler/internal/api/response"
	"github.com/nkkko/redis-profiler/internal/databases"
	"github.com/nkkko/redis-profiler/internal/logging"
	"github.com/nkkko/redis-profiler/internal/metrics"
	"github.com/nkkko/redis-profiler/internal/telemetry"
	"github.com/nkkko/redis-profiler/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// CORS
	AllowedOrigins []string

	// Service name of request spans
	ServiceName string

	// Prometheus endpoint
	MetricsPath    string
	DisableMetrics bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		AllowedOrigins: []string{"*"},
		ServiceName:    "redis-profiler",
		MetricsPath:    "/metrics",
	}
}

// API handles HTTP endpoints using the chi router
type API struct {
	config   Config
	router   chi.Router
	server   *http.Server
	registry DatabaseRegistry
	gateway  MonitorGateway
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	ready    atomic.Bool
}

// NewAPI creates a new API instance
func NewAPI(config Config, registry DatabaseRegistry, gateway MonitorGateway) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}
	if config.MetricsPath == "" {
		config.MetricsPath = defaults.MetricsPath
	}

	a := &API{
		config:   config,
		registry: registry,
		gateway:  gateway,
		metrics:  metrics.GetMetrics(),
		logger:   log.With().Str("component", "api").Logger(),
	}
	a.router = a.newRouter()
	return a
}

// Handler returns the HTTP handler of the API
func (a *API) Handler() http.Handler {
	return a.router
}

// newRouter builds the middleware stack and the routes
func (a *API) newRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(a.metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", a.handleReady)

	// Metrics endpoint
	if !a.config.DisableMetrics {
		r.Handle(a.config.MetricsPath, promhttp.Handler())
	}

	r.Route("/databases", func(r chi.Router) {
		// Websocket connections outlive any request timeout
		r.Get("/{id}/monitor", a.handleMonitor)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.config.RequestTimeout))
			r.Get("/", a.handleListDatabases)
			r.Get("/{id}/profiler", a.handleProfilerStatus)
		})
	})

	return r
}

// Start runs the API server until ctx is canceled or the listener fails
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	server := &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	a.server = server

	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	a.ready.Store(true)
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("API server started")

	select {
	case err := <-errCh:
		a.ready.Store(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		a.logger.Error().Err(err).Msg("API server error")
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	a.ready.Store(false)
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

// metricsMiddleware counts requests by route pattern
func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		response.Error(w, r, apierrors.ServiceUnavailableError("not_ready", "Server is not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleListDatabases lists the configured databases
func (a *API) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	dbs := a.registry.List()

	data := make([]protocol.Database, 0, len(dbs))
	for _, db := range dbs {
		data = append(data, databaseFromRegistry(db))
	}

	response.List(w, r, data, len(data))
}

// handleProfilerStatus reports the profiler of one database
func (a *API) handleProfilerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.registry.Get(id); err != nil {
		a.logger.Debug().Err(err).Str("database_id", id).Msg("Status of unknown database")
		response.Error(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, a.gateway.Status(id))
}

// handleMonitor upgrades to the monitor websocket
func (a *API) handleMonitor(w http.ResponseWriter, r *http.Request) {
	a.gateway.ServeWebSocket(w, r, chi.URLParam(r, "id"))
}

// databaseFromRegistry converts a registry entry to its wire form
func databaseFromRegistry(db databases.Database) protocol.Database {
	return protocol.Database{
		ID:      db.ID,
		Name:    db.Name,
		Host:    db.Options.Host,
		Port:    db.Options.Port,
		TLS:     db.Options.TLS,
		Cluster: db.Options.Cluster,
	}
}
