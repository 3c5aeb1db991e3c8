// Package gateway exposes the profiler of every configured database over
// websockets. Each connection is one session; sessions of the same
// database share one profiler.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	apierrors "github.com/nkkko/redis-profiler/internal/api/errors"
	"github.com/nkkko/redis-profiler/internal/api/response"
	"github.com/nkkko/redis-profiler/internal/metrics"
	"github.com/nkkko/redis-profiler/internal/profiler"
	"github.com/nkkko/redis-profiler/internal/session"
	"github.com/nkkko/redis-profiler/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrShuttingDown is returned to connections arriving after Shutdown
var ErrShuttingDown = errors.New("gateway is shutting down")

// Resolver returns the client factory of a database
type Resolver interface {
	ClientFactory(databaseID string) (profiler.ClientFactory, error)
}

// RateLimitConfig bounds the inbound messages of one connection
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// Config contains gateway configuration
type Config struct {
	// Maximum time without an inbound message before dropping a connection
	MaxIdleTime time.Duration

	// Timeout of connecting and opening the shards on monitor
	InitTimeout time.Duration

	// Maximum size of an inbound message
	ReadLimit int64

	// Allowed Origin headers; empty allows any origin
	AllowedOrigins []string

	// Per connection session settings
	Session session.Config

	// Inbound rate limit
	RateLimit RateLimitConfig
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime: 2 * time.Minute,
		InitTimeout: 10 * time.Second,
		ReadLimit:   4096,
		Session:     session.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 5,
			Burst:             10,
		},
	}
}

// initOnce guards the Init of one profiler. It is replaced when Init fails.
type initOnce struct {
	once sync.Once
	err  error
}

// entry is the profiler of one database and the connections using it
type entry struct {
	profiler *profiler.Profiler
	init     *initOnce
	clients  map[string]*client
}

// client is one websocket connection
type client struct {
	id         string
	databaseID string
	conn       *websocket.Conn
	session    *session.Session
	limiter    *rate.Limiter

	mu         sync.Mutex
	lastActive time.Time
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *client) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActive)
}

// Gateway handles monitor websocket connections
type Gateway struct {
	config   Config
	resolver Resolver
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	entries  map[string]*entry
	clients  map[string]*client
	closed   bool
	drained  chan struct{}
	cancelFn context.CancelFunc
}

// New creates a gateway resolving databases through resolver
func New(config Config, resolver Resolver) *Gateway {
	defaults := DefaultConfig()
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = defaults.InitTimeout
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = defaults.ReadLimit
	}
	if config.RateLimit.Enabled && config.RateLimit.RequestsPerSecond <= 0 {
		config.RateLimit.RequestsPerSecond = defaults.RateLimit.RequestsPerSecond
	}
	if config.RateLimit.Enabled && config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = defaults.RateLimit.Burst
	}

	g := &Gateway{
		config:   config,
		resolver: resolver,
		logger:   log.With().Str("component", "gateway").Logger(),
		metrics:  metrics.GetMetrics(),
		entries:  make(map[string]*entry),
		clients:  make(map[string]*client),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Start runs the idle connection cleanup until ctx is canceled or the
// gateway shuts down
func (g *Gateway) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	g.cancelFn = cancel
	g.mu.Unlock()

	g.logger.Info().Dur("max_idle_time", g.config.MaxIdleTime).Msg("Starting monitor gateway")
	go g.cleanupIdleClients(ctx)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWebSocket upgrades the request and serves one monitor connection for
// databaseID. It returns when the connection is gone.
func (g *Gateway) ServeWebSocket(w http.ResponseWriter, r *http.Request, databaseID string) {
	if _, err := g.resolver.ClientFactory(databaseID); err != nil {
		response.Error(w, r, err)
		return
	}

	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		response.Error(w, r, apierrors.ServiceUnavailableError("shutting_down", ErrShuttingDown.Error()))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client
		g.logger.Debug().Err(err).Str("database_id", databaseID).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(g.config.ReadLimit)

	c := &client{
		id:         generateID(),
		databaseID: databaseID,
		conn:       conn,
		lastActive: time.Now(),
	}
	c.session = session.New(c.id, databaseID, conn, g.config.Session)
	if g.config.RateLimit.Enabled {
		c.limiter = rate.NewLimiter(rate.Limit(g.config.RateLimit.RequestsPerSecond), g.config.RateLimit.Burst)
	}

	if !g.register(c) {
		c.session.Destroy()
		return
	}
	defer g.removeClient(c)

	c.session.Send(protocol.Message{Type: protocol.TypeConnected, SessionID: c.id})

	logger := g.logger.With().Str("session_id", c.id).Str("database_id", databaseID).Logger()
	logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("Client connected")

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("WebSocket read error")
			return
		}

		c.touch()

		if c.limiter != nil && !c.limiter.Allow() {
			g.metrics.GatewayMessagesRejected.Inc()
			logger.Warn().Msg("Client message rate exceeded, dropping message")
			continue
		}

		if messageType == websocket.TextMessage {
			g.processClientMessage(r.Context(), c, message)
		}
	}
}

// processClientMessage handles one action sent by a client
func (g *Gateway) processClientMessage(ctx context.Context, c *client, message []byte) {
	var request protocol.Request
	if err := json.Unmarshal(message, &request); err != nil {
		g.logger.Debug().Err(err).Str("session_id", c.id).Msg("Failed to parse client message")
		c.session.SendError(apierrors.ValidationError("invalid_message", "Message must be a JSON object with an action"))
		return
	}

	switch request.Action {
	case protocol.ActionMonitor:
		g.monitor(ctx, c)

	case protocol.ActionPause:
		g.pause(c)

	case protocol.ActionPing:
		// Activity was already recorded

	default:
		g.logger.Debug().
			Str("session_id", c.id).
			Str("action", string(request.Action)).
			Msg("Unknown client action")
		c.session.SendError(apierrors.ValidationError("unknown_action", "Unknown action").
			WithDetail("action", string(request.Action)))
	}
}

// monitor subscribes the session of c, connecting the profiler first if
// needed. Failures are sent to the client as exceptions.
func (g *Gateway) monitor(ctx context.Context, c *client) {
	ctx, cancel := context.WithTimeout(ctx, g.config.InitTimeout)
	defer cancel()

	p, err := g.ensureInit(ctx, c.databaseID)
	if err != nil {
		c.session.SendError(err)
		return
	}

	if err := p.Subscribe(ctx, c.session); err != nil {
		c.session.SendError(err)
		return
	}

	// The session may have overflowed while subscribing
	if c.session.Destroyed() {
		p.Disconnect(c.id)
		return
	}

	g.logger.Debug().Str("session_id", c.id).Str("database_id", c.databaseID).Msg("Client monitoring")
}

// pause unsubscribes the session of c and drops what it has not sent yet
func (g *Gateway) pause(c *client) {
	g.mu.Lock()
	var p *profiler.Profiler
	if e, ok := g.entries[c.databaseID]; ok {
		p = e.profiler
	}
	g.mu.Unlock()
	if p == nil {
		return
	}

	p.Unsubscribe(c.id)
	c.session.Clear()

	g.logger.Debug().Str("session_id", c.id).Str("database_id", c.databaseID).Msg("Client paused")
}

// ensureInit returns the profiler of databaseID once it is connected.
// Concurrent callers share one Init; after a failure the next caller gets a
// fresh profiler.
func (g *Gateway) ensureInit(ctx context.Context, databaseID string) (*profiler.Profiler, error) {
	g.mu.Lock()
	e, ok := g.entries[databaseID]
	if !ok {
		g.mu.Unlock()
		return nil, ErrShuttingDown
	}
	p, once := e.profiler, e.init
	g.mu.Unlock()

	once.once.Do(func() {
		factory, err := g.resolver.ClientFactory(databaseID)
		if err != nil {
			once.err = err
			return
		}
		once.err = p.Init(ctx, factory)
	})
	if once.err == nil {
		return p, nil
	}

	replaced := false
	g.mu.Lock()
	if e.init == once {
		e.profiler = g.newProfiler(databaseID)
		e.init = &initOnce{}
		replaced = true
	}
	g.mu.Unlock()

	if replaced {
		_ = p.Close()
	}
	return nil, once.err
}

func (g *Gateway) newProfiler(databaseID string) *profiler.Profiler {
	logger := g.logger.With().Str("database_id", databaseID).Logger()
	return profiler.New(databaseID,
		profiler.WithMetrics(g.metrics),
		profiler.WithHooks(profiler.Hooks{
			OnConnect: func() {
				logger.Debug().Msg("Profiler connected")
			},
			OnConnectError: func(err error) {
				logger.Debug().Err(err).Msg("Profiler connect error")
			},
		}),
	)
}

// register adds c and creates the entry of its database if needed
func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}

	e, ok := g.entries[c.databaseID]
	if !ok {
		e = &entry{
			profiler: g.newProfiler(c.databaseID),
			init:     &initOnce{},
			clients:  make(map[string]*client),
		}
		g.entries[c.databaseID] = e
	}
	e.clients[c.id] = c
	g.clients[c.id] = c

	g.metrics.GatewayConnectionsActive.Inc()
	return true
}

// removeClient disconnects c. The profiler of its database is closed when
// c was its last connection.
func (g *Gateway) removeClient(c *client) {
	g.mu.Lock()
	if _, ok := g.clients[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.id)

	var p, last *profiler.Profiler
	if e, ok := g.entries[c.databaseID]; ok {
		delete(e.clients, c.id)
		p = e.profiler
		if len(e.clients) == 0 {
			delete(g.entries, c.databaseID)
			last = e.profiler
		}
	}
	remaining := len(g.clients)
	drained := g.drained
	g.mu.Unlock()

	if p != nil {
		p.Disconnect(c.id)
	}
	c.session.Destroy()

	if last != nil {
		if err := last.Close(); err != nil {
			g.logger.Warn().Err(err).Str("database_id", c.databaseID).Msg("Error closing profiler")
		}
		g.logger.Debug().Str("database_id", c.databaseID).Msg("Last client left, profiler closed")
	}

	g.metrics.GatewayConnectionsActive.Dec()
	g.logger.Debug().Str("session_id", c.id).Msg("Client removed")

	if remaining == 0 && drained != nil {
		close(drained)
	}
}

// Status reports the profiler of a database
func (g *Gateway) Status(databaseID string) protocol.ProfilerStatus {
	status := protocol.ProfilerStatus{
		DatabaseID: databaseID,
		State:      profiler.StateEmpty.String(),
		Shards:     []protocol.Shard{},
	}

	g.mu.Lock()
	e, ok := g.entries[databaseID]
	var p *profiler.Profiler
	if ok {
		p = e.profiler
	}
	g.mu.Unlock()

	if p == nil {
		return status
	}

	status.Active = true
	status.State = p.State().String()
	status.Sessions = p.SessionCount()
	for _, ep := range p.Shards() {
		status.Shards = append(status.Shards, protocol.Shard{Host: ep.Host, Port: ep.Port, TLS: ep.TLS})
	}
	return status
}

// ConnectionCount returns the number of open connections
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// cleanupIdleClients periodically drops idle connections
func (g *Gateway) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(g.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup closes connections idle for longer than MaxIdleTime.
// Their read loops then remove them.
func (g *Gateway) performClientCleanup() {
	now := time.Now()
	var idle []*client

	g.mu.Lock()
	for _, c := range g.clients {
		if c.idleSince(now) > g.config.MaxIdleTime {
			idle = append(idle, c)
		}
	}
	g.mu.Unlock()

	for _, c := range idle {
		c.conn.Close()
		g.logger.Debug().Str("session_id", c.id).Msg("Closed idle client")
	}
}

// Shutdown closes every connection and waits until all of them are removed
// or ctx is done
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info().Msg("Shutting down monitor gateway")

	g.mu.Lock()
	g.closed = true
	if g.cancelFn != nil {
		g.cancelFn()
	}
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	drained := make(chan struct{})
	if len(clients) == 0 {
		close(drained)
	} else {
		g.drained = drained
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}

	select {
	case <-drained:
		g.logger.Info().Int("closed_clients", len(clients)).Msg("All client connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// generateID creates a unique session ID
func generateID() string {
	return uuid.NewString()
}
