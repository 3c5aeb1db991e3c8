package profiler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nkkko/redis-profiler/internal/metrics"
	"github.com/nkkko/redis-profiler/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Hooks are lifecycle notifications. They are invoked without any
// Profiler lock held.
type Hooks struct {
	// OnConnect fires when Init stores a client and when discovery opens
	// every shard
	OnConnect func()

	// OnConnectError fires with the raw factory error when Init fails and
	// with the classified *Error when discovery fails
	OnConnectError func(err error)
}

// Option configures a Profiler
type Option func(*Profiler)

// WithHooks sets the lifecycle hooks
func WithHooks(hooks Hooks) Option {
	return func(p *Profiler) {
		p.hooks = hooks
	}
}

// WithLogger sets the base logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Profiler) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Profiler) {
		p.metrics = m
	}
}

// subscription records everything one session attached
type subscription struct {
	session Session
	handles []handle
}

// Profiler multiplexes the MONITOR streams of one database to any number
// of sessions. Shards are opened on the first Subscribe, released when the
// last session leaves, and dropped one by one when their stream ends.
type Profiler struct {
	databaseID string
	hooks      Hooks
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	// mu serializes every operation, including the I/O of discovery. Init
	// releases it while the factory connects.
	mu            sync.Mutex
	state         State
	client        Client
	shards        []*shard
	subscriptions map[string]*subscription
	closed        bool
}

// New creates a Profiler for a database
func New(databaseID string, opts ...Option) *Profiler {
	p := &Profiler{
		databaseID:    databaseID,
		logger:        log.Logger,
		subscriptions: make(map[string]*subscription),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.metrics == nil {
		p.metrics = metrics.GetMetrics()
	}
	p.logger = p.logger.With().
		Str("component", "profiler").
		Str("database_id", databaseID).
		Logger()

	p.metrics.ProfilerState.WithLabelValues(databaseID).Set(float64(StateEmpty))
	return p
}

// DatabaseID returns the monitored database
func (p *Profiler) DatabaseID() string {
	return p.databaseID
}

// State returns the current lifecycle state
func (p *Profiler) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SessionCount returns the number of subscribed sessions
func (p *Profiler) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscriptions)
}

// ShardCount returns the number of open shards
func (p *Profiler) ShardCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shards)
}

// Shards returns the endpoints of the open shards
func (p *Profiler) Shards() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	endpoints := make([]Endpoint, len(p.shards))
	for i, sh := range p.shards {
		endpoints[i] = sh.endpoint
	}
	return endpoints
}

// Init connects through factory. It may only be called once. The lock is
// not held while connecting, so State and Shards stay responsive and
// Subscribe fails with ErrNotConnected until the client is stored.
func (p *Profiler) Init(ctx context.Context, factory ClientFactory) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.state != StateEmpty {
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}
	p.setState(StateInitializing)
	p.mu.Unlock()

	p.logger.Debug().Msg("Connecting to database")
	client, err := factory(ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if client != nil {
			if cerr := client.Close(); cerr != nil {
				p.logger.Warn().Err(cerr).Msg("Failed to close client of a closed profiler")
			}
		}
		return ErrClosed
	}

	if err != nil {
		p.setState(StateError)
		p.mu.Unlock()

		p.metrics.ProfilerErrorsTotal.WithLabelValues(p.databaseID, KindFactory.String()).Inc()
		p.logger.Error().Err(err).Msg("Failed to connect to database")
		p.fireConnectError(err)

		return &Error{Kind: KindFactory, DatabaseID: p.databaseID, Err: err}
	}

	p.client = client
	p.setState(StateConnected)
	p.mu.Unlock()

	p.logger.Info().Msg("Connected to database")
	p.fireConnect()
	return nil
}

// Subscribe attaches a session to every shard, opening the shards first if
// none are open. Shards whose stream ended are dropped first. Subscribing an already subscribed session is a no-op.
func (p *Profiler) Subscribe(ctx context.Context, s Session) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.client == nil {
		p.mu.Unlock()
		return ErrNotConnected
	}

	for _, sh := range append([]*shard(nil), p.shards...) {
		if sh.isEnded() {
			p.removeShardLocked(sh)
		}
	}

	discovered := false
	if len(p.shards) == 0 {
		shards, err := p.discover(ctx)
		if err != nil {
			p.setState(StateError)
			p.mu.Unlock()

			kind := KindUnavailable
			var perr *Error
			if errors.As(err, &perr) {
				kind = perr.Kind
			}
			p.metrics.ProfilerErrorsTotal.WithLabelValues(p.databaseID, kind.String()).Inc()
			p.logger.Warn().Err(err).Str("kind", kind.String()).Msg("Shard discovery failed")
			p.fireConnectError(err)
			return err
		}

		p.shards = shards
		p.metrics.ProfilerShardsActive.WithLabelValues(p.databaseID).Set(float64(len(shards)))
		p.setState(StateReady)
		discovered = true
	}

	id := s.ID()
	if _, ok := p.subscriptions[id]; ok {
		p.mu.Unlock()
		p.logger.Debug().Str("session_id", id).Msg("Session already subscribed")
		if discovered {
			p.fireConnect()
		}
		return nil
	}

	sub := &subscription{session: s}
	var ended []Endpoint
	for _, sh := range p.shards {
		h, wasEnded := sh.attach(listener{onData: s.OnData, onEnd: s.OnEnd})
		if wasEnded {
			ended = append(ended, sh.endpoint)
			continue
		}
		sub.handles = append(sub.handles, h)
	}
	p.subscriptions[id] = sub
	p.metrics.ProfilerSessionsSubscribed.WithLabelValues(p.databaseID).Set(float64(len(p.subscriptions)))
	p.mu.Unlock()

	p.logger.Debug().Str("session_id", id).Int("shards", len(sub.handles)).Msg("Session subscribed")

	if discovered {
		p.fireConnect()
	}
	for _, endpoint := range ended {
		s.OnEnd(endpoint)
	}
	return nil
}

// Unsubscribe detaches a session. When no session remains every shard is
// released. Unknown ids are ignored.
func (p *Profiler) Unsubscribe(sessionID string) {
	p.detach(sessionID)
}

// Disconnect detaches a session like Unsubscribe and then destroys it.
func (p *Profiler) Disconnect(sessionID string) {
	if s := p.detach(sessionID); s != nil {
		s.Destroy()
	}
}

// Release closes every shard and forgets every subscription. The client
// and the state are kept so a later Subscribe can open the shards again.
func (p *Profiler) Release() {
	p.mu.Lock()
	shards := p.takeShardsLocked()
	p.mu.Unlock()

	p.closeShards(shards)
}

// Close releases the shards and closes the client. It is idempotent.
func (p *Profiler) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	shards := p.takeShardsLocked()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	err := p.closeShards(shards)
	if client != nil {
		if cerr := client.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close client: %w", cerr))
		}
	}

	p.logger.Debug().Msg("Profiler closed")
	return err
}

// detach removes a registry entry and releases the shards if it was the
// last one. It returns the removed session, or nil for an unknown id.
func (p *Profiler) detach(sessionID string) Session {
	p.mu.Lock()

	sub, ok := p.subscriptions[sessionID]
	if !ok {
		p.mu.Unlock()
		return nil
	}

	for _, h := range sub.handles {
		h.detach()
	}
	delete(p.subscriptions, sessionID)
	p.metrics.ProfilerSessionsSubscribed.WithLabelValues(p.databaseID).Set(float64(len(p.subscriptions)))

	var shards []*shard
	if len(p.subscriptions) == 0 {
		shards = p.takeShardsLocked()
	}
	p.mu.Unlock()

	p.logger.Debug().Str("session_id", sessionID).Msg("Session unsubscribed")

	if len(shards) > 0 {
		p.logger.Info().Int("shards", len(shards)).Msg("Last session left, releasing shards")
		p.closeShards(shards)
	}
	return sub.session
}

// discover opens one shard per node, all or nothing. Called with mu held.
func (p *Profiler) discover(ctx context.Context) ([]*shard, error) {
	ctx, span := telemetry.StartSpan(ctx, "profiler.discover")
	defer span.End()
	span.SetAttributes(attribute.String("profiler.database_id", p.databaseID))

	start := time.Now()

	nodes := []Node{p.client}
	if cluster, ok := p.client.(ClusterClient); ok {
		var err error
		nodes, err = cluster.Nodes(ctx)
		if err != nil {
			err = classifyShardError(p.databaseID, nil, fmt.Errorf("failed to list cluster nodes: %w", err))
			telemetry.MarkSpanError(ctx, err)
			return nil, err
		}
		if len(nodes) == 0 {
			err = &Error{Kind: KindUnavailable, DatabaseID: p.databaseID, Err: errors.New("cluster reported no nodes")}
			telemetry.MarkSpanError(ctx, err)
			return nil, err
		}
	}

	observers := make([]Observer, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			observer, err := node.Monitor(gctx)
			if err != nil {
				endpoint := node.Endpoint()
				return classifyShardError(p.databaseID, &endpoint, err)
			}
			observers[i] = observer
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var closeErr error
		for _, observer := range observers {
			if observer != nil {
				closeErr = multierr.Append(closeErr, observer.Close())
			}
		}
		if closeErr != nil {
			p.logger.Warn().Err(closeErr).Msg("Failed to close shards of aborted discovery")
		}
		telemetry.MarkSpanError(ctx, err)
		return nil, err
	}

	shards := make([]*shard, len(nodes))
	for i, node := range nodes {
		shards[i] = newShard(p.databaseID, node.Endpoint(), observers[i], p.logger, p.metrics, p.shardEnded)
		shards[i].start()
	}

	telemetry.AddSpanAttributes(ctx, attribute.Int("profiler.shards", len(shards)))
	p.metrics.ProfilerDiscoveryDuration.WithLabelValues(p.databaseID).Observe(time.Since(start).Seconds())
	p.logger.Info().Int("shards", len(shards)).Dur("duration", time.Since(start)).Msg("Shards opened")

	return shards, nil
}

// shardEnded drops a shard whose stream ended on its own. Shards taken by
// Release or Close are no longer in the set and are left alone.
func (p *Profiler) shardEnded(sh *shard) {
	p.mu.Lock()
	removed := p.removeShardLocked(sh)
	remaining := len(p.shards)
	p.mu.Unlock()

	// The observer has stopped; closing frees its connection
	if err := sh.close(); err != nil {
		p.logger.Debug().Err(err).Str("shard", sh.endpoint.Addr()).Msg("Failed to close ended shard")
	}
	if removed {
		p.logger.Warn().Str("shard", sh.endpoint.Addr()).Int("remaining", remaining).Msg("Dropped ended shard")
	}
}

// removeShardLocked drops sh and every handle pointing at it. When no shard
// remains the registry is cleared too, so the next Subscribe opens the
// streams again. It reports whether sh was in the set.
func (p *Profiler) removeShardLocked(sh *shard) bool {
	idx := -1
	for i, candidate := range p.shards {
		if candidate == sh {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	if len(p.shards) == 1 {
		p.takeShardsLocked()
		p.setState(StateConnected)
		return true
	}

	p.shards = append(p.shards[:idx:idx], p.shards[idx+1:]...)
	for _, sub := range p.subscriptions {
		handles := sub.handles[:0]
		for _, h := range sub.handles {
			if h.shard != sh {
				handles = append(handles, h)
			}
		}
		sub.handles = handles
	}
	p.metrics.ProfilerShardsActive.WithLabelValues(p.databaseID).Set(float64(len(p.shards)))
	return true
}

// takeShardsLocked empties the shard set and the registry
func (p *Profiler) takeShardsLocked() []*shard {
	shards := p.shards
	p.shards = nil
	p.subscriptions = make(map[string]*subscription)

	p.metrics.ProfilerShardsActive.WithLabelValues(p.databaseID).Set(0)
	p.metrics.ProfilerSessionsSubscribed.WithLabelValues(p.databaseID).Set(0)
	return shards
}

func (p *Profiler) closeShards(shards []*shard) error {
	var err error
	for _, sh := range shards {
		if cerr := sh.close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close shard %s: %w", sh.endpoint.Addr(), cerr))
		}
	}
	if err != nil {
		p.logger.Warn().Err(err).Msg("Errors while releasing shards")
	}
	return err
}

func (p *Profiler) setState(state State) {
	p.state = state
	p.metrics.ProfilerState.WithLabelValues(p.databaseID).Set(float64(state))
}

func (p *Profiler) fireConnect() {
	if p.hooks.OnConnect != nil {
		p.hooks.OnConnect()
	}
}

func (p *Profiler) fireConnectError(err error) {
	if p.hooks.OnConnectError != nil {
		p.hooks.OnConnectError(err)
	}
}
