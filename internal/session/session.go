// Package session delivers monitor events to one downstream connection.
package session

import (
	"fmt"
	"sync"
	"time"

	apierrors "github.com/nkkko/redis-profiler/internal/api/errors"
	"github.com/nkkko/redis-profiler/internal/metrics"
	"github.com/nkkko/redis-profiler/internal/profiler"
	"github.com/nkkko/redis-profiler/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ profiler.Session = (*Session)(nil)

// Sink receives the messages of a session. *websocket.Conn satisfies it.
type Sink interface {
	WriteJSON(v interface{}) error
	Close() error
}

// deadliner is implemented by sinks supporting write deadlines
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// OverflowPolicy decides what happens when the pending queue is full
type OverflowPolicy string

const (
	// DropOldest discards the oldest pending event
	DropOldest OverflowPolicy = "drop-oldest"
	// Disconnect destroys the session
	Disconnect OverflowPolicy = "disconnect"
)

// Config contains session configuration
type Config struct {
	// Maximum number of events waiting to be written
	MaxPending int

	// Maximum number of events per monitorData message
	BatchSize int

	// Period of the flush loop
	FlushInterval time.Duration

	// Period of heartbeat messages; zero disables them
	HeartbeatInterval time.Duration

	// Deadline of one write to the sink
	WriteTimeout time.Duration

	// Behavior when MaxPending is reached
	Overflow OverflowPolicy
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxPending:        10000,
		BatchSize:         500,
		FlushInterval:     100 * time.Millisecond,
		HeartbeatInterval: 15 * time.Second,
		WriteTimeout:      10 * time.Second,
		Overflow:          DropOldest,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Overflow == "" {
		c.Overflow = d.Overflow
	}
	return c
}

// Validate checks the overflow policy
func (c Config) Validate() error {
	switch c.Overflow {
	case DropOldest, Disconnect, "":
		return nil
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Overflow)
	}
}

// Session batches monitor events and writes them to a sink from a single
// goroutine. OnData never blocks.
type Session struct {
	id         string
	databaseID string
	sink       Sink
	config     Config
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	pending  []profiler.MonitorEvent
	control  []protocol.Message
	dropped  uint64
	lastSent time.Time

	wake        chan struct{}
	done        chan struct{}
	destroyOnce sync.Once
}

// New creates a session writing to sink and starts its write loop
func New(id, databaseID string, sink Sink, config Config) *Session {
	config = config.withDefaults()

	s := &Session{
		id:         id,
		databaseID: databaseID,
		sink:       sink,
		config:     config,
		logger: log.With().
			Str("component", "session").
			Str("session_id", id).
			Str("database_id", databaseID).
			Logger(),
		metrics: metrics.GetMetrics(),
		pending: make([]profiler.MonitorEvent, 0, config.BatchSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	go s.run()
	return s
}

// ID implements profiler.Session
func (s *Session) ID() string {
	return s.id
}

// DatabaseID returns the database the session watches
func (s *Session) DatabaseID() string {
	return s.databaseID
}

// OnData implements profiler.Session
func (s *Session) OnData(event profiler.MonitorEvent) {
	s.mu.Lock()

	if s.isDone() {
		s.mu.Unlock()
		return
	}

	if len(s.pending) >= s.config.MaxPending {
		if s.config.Overflow == Disconnect {
			s.mu.Unlock()
			s.logger.Warn().Int("pending", s.config.MaxPending).Msg("Session too slow, disconnecting")
			s.metrics.SessionEventsDropped.WithLabelValues(string(Disconnect)).Inc()
			s.Destroy()
			return
		}

		s.pending = s.pending[1:]
		s.dropped++
		s.metrics.SessionEventsDropped.WithLabelValues(string(DropOldest)).Inc()
		if s.dropped%1000 == 1 {
			s.logger.Warn().Uint64("dropped", s.dropped).Msg("Session queue full, dropping oldest events")
		}
	}

	s.pending = append(s.pending, event)
	full := len(s.pending) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		s.signal()
	}
}

// OnEnd implements profiler.Session
func (s *Session) OnEnd(shard profiler.Endpoint) {
	apiErr := apierrors.ServiceUnavailableError("monitor_stream_ended", "The MONITOR stream of a shard ended").
		WithDetail("shard", shard.Addr()).
		WithDetail("database_id", s.databaseID)

	s.logger.Info().Str("shard", shard.Addr()).Msg("Shard stream ended")
	s.Send(protocol.Message{Type: protocol.TypeException, Error: apiErr.Protocol()})
}

// SendError queues an exception message for err
func (s *Session) SendError(err error) {
	if err == nil {
		return
	}
	s.Send(protocol.Message{Type: protocol.TypeException, Error: apierrors.FromError(err).Protocol()})
}

// Send queues a control message. It is written after the events already
// pending.
func (s *Session) Send(msg protocol.Message) {
	s.mu.Lock()
	if s.isDone() {
		s.mu.Unlock()
		return
	}
	s.control = append(s.control, msg)
	s.mu.Unlock()

	s.signal()
}

// Clear drops every pending event
func (s *Session) Clear() {
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.mu.Unlock()
}

// Destroy implements profiler.Session. It stops the write loop and closes
// the sink.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		close(s.done)
		if err := s.sink.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing session sink")
		}
		s.logger.Debug().Msg("Session destroyed")
	})
}

// Done is closed once the session is destroyed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Destroyed reports whether Destroy has run
func (s *Session) Destroyed() bool {
	return s.isDone()
}

// Dropped returns the number of events discarded by the overflow policy
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// signal wakes the write loop without blocking
func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
		// A wake-up is already pending
	}
}

func (s *Session) run() {
	flushTicker := time.NewTicker(s.config.FlushInterval)
	defer flushTicker.Stop()

	var heartbeat <-chan time.Time
	if s.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-s.wake:
			s.flush()
		case <-flushTicker.C:
			s.flush()
		case now := <-heartbeat:
			s.mu.Lock()
			idle := now.Sub(s.lastSent) >= s.config.HeartbeatInterval
			s.mu.Unlock()
			if idle {
				ts := now.UTC()
				s.write(protocol.Message{Type: protocol.TypeHeartbeat, Timestamp: &ts})
			}
		case <-s.done:
			return
		}
	}
}

// flush writes pending events in batches, then pending control messages
func (s *Session) flush() {
	s.mu.Lock()
	events := s.pending
	control := s.control
	if len(events) > 0 {
		s.pending = make([]profiler.MonitorEvent, 0, s.config.BatchSize)
	}
	s.control = nil
	s.mu.Unlock()

	for start := 0; start < len(events); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(events) {
			end = len(events)
		}

		batch := make([]protocol.Event, 0, end-start)
		for _, ev := range events[start:end] {
			batch = append(batch, toEvent(ev))
		}

		began := time.Now()
		if !s.write(protocol.Message{Type: protocol.TypeMonitorData, Data: batch}) {
			return
		}
		s.metrics.SessionBatchSize.Observe(float64(len(batch)))
		s.metrics.SessionFlushDelay.Observe(time.Since(began).Seconds())
	}

	for _, msg := range control {
		if !s.write(msg) {
			return
		}
	}
}

// write sends one message; a failed write destroys the session
func (s *Session) write(msg protocol.Message) bool {
	if s.isDone() {
		return false
	}

	if d, ok := s.sink.(deadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	if err := s.sink.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("Session write failed")
		s.Destroy()
		return false
	}

	s.mu.Lock()
	s.lastSent = time.Now()
	s.mu.Unlock()
	return true
}

// toEvent converts a monitor event to its wire form
func toEvent(ev profiler.MonitorEvent) protocol.Event {
	return protocol.Event{
		Time:     ev.Time,
		Database: ev.Database,
		Source:   ev.Source,
		Args:     ev.Args,
		Shard: protocol.Shard{
			Host: ev.Shard.Host,
			Port: ev.Shard.Port,
			TLS:  ev.Shard.TLS,
		},
	}
}
