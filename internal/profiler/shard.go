package profiler

import (
	"errors"
	"sync"

	"github.com/nkkko/redis-profiler/internal/metrics"
	"github.com/rs/zerolog"
)

// listener is the pair of handlers one session attaches to one shard
type listener struct {
	onData func(MonitorEvent)
	onEnd  func(Endpoint)
}

// handle references an attached listener so it can be detached later
type handle struct {
	shard *shard
	id    uint64
}

func (h handle) detach() {
	h.shard.detach(h.id)
}

// shard fans the events of one MONITOR stream out to its listeners
type shard struct {
	endpoint   Endpoint
	observer   Observer
	databaseID string
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	onEnded    func(*shard)

	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]listener
	ended     bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// newShard wraps observer. onEnded runs on the pump goroutine once the
// stream has ended, before the listeners are told.
func newShard(databaseID string, endpoint Endpoint, observer Observer, logger zerolog.Logger, m *metrics.Metrics, onEnded func(*shard)) *shard {
	return &shard{
		endpoint:   endpoint,
		observer:   observer,
		databaseID: databaseID,
		logger:     logger.With().Str("shard", endpoint.Addr()).Logger(),
		metrics:    m,
		onEnded:    onEnded,
		listeners:  make(map[uint64]listener),
		done:       make(chan struct{}),
	}
}

// start launches the pump goroutine
func (s *shard) start() {
	go s.pump()
}

// attach registers l. If the stream has already ended nothing is
// registered and ended is true; the caller owes l its end notification.
func (s *shard) attach(l listener) (h handle, ended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return handle{}, true
	}

	s.nextID++
	s.listeners[s.nextID] = l
	return handle{shard: s, id: s.nextID}, false
}

// detach removes a listener. Unknown ids are ignored.
func (s *shard) detach(id uint64) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

func (s *shard) isEnded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

func (s *shard) listenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// pump reads the observer until its channel closes. Handlers run on this
// goroutine, outside the lock, so per-shard order is preserved and a
// handler may call back into the Profiler.
func (s *shard) pump() {
	defer close(s.done)

	for line := range s.observer.Lines() {
		event, err := ParseMonitorLine(line)
		if err != nil {
			if !errors.Is(err, ErrNotMonitorLine) {
				s.logger.Debug().Err(err).Msg("Skipping unparsable monitor line")
			}
			continue
		}
		event.Shard = s.endpoint

		s.mu.RLock()
		targets := make([]func(MonitorEvent), 0, len(s.listeners))
		for _, l := range s.listeners {
			targets = append(targets, l.onData)
		}
		s.mu.RUnlock()

		s.metrics.ProfilerEventsReceived.WithLabelValues(s.databaseID).Inc()
		s.metrics.ProfilerEventsDelivered.WithLabelValues(s.databaseID).Add(float64(len(targets)))

		for _, onData := range targets {
			onData(event)
		}
	}

	s.mu.Lock()
	s.ended = true
	ends := make([]func(Endpoint), 0, len(s.listeners))
	for _, l := range s.listeners {
		ends = append(ends, l.onEnd)
	}
	s.listeners = make(map[uint64]listener)
	s.mu.Unlock()

	s.logger.Info().Int("listeners", len(ends)).Msg("Monitor stream ended")

	if s.onEnded != nil {
		s.onEnded(s)
	}
	for _, onEnd := range ends {
		onEnd(s.endpoint)
	}
}

// close stops the observer. It does not wait for the pump, which finishes
// by delivering end notifications once the observer closes its channel.
func (s *shard) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.observer.Close()
	})
	return s.closeErr
}
