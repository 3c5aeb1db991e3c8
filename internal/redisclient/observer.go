package redisclient

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// drainIdle is how long a closed stream keeps discarding raw lines after
// the last one arrived, so the reader goroutine of the MONITOR command is
// never left blocked on its channel.
const drainIdle = 2 * time.Second

// observer adapts the raw channel of a MONITOR command to profiler.Observer
type observer struct {
	raw     <-chan string
	lines   chan string
	pending []string

	// stopper tears down the MONITOR connection
	stopper func() error

	// health pings the node; a failure ends the stream
	health         func(ctx context.Context) error
	healthInterval time.Duration

	logger zerolog.Logger

	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newObserver(raw <-chan string, pending []string, stopper func() error, health func(ctx context.Context) error, healthInterval time.Duration, logger zerolog.Logger) *observer {
	o := &observer{
		raw:            raw,
		lines:          make(chan string),
		pending:        pending,
		stopper:        stopper,
		health:         health,
		healthInterval: healthInterval,
		logger:         logger,
		stop:           make(chan struct{}),
	}
	go o.run()
	return o
}

// Lines implements profiler.Observer
func (o *observer) Lines() <-chan string {
	return o.lines
}

// Close implements profiler.Observer
func (o *observer) Close() error {
	o.closeOnce.Do(func() {
		close(o.stop)
		o.closeErr = o.stopper()
		go o.drain()
	})
	return o.closeErr
}

func (o *observer) run() {
	defer close(o.lines)

	for _, line := range o.pending {
		if !o.forward(line) {
			return
		}
	}
	o.pending = nil

	var tick <-chan time.Time
	if o.health != nil && o.healthInterval > 0 {
		ticker := time.NewTicker(o.healthInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case line, ok := <-o.raw:
			if !ok || !o.forward(line) {
				return
			}

		case <-tick:
			ctx, cancel := context.WithTimeout(context.Background(), o.healthInterval)
			err := o.health(ctx)
			cancel()
			if err != nil {
				o.logger.Warn().Err(err).Msg("Health check failed, ending monitor stream")
				// Close from a separate goroutine; run must return to close lines
				go o.Close()
				return
			}

		case <-o.stop:
			return
		}
	}
}

// forward hands one line to the consumer unless the stream is stopped
func (o *observer) forward(line string) bool {
	select {
	case o.lines <- line:
		return true
	case <-o.stop:
		return false
	}
}

// drain discards raw lines until none has arrived for drainIdle
func (o *observer) drain() {
	timer := time.NewTimer(drainIdle)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-o.raw:
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(drainIdle)
		case <-timer.C:
			return
		}
	}
}
