package redisclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, lines <-chan string, n int) []string {
	t.Helper()
	var got []string
	for len(got) < n {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended after %d lines", len(got))
			got = append(got, line)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d lines", len(got))
		}
	}
	return got
}

func waitClosed(t *testing.T, lines <-chan string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream was not closed")
		}
	}
}

func TestObserverForwardsPendingThenRaw(t *testing.T) {
	raw := make(chan string, 4)
	var stops atomic.Int32
	o := newObserver(raw, []string{"first"}, func() error { stops.Add(1); return nil }, nil, 0, zerolog.Nop())

	raw <- "second"
	raw <- "third"

	assert.Equal(t, []string{"first", "second", "third"}, collect(t, o.Lines(), 3))

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	waitClosed(t, o.Lines())
	assert.Equal(t, int32(1), stops.Load())
}

func TestObserverCloseReturnsStopError(t *testing.T) {
	stopErr := errors.New("close failed")
	o := newObserver(make(chan string), nil, func() error { return stopErr }, nil, 0, zerolog.Nop())

	assert.ErrorIs(t, o.Close(), stopErr)
	assert.ErrorIs(t, o.Close(), stopErr)
	waitClosed(t, o.Lines())
}

func TestObserverDrainsAfterClose(t *testing.T) {
	raw := make(chan string)
	o := newObserver(raw, nil, func() error { return nil }, nil, 0, zerolog.Nop())
	require.NoError(t, o.Close())

	// A producer still writing after Close must not block forever
	sent := make(chan struct{})
	go func() {
		raw <- "late"
		close(sent)
	}()

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("late line was not drained")
	}
}

func TestObserverHealthFailureEndsStream(t *testing.T) {
	var stops atomic.Int32
	var checks atomic.Int32
	health := func(ctx context.Context) error {
		if checks.Add(1) >= 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	o := newObserver(make(chan string), nil, func() error { stops.Add(1); return nil }, health, 10*time.Millisecond, zerolog.Nop())

	waitClosed(t, o.Lines())
	require.Eventually(t, func() bool { return stops.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, checks.Load(), int32(2))
}

func TestObserverEndsWhenRawCloses(t *testing.T) {
	raw := make(chan string, 1)
	o := newObserver(raw, nil, func() error { return nil }, nil, 0, zerolog.Nop())

	raw <- "only"
	close(raw)

	assert.Equal(t, []string{"only"}, collect(t, o.Lines(), 1))
	waitClosed(t, o.Lines())
}
