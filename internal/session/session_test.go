package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/redis-profiler/internal/profiler"
	"github.com/nkkko/redis-profiler/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink records written messages
type memorySink struct {
	mu       sync.Mutex
	messages []protocol.Message
	writeErr error
	block    chan struct{}
	closes   int
}

func (m *memorySink) WriteJSON(v interface{}) error {
	if m.block != nil {
		<-m.block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.messages = append(m.messages, v.(protocol.Message))
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *memorySink) snapshot() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.messages...)
}

func (m *memorySink) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *memorySink) events() []protocol.Event {
	var out []protocol.Event
	for _, msg := range m.snapshot() {
		if msg.Type == protocol.TypeMonitorData {
			out = append(out, msg.Data...)
		}
	}
	return out
}

func (m *memorySink) ofType(t protocol.MessageType) []protocol.Message {
	var out []protocol.Message
	for _, msg := range m.snapshot() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxPending:    100,
		BatchSize:     10,
		FlushInterval: 10 * time.Millisecond,
		WriteTimeout:  time.Second,
		Overflow:      DropOldest,
	}
}

func event(n int) profiler.MonitorEvent {
	return profiler.MonitorEvent{
		Time:     time.Unix(1700000000, int64(n)*1000).UTC(),
		Database: 0,
		Source:   "127.0.0.1:50000",
		Args:     []string{"GET", "key"},
		Shard:    profiler.Endpoint{Host: "127.0.0.1", Port: 6379},
	}
}

func TestSessionDeliversInBatches(t *testing.T) {
	sink := &memorySink{}
	s := New("s1", "cache", sink, testConfig())
	defer s.Destroy()

	for i := 0; i < 25; i++ {
		s.OnData(event(i))
	}

	require.Eventually(t, func() bool { return len(sink.events()) == 25 }, 2*time.Second, 5*time.Millisecond)

	for _, msg := range sink.ofType(protocol.TypeMonitorData) {
		assert.LessOrEqual(t, len(msg.Data), 10)
	}

	got := sink.events()
	for i, ev := range got {
		assert.Equal(t, time.Unix(1700000000, int64(i)*1000).UTC(), ev.Time, "events keep their order")
		assert.Equal(t, protocol.Shard{Host: "127.0.0.1", Port: 6379}, ev.Shard)
	}
}

func TestSessionDropOldest(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	cfg := testConfig()
	cfg.MaxPending = 5
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Hour
	s := New("s1", "cache", sink, cfg)
	defer s.Destroy()

	for i := 0; i < 8; i++ {
		s.OnData(event(i))
	}
	assert.Equal(t, uint64(3), s.Dropped())
	assert.False(t, s.Destroyed())

	// Only the five newest events survive
	s.Send(protocol.Message{Type: protocol.TypeConnected, SessionID: "s1"})
	close(sink.block)
	require.Eventually(t, func() bool { return len(sink.events()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Unix(1700000000, 3000).UTC(), sink.events()[0].Time)
}

func TestSessionDisconnectOnOverflow(t *testing.T) {
	sink := &memorySink{}
	cfg := testConfig()
	cfg.MaxPending = 3
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Hour
	cfg.Overflow = Disconnect
	s := New("s1", "cache", sink, cfg)

	for i := 0; i < 4; i++ {
		s.OnData(event(i))
	}

	assert.True(t, s.Destroyed())
	assert.Equal(t, 1, sink.closeCount())

	// Further calls are ignored
	s.OnData(event(5))
	s.Destroy()
	assert.Equal(t, 1, sink.closeCount())
}

func TestSessionOnEndSendsException(t *testing.T) {
	sink := &memorySink{}
	s := New("s1", "cache", sink, testConfig())
	defer s.Destroy()

	s.OnData(event(1))
	s.OnEnd(profiler.Endpoint{Host: "10.0.0.1", Port: 7000})

	require.Eventually(t, func() bool { return len(sink.ofType(protocol.TypeException)) == 1 }, 2*time.Second, 5*time.Millisecond)

	msgs := sink.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeMonitorData, msgs[0].Type, "pending events go out before the exception")

	exc := msgs[1].Error
	require.NotNil(t, exc)
	assert.Equal(t, "service_unavailable", exc.Type)
	assert.Equal(t, "monitor_stream_ended", exc.Code)
	assert.Equal(t, "10.0.0.1:7000", exc.Details["shard"])
}

func TestSessionSendError(t *testing.T) {
	sink := &memorySink{}
	s := New("s1", "cache", sink, testConfig())
	defer s.Destroy()

	s.SendError(nil)
	s.SendError(&profiler.Error{Kind: profiler.KindForbidden, DatabaseID: "cache"})

	require.Eventually(t, func() bool { return len(sink.ofType(protocol.TypeException)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "forbidden", sink.ofType(protocol.TypeException)[0].Error.Type)
}

func TestSessionWriteErrorDestroys(t *testing.T) {
	sink := &memorySink{writeErr: errors.New("broken pipe")}
	s := New("s1", "cache", sink, testConfig())

	s.OnData(event(1))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not destroyed after write error")
	}
	assert.Equal(t, 1, sink.closeCount())
}

func TestSessionHeartbeat(t *testing.T) {
	sink := &memorySink{}
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	s := New("s1", "cache", sink, cfg)
	defer s.Destroy()

	require.Eventually(t, func() bool { return len(sink.ofType(protocol.TypeHeartbeat)) >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, sink.ofType(protocol.TypeHeartbeat)[0].Timestamp)
}

func TestSessionClear(t *testing.T) {
	sink := &memorySink{}
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	cfg.BatchSize = 100
	s := New("s1", "cache", sink, cfg)
	defer s.Destroy()

	s.OnData(event(1))
	s.Clear()
	s.Send(protocol.Message{Type: protocol.TypeConnected})

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.events())
}

func TestConfig(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig().MaxPending, cfg.MaxPending)
	assert.Equal(t, DropOldest, cfg.Overflow)

	assert.NoError(t, Config{Overflow: Disconnect}.Validate())
	assert.Error(t, Config{Overflow: "block"}.Validate())
}
