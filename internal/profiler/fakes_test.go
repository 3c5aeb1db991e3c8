package profiler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// fakeObserver is an in-memory MONITOR stream
type fakeObserver struct {
	in     chan string
	out    chan string
	stop   chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func newFakeObserver() *fakeObserver {
	o := &fakeObserver{
		in:   make(chan string),
		out:  make(chan string),
		stop: make(chan struct{}),
	}
	go o.forward()
	return o
}

func (o *fakeObserver) forward() {
	defer close(o.out)
	for {
		select {
		case line := <-o.in:
			select {
			case o.out <- line:
			case <-o.stop:
				return
			}
		case <-o.stop:
			return
		}
	}
}

func (o *fakeObserver) Lines() <-chan string {
	return o.out
}

func (o *fakeObserver) Close() error {
	o.closes.Add(1)
	o.end()
	return nil
}

// end terminates the stream as if the server went away
func (o *fakeObserver) end() {
	o.once.Do(func() { close(o.stop) })
}

// emit pushes a raw line and reports whether the stream accepted it
func (o *fakeObserver) emit(line string) bool {
	select {
	case o.in <- line:
		return true
	case <-o.stop:
		return false
	}
}

func (o *fakeObserver) closeCount() int {
	return int(o.closes.Load())
}

// fakeNode hands out fake observers
type fakeNode struct {
	endpoint Endpoint

	mu         sync.Mutex
	monitorErr error
	block      chan struct{}
	entered    chan struct{}
	observers  []*fakeObserver
}

func newFakeNode(host string, port int) *fakeNode {
	return &fakeNode{endpoint: Endpoint{Host: host, Port: port}}
}

func (n *fakeNode) Endpoint() Endpoint {
	return n.endpoint
}

func (n *fakeNode) Monitor(ctx context.Context) (Observer, error) {
	n.mu.Lock()
	block, entered := n.block, n.entered
	n.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.monitorErr != nil {
		return nil, n.monitorErr
	}
	o := newFakeObserver()
	n.observers = append(n.observers, o)
	return o, nil
}

func (n *fakeNode) setMonitorErr(err error) {
	n.mu.Lock()
	n.monitorErr = err
	n.mu.Unlock()
}

func (n *fakeNode) observer(i int) *fakeObserver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.observers[i]
}

func (n *fakeNode) monitorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.observers)
}

// fakeClient is a standalone client
type fakeClient struct {
	*fakeNode
	closes atomic.Int32
}

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	return nil
}

// fakeCluster is a cluster client over several fake nodes
type fakeCluster struct {
	fakeClient
	nodes    []*fakeNode
	nodesErr error
}

func (c *fakeCluster) Nodes(ctx context.Context) ([]Node, error) {
	if c.nodesErr != nil {
		return nil, c.nodesErr
	}
	nodes := make([]Node, len(c.nodes))
	for i, n := range c.nodes {
		nodes[i] = n
	}
	return nodes, nil
}

func newFakeCluster(n int) *fakeCluster {
	c := &fakeCluster{fakeClient: fakeClient{fakeNode: newFakeNode("seed", 7000)}}
	for i := 0; i < n; i++ {
		c.nodes = append(c.nodes, newFakeNode(fmt.Sprintf("10.0.0.%d", i+1), 7000+i))
	}
	return c
}

func factoryFor(c Client) ClientFactory {
	return func(ctx context.Context) (Client, error) {
		return c, nil
	}
}

func failingFactory(err error) ClientFactory {
	return func(ctx context.Context) (Client, error) {
		return nil, err
	}
}

// recordingSession records every callback it receives
type recordingSession struct {
	id string

	mu        sync.Mutex
	events    []MonitorEvent
	ends      []Endpoint
	destroyed int

	onData func(MonitorEvent)
	onEnd  func(Endpoint)
}

func newRecordingSession(id string) *recordingSession {
	return &recordingSession{id: id}
}

func (s *recordingSession) ID() string {
	return s.id
}

func (s *recordingSession) OnData(event MonitorEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	if s.onData != nil {
		s.onData(event)
	}
}

func (s *recordingSession) OnEnd(shard Endpoint) {
	s.mu.Lock()
	s.ends = append(s.ends, shard)
	s.mu.Unlock()
	if s.onEnd != nil {
		s.onEnd(shard)
	}
}

func (s *recordingSession) Destroy() {
	s.mu.Lock()
	s.destroyed++
	s.mu.Unlock()
}

func (s *recordingSession) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSession) snapshot() []MonitorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MonitorEvent(nil), s.events...)
}

func (s *recordingSession) endpointsEnded() []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Endpoint(nil), s.ends...)
}

func (s *recordingSession) destroyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// monitorLine renders a MONITOR line for command number n
func monitorLine(n int) string {
	return fmt.Sprintf(`1700000000.%06d [0 127.0.0.1:50000] "SET" "key:%d" "value"`, n, n)
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
