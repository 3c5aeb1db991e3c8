package profiler

import "context"

// ClientFactory connects to a monitored database and returns its client handle.
type ClientFactory func(ctx context.Context) (Client, error)

// Node is one physical Redis node that can be monitored.
type Node interface {
	// Endpoint identifies the node for event tagging
	Endpoint() Endpoint

	// Monitor opens a MONITOR stream on the node. The returned Observer
	// delivers raw lines until it is closed or the stream ends.
	Monitor(ctx context.Context) (Observer, error)
}

// Client is a connected handle to a standalone database. The client itself
// is the only shard.
type Client interface {
	Node

	// Close releases the client connection
	Close() error
}

// ClusterClient is a Client spanning several nodes, each monitored as its
// own shard.
type ClusterClient interface {
	Client

	// Nodes lists every node of the cluster
	Nodes(ctx context.Context) ([]Node, error)
}

// Observer is an open MONITOR stream on one node.
type Observer interface {
	// Lines returns raw MONITOR lines. The channel is closed when the
	// stream ends, whether by Close or by the server going away.
	Lines() <-chan string

	// Close stops the stream. It does not wait for Lines to be drained.
	Close() error
}

// Session is a downstream consumer of monitor events.
type Session interface {
	// ID is the stable key of the session in the subscription registry
	ID() string

	// OnData receives one event. It is called from a shard pump and must not block.
	OnData(event MonitorEvent)

	// OnEnd is called once for every shard whose stream ends while the
	// session is attached to it.
	OnEnd(shard Endpoint)

	// Destroy releases the session's own resources. It must be idempotent.
	Destroy()
}
