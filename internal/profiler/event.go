package profiler

import (
	"net"
	"strconv"
	"time"
)

// Endpoint identifies one Redis node. It never carries credentials.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Username string `json:"username,omitempty"`
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String implements fmt.Stringer
func (e Endpoint) String() string {
	return e.Addr()
}

// MonitorEvent is one command observed on a shard. A single value is built
// per raw line and shared by every session, so it must be treated as
// read-only.
type MonitorEvent struct {
	Time     time.Time `json:"time"`
	Database int       `json:"database"`
	Source   string    `json:"source"`
	Args     []string  `json:"args"`
	Shard    Endpoint  `json:"shard"`
}

// Command returns the command name, or "" for an empty event
func (e MonitorEvent) Command() string {
	if len(e.Args) == 0 {
		return ""
	}
	return e.Args[0]
}
