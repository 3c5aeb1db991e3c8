// Package protocol defines the JSON messages exchanged over the monitor
// websocket and returned by the HTTP API.
package protocol

import "time"

// Action is a request sent by a websocket client
type Action string

const (
	// ActionMonitor starts streaming monitor events
	ActionMonitor Action = "monitor"
	// ActionPause stops streaming without closing the connection
	ActionPause Action = "pause"
	// ActionPing keeps an otherwise silent connection alive
	ActionPing Action = "ping"
)

// MessageType tags every message sent by the server
type MessageType string

const (
	TypeConnected   MessageType = "connected"
	TypeMonitorData MessageType = "monitorData"
	TypeException   MessageType = "exception"
	TypeHeartbeat   MessageType = "heartbeat"
)

// Request is a client to server message
type Request struct {
	Action Action `json:"action"`
}

// Message is a server to client message
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      []Event     `json:"data,omitempty"`
	Error     *Error      `json:"error,omitempty"`
	Timestamp *time.Time  `json:"timestamp,omitempty"`
}

// Shard identifies the node an event came from
type Shard struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
}

// Event is one monitored command
type Event struct {
	Time     time.Time `json:"time"`
	Database int       `json:"database"`
	Source   string    `json:"source"`
	Args     []string  `json:"args"`
	Shard    Shard     `json:"shard"`
}

// Error is the body of an exception message and of API error responses
type Error struct {
	Type      string                 `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Type + ": " + e.Message
}

// Database describes a monitored database. Credentials are never exposed.
type Database struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	TLS     bool   `json:"tls"`
	Cluster bool   `json:"cluster"`
}

// ProfilerStatus reports the multiplexer of one database
type ProfilerStatus struct {
	DatabaseID string  `json:"database_id"`
	Active     bool    `json:"active"`
	State      string  `json:"state"`
	Sessions   int     `json:"sessions"`
	Shards     []Shard `json:"shards"`
}
