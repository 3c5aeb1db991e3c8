package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/redis-profiler/pkg/client"
	"github.com/nkkko/redis-profiler/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatEvent(t *testing.T) {
	ev := protocol.Event{
		Time:     time.Unix(1700000000, 5000).UTC(),
		Database: 2,
		Source:   "10.0.0.9:51234",
		Args:     []string{"SET", "key", "two words", "quote\"d"},
		Shard:    protocol.Shard{Host: "10.0.0.1", Port: 7001},
	}

	assert.Equal(t,
		`1700000000.000005 [2 10.0.0.9:51234] "SET" "key" "two words" "quote\"d"`,
		formatEvent(ev, false))
	assert.Equal(t,
		`10.0.0.1:7001 1700000000.000005 [2 10.0.0.9:51234] "SET" "key" "two words" "quote\"d"`,
		formatEvent(ev, true))
}

func TestRootCommand(t *testing.T) {
	cmd := New()
	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "tail")
	assert.Contains(t, names, "databases")
}

// newProfilerServer fakes the monitor websocket and the status endpoints
func newProfilerServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/databases", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    []protocol.Database{{ID: "cache", Name: "Cache", Host: "10.0.0.1", Port: 6379}},
		})
	})
	mux.HandleFunc("/databases/cache/profiler", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    protocol.ProfilerStatus{DatabaseID: "cache", State: "ready", Active: true, Sessions: 3},
		})
	})
	mux.HandleFunc("/databases/cache/monitor", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(protocol.Message{Type: protocol.TypeConnected, SessionID: "s1"})

		var req protocol.Request
		if err := conn.ReadJSON(&req); err != nil || req.Action != protocol.ActionMonitor {
			return
		}
		conn.WriteJSON(protocol.Message{
			Type: protocol.TypeMonitorData,
			Data: []protocol.Event{
				{Time: time.Unix(1700000000, 0).UTC(), Source: "127.0.0.1:1", Args: []string{"PING"}},
				{Time: time.Unix(1700000001, 0).UTC(), Source: "127.0.0.1:1", Args: []string{"GET", "k"}},
			},
		})
		conn.WriteJSON(protocol.Message{
			Type:  protocol.TypeException,
			Error: &protocol.Error{Type: "service_unavailable", Code: "monitor_stream_ended", Message: "stream ended"},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunTail(t *testing.T) {
	srv := newProfilerServer(t)

	var out bytes.Buffer
	err := runTail(context.Background(), &out, "cache", tailOpts{url: srv.URL, timeout: 2 * time.Second})

	var apiErr *protocol.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "monitor_stream_ended", apiErr.Code)

	assert.Equal(t,
		"1700000000.000000 [0 127.0.0.1:1] \"PING\"\n"+
			"1700000001.000000 [0 127.0.0.1:1] \"GET\" \"k\"\n",
		out.String())
}

func TestRunDatabases(t *testing.T) {
	srv := newProfilerServer(t)

	var out bytes.Buffer
	require.NoError(t, runDatabases(context.Background(), &out, client.New(srv.URL)))

	assert.Contains(t, out.String(), "ID")
	assert.Contains(t, out.String(), "cache")
	assert.Contains(t, out.String(), "10.0.0.1:6379")
	assert.Contains(t, out.String(), "ready")
}
