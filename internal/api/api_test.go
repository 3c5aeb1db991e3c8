package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/redis-profiler/internal/databases"
	"github.com/nkkko/redis-profiler/internal/redisclient"
	"github.com/nkkko/redis-profiler/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu     sync.Mutex
	served []string
}

func (g *fakeGateway) ServeWebSocket(w http.ResponseWriter, r *http.Request, databaseID string) {
	g.mu.Lock()
	g.served = append(g.served, databaseID)
	g.mu.Unlock()
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (g *fakeGateway) Status(databaseID string) protocol.ProfilerStatus {
	return protocol.ProfilerStatus{
		DatabaseID: databaseID,
		Active:     true,
		State:      "ready",
		Sessions:   2,
		Shards:     []protocol.Shard{{Host: "10.0.0.1", Port: 6379}},
	}
}

func setupTestAPI(t *testing.T) (*API, *fakeGateway) {
	t.Helper()

	cache := redisclient.DefaultOptions()
	sessions := redisclient.DefaultOptions()
	sessions.Port = 7000
	sessions.Cluster = true
	sessions.Password = "secret"

	registry, err := databases.NewRegistry([]databases.Database{
		{ID: "sessions", Name: "Sessions", Options: sessions},
		{ID: "cache", Options: cache},
	})
	require.NoError(t, err)

	gw := &fakeGateway{}
	return NewAPI(Config{}, registry, gw), gw
}

type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *protocol.Error `json:"error"`
	Meta      *struct {
		Count int `json:"count"`
	} `json:"meta"`
}

func doRequest(t *testing.T, a *API, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	var body envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthEndpoints(t *testing.T) {
	a, _ := setupTestAPI(t)

	rec, _ := doRequest(t, a, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	// Not ready until the server is listening
	rec, body := doRequest(t, a, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "not_ready", body.Error.Code)

	a.ready.Store(true)
	rec, _ = doRequest(t, a, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a, _ := setupTestAPI(t)

	doRequest(t, a, "/healthz")
	rec, _ := doRequest(t, a, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis_profiler_api_requests_total")
}

func TestListDatabases(t *testing.T) {
	a, _ := setupTestAPI(t)

	rec, body := doRequest(t, a, "/databases")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.RequestID)
	require.NotNil(t, body.Meta)
	assert.Equal(t, 2, body.Meta.Count)

	var dbs []protocol.Database
	require.NoError(t, json.Unmarshal(body.Data, &dbs))
	require.Len(t, dbs, 2)
	assert.Equal(t, "cache", dbs[0].ID)
	assert.Equal(t, "cache", dbs[0].Name)
	assert.Equal(t, "Sessions", dbs[1].Name)
	assert.Equal(t, 7000, dbs[1].Port)
	assert.True(t, dbs[1].Cluster)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestProfilerStatus(t *testing.T) {
	a, _ := setupTestAPI(t)

	rec, body := doRequest(t, a, "/databases/cache/profiler")
	require.Equal(t, http.StatusOK, rec.Code)

	var status protocol.ProfilerStatus
	require.NoError(t, json.Unmarshal(body.Data, &status))
	assert.Equal(t, "cache", status.DatabaseID)
	assert.Equal(t, "ready", status.State)
	assert.Equal(t, 2, status.Sessions)
	require.Len(t, status.Shards, 1)
	assert.Equal(t, "10.0.0.1", status.Shards[0].Host)
}

func TestProfilerStatusUnknownDatabase(t *testing.T) {
	a, _ := setupTestAPI(t)

	rec, body := doRequest(t, a, "/databases/missing/profiler")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, "not_found", body.Error.Type)
	assert.Equal(t, "database_not_found", body.Error.Code)
}

func TestMonitorRouteDelegatesToGateway(t *testing.T) {
	a, gw := setupTestAPI(t)

	rec, _ := doRequest(t, a, "/databases/sessions/monitor")
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, []string{"sessions"}, gw.served)
}

func TestStartAndShutdown(t *testing.T) {
	registry, err := databases.NewRegistry(nil)
	require.NoError(t, err)
	a := NewAPI(Config{Addr: "127.0.0.1:0"}, registry, &fakeGateway{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Start(ctx)
	}()

	require.Eventually(t, a.ready.Load, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, a.Shutdown(shutdownCtx))
	assert.False(t, a.ready.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
}
