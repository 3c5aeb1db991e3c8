package api

import (
	"net/http"

	"github.com/nkkko/redis-profiler/internal/databases"
	"github.com/nkkko/redis-profiler/pkg/protocol"
)

// DatabaseRegistry defines the database lookups required by the API.
// *databases.Registry satisfies it.
type DatabaseRegistry interface {
	Get(id string) (databases.Database, error)
	List() []databases.Database
}

// MonitorGateway defines the gateway operations required by the API.
// *gateway.Gateway satisfies it.
type MonitorGateway interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request, databaseID string)
	Status(databaseID string) protocol.ProfilerStatus
}
