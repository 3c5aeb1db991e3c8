package profiler

// State is the lifecycle of the shared upstream connection
type State int

const (
	// StateEmpty is the state of a new Profiler
	StateEmpty State = iota
	// StateInitializing means the client factory is running
	StateInitializing
	// StateConnected means a client is stored but no shard is open yet
	StateConnected
	// StateReady means every shard of the last discovery is open
	StateReady
	// StateError means the last connect or discovery attempt failed
	StateError
)

// String returns the lowercase name of the state
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
