// Package databases holds the connection metadata of monitored databases.
package databases

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nkkko/redis-profiler/internal/profiler"
	"github.com/nkkko/redis-profiler/internal/redisclient"
)

// ErrUnknownDatabase is returned for ids that are not registered
var ErrUnknownDatabase = errors.New("unknown database")

// Database is one monitored database
type Database struct {
	ID      string
	Name    string
	Options redisclient.Options
}

// FactoryBuilder turns connection options into a ClientFactory
type FactoryBuilder func(opts redisclient.Options) profiler.ClientFactory

// Registry is an immutable set of databases keyed by id
type Registry struct {
	databases map[string]Database
	builder   FactoryBuilder
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithFactoryBuilder replaces the go-redis factory builder
func WithFactoryBuilder(builder FactoryBuilder) RegistryOption {
	return func(r *Registry) {
		r.builder = builder
	}
}

// NewRegistry validates dbs and builds a Registry
func NewRegistry(dbs []Database, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		databases: make(map[string]Database, len(dbs)),
		builder:   redisclient.NewFactory,
	}
	for _, opt := range opts {
		opt(r)
	}

	for i, db := range dbs {
		if db.ID == "" {
			return nil, fmt.Errorf("database %d: id is required", i)
		}
		if _, ok := r.databases[db.ID]; ok {
			return nil, fmt.Errorf("database %s: duplicate id", db.ID)
		}
		if err := db.Options.Validate(); err != nil {
			return nil, fmt.Errorf("database %s: %w", db.ID, err)
		}
		if db.Name == "" {
			db.Name = db.ID
		}
		r.databases[db.ID] = db
	}

	return r, nil
}

// Get returns a database by id
func (r *Registry) Get(id string) (Database, error) {
	db, ok := r.databases[id]
	if !ok {
		return Database{}, fmt.Errorf("%w: %s", ErrUnknownDatabase, id)
	}
	return db, nil
}

// List returns every database sorted by id
func (r *Registry) List() []Database {
	list := make([]Database, 0, len(r.databases))
	for _, db := range r.databases {
		list = append(list, db)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// ClientFactory returns the factory connecting to a database
func (r *Registry) ClientFactory(id string) (profiler.ClientFactory, error) {
	db, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return r.builder(db.Options), nil
}
