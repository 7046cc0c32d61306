package vectordb

import (
	"database/sql"
	"fmt"
	"slices"
	"sync"
)

// Backend IDs accepted in an enable list.
const (
	BackendSQLite   = "sqlite"
	BackendQdrant   = "qdrant"
	BackendWeaviate = "weaviate"
)

// Known lists every backend this build can construct.
var Known = []string{BackendSQLite, BackendQdrant, BackendWeaviate}

// Settings selects and configures backends at startup.
type Settings struct {
	Enabled  []string
	DB       *sql.DB
	Qdrant   QdrantConfig
	Weaviate WeaviateConfig
}

// Registry holds the enabled backends by ID.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Provider
	order    []string
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{backends: make(map[string]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Build constructs the backends named in s.Enabled.
func Build(s Settings) (*Registry, error) {
	r := NewRegistry()
	for _, id := range s.Enabled {
		switch id {
		case BackendSQLite:
			if s.DB == nil {
				return nil, fmt.Errorf("sqlite vector db enabled without a database")
			}
			r.Register(NewSQLite(s.DB))
		case BackendQdrant:
			if s.Qdrant.URL == "" {
				return nil, fmt.Errorf("qdrant enabled without a url")
			}
			r.Register(NewQdrant(s.Qdrant))
		case BackendWeaviate:
			if s.Weaviate.URL == "" {
				return nil, fmt.Errorf("weaviate enabled without a url")
			}
			r.Register(NewWeaviate(s.Weaviate))
		default:
			return nil, fmt.Errorf("vector db %q: %w", id, ErrUnknownBackend)
		}
	}
	return r, nil
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[p.ID()]; !ok {
		r.order = append(r.order, p.ID())
	}
	r.backends[p.ID()] = p
}

func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("vector db %q is not enabled: %w", id, ErrUnknownBackend)
	}
	return p, nil
}

// IDs returns the enabled backend IDs in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}
