package source

import (
	"sync"

	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// Registry holds sources in priority order. Insertion order is priority.
type Registry struct {
	mu     sync.RWMutex
	order  []Source
	byType map[model.SourceType]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[model.SourceType]int)}
}

// Register appends a source. Duplicate types are rejected.
func (r *Registry) Register(s Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := s.Descriptor().Type
	if t == "" {
		return eris.New("source: register: empty source type")
	}
	if _, dup := r.byType[t]; dup {
		return eris.Errorf("source: register: duplicate source type %q", t)
	}
	r.byType[t] = len(r.order)
	r.order = append(r.order, s)
	return nil
}

// MustRegister is Register for static wiring; it panics on a duplicate.
func (r *Registry) MustRegister(sources ...Source) *Registry {
	for _, s := range sources {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns a source by type, or nil if not registered.
func (r *Registry) Get(t model.SourceType) Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byType[t]; ok {
		return r.order[i]
	}
	return nil
}

// All returns every source in priority order.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Source(nil), r.order...)
}

// Available returns the sources whose IsAvailable reports true, in order.
func (r *Registry) Available() []Source {
	var out []Source
	for _, s := range r.All() {
		if s.IsAvailable() {
			out = append(out, s)
		}
	}
	return out
}

// Position returns the priority index of a source type, or -1.
func (r *Registry) Position(t model.SourceType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byType[t]; ok {
		return i
	}
	return -1
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Subset returns a new registry with only the named types, keeping the
// original order. Unknown names are an error.
func (r *Registry) Subset(types []model.SourceType) (*Registry, error) {
	want := make(map[model.SourceType]bool, len(types))
	for _, t := range types {
		if r.Get(t) == nil {
			return nil, eris.Errorf("source: unknown source %q", t)
		}
		want[t] = true
	}
	out := NewRegistry()
	for _, s := range r.All() {
		if want[s.Descriptor().Type] {
			_ = out.Register(s)
		}
	}
	return out, nil
}
