package engine

import (
	"sort"
	"sync"
)

// Registry holds the named graphs available to the orchestrator.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]Graph
}

// NewRegistry creates an empty graph registry.
func NewRegistry() *Registry {
	return &Registry{graphs: make(map[string]Graph)}
}

// Register adds or replaces a graph under the given id.
func (r *Registry) Register(graphID string, g Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[graphID] = g
}

// Get returns the graph registered under the id.
func (r *Registry) Get(graphID string) (Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[graphID]
	return g, ok
}

// Has reports whether a graph is registered under the id.
func (r *Registry) Has(graphID string) bool {
	_, ok := r.Get(graphID)
	return ok
}

// List returns the registered graph ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
