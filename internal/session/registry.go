package session

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultRegistrySize = 1024

// Registry maps UI context ids to their session managers. Least recently used
// contexts are evicted once the registry is full.
type Registry struct {
	ids      *IDSource
	mu       sync.Mutex
	managers *lru.Cache[string, *Manager]
}

// NewRegistry creates a registry holding at most size contexts
func NewRegistry(ids *IDSource, size int) (*Registry, error) {
	if size <= 0 {
		size = defaultRegistrySize
	}
	managers, err := lru.New[string, *Manager](size)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = NewIDSource()
	}
	return &Registry{ids: ids, managers: managers}, nil
}

// Get returns the manager for contextID, creating it on first use.
func (r *Registry) Get(contextID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers.Get(contextID); ok {
		return m
	}
	m := NewManager(r.ids)
	r.managers.Add(contextID, m)
	return m
}

// Len reports how many contexts are tracked
func (r *Registry) Len() int {
	return r.managers.Len()
}
