package provider

import (
	"sync"

	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// Registry holds the available provider adapters by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[v1.ProviderName]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[v1.ProviderName]Adapter),
	}
}

// Register adds or replaces the adapter for its name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for name.
func (r *Registry) Get(name v1.ProviderName) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return a, nil
}

// List returns the registered provider names.
func (r *Registry) List() []v1.ProviderName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]v1.ProviderName, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
