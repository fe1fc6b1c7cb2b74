// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"sync"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// Registry holds the plugins available to the dispatcher. It is
// populated once at startup; a task targeting an unregistered plugin
// is a configuration error, not a retryable tool failure.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin. Duplicate IDs are rejected so wiring
// mistakes fail at startup.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return kerrors.New(kerrors.CodeConfiguration, "cannot register nil plugin", nil)
	}
	id := p.Descriptor().ID
	if id == "" {
		return kerrors.New(kerrors.CodeConfiguration, "cannot register plugin without id", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[id]; exists {
		return kerrors.New(kerrors.CodeConfiguration, "plugin already registered: "+id, nil)
	}
	r.plugins[id] = p
	r.order = append(r.order, id)
	return nil
}

// Get resolves a plugin by ID.
func (r *Registry) Get(id string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return nil, kerrors.New(kerrors.CodeConfiguration, "plugin not registered: "+id, nil)
	}
	return p, nil
}

// Has reports whether a plugin ID is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[id]
	return ok
}

// List returns descriptors in registration order. The planner prompt
// is built from this, so the order is stable across calls.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		descriptors = append(descriptors, r.plugins[id].Descriptor())
	}
	return descriptors
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
