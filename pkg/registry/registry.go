// Package registry maps handler names to handlers and tracks the default.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"a2arunner/pkg/handler"
)

var (
	// ErrNotFound is returned for names that were never registered.
	ErrNotFound = errors.New("handler not found")
	// ErrNoDefault is returned when the default is requested before any registration.
	ErrNoDefault = errors.New("no default handler registered")
)

// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]handler.Handler
	defaultName string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]handler.Handler)}
}

// Register stores h under h.Name(), replacing any previous handler with that
// name. The first registration becomes the default; later ones move the
// default only when isDefault is set.
func (r *Registry) Register(h handler.Handler, isDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Name()
	r.handlers[name] = h
	if isDefault || r.defaultName == "" {
		r.defaultName = name
	}
}

// Get returns the named handler, or the default for an empty name.
func (r *Registry) Get(name string) (handler.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		if r.defaultName == "" {
			return nil, ErrNoDefault
		}
		name = r.defaultName
	}
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return h, nil
}

// GetAll returns a copy of every registration.
func (r *Registry) GetAll() map[string]handler.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]handler.Handler, len(r.handlers))
	for k, v := range r.handlers {
		out[k] = v
	}
	return out
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Default returns the default handler name, empty if none.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}
