package storage

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps backend names to factories of type F. Backends register
// from init, so Register panics on a duplicate name.
type Registry[F any] struct {
	kind string

	mu      sync.RWMutex
	entries map[string]registryEntry[F]
}

type registryEntry[F any] struct {
	factory  F
	defaults func() map[string]string
}

// NewRegistry creates an empty registry. kind names the backends in
// messages, e.g. "metadata backend".
func NewRegistry[F any](kind string) *Registry[F] {
	return &Registry[F]{kind: kind, entries: make(map[string]registryEntry[F])}
}

// Register adds a backend. defaults may be nil.
func (r *Registry[F]) Register(name string, factory F, defaults func() map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		panic(fmt.Sprintf("%s %q already registered", r.kind, name))
	}
	r.entries[name] = registryEntry[F]{factory: factory, defaults: defaults}
}

// Defaults returns the default config of name, or nil.
func (r *Registry[F]) Defaults(name string) map[string]string {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.defaults == nil {
		return nil
	}
	return e.defaults()
}

// Names returns the registered names, sorted.
func (r *Registry[F]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry[F]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Lookup returns the factory of name and config overlaid on its defaults.
// An unknown name is a *ConfigError listing the registered backends.
func (r *Registry[F]) Lookup(name string, config map[string]string) (F, map[string]string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		var zero F
		return zero, nil, NewConfigError(name, "", fmt.Sprintf("unknown %s %q (available: %v)", r.kind, name, r.Names()))
	}
	var defaults map[string]string
	if e.defaults != nil {
		defaults = e.defaults()
	}
	return e.factory, MergeConfig(defaults, config), nil
}
