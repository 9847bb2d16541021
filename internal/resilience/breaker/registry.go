package breaker

import "sync"

// Registry hands out one breaker per operation name, creating it on first
// use. Only the executor mutates the map; reads are safe from any goroutine.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  Settings
	overrides map[string]Settings
}

// NewRegistry creates a registry. Overrides replace the defaults for the
// named operations; an override without a hook inherits the default hook.
func NewRegistry(defaults Settings, overrides map[string]Settings) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: overrides,
	}
}

// Get returns the breaker for op, creating it if needed.
func (r *Registry) Get(op string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[op]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[op]; ok {
		return b
	}
	settings := r.defaults
	if override, ok := r.overrides[op]; ok {
		if override.OnStateChange == nil {
			override.OnStateChange = r.defaults.OnStateChange
		}
		settings = override
	}
	b = New(op, settings)
	r.breakers[op] = b
	return b
}

// Snapshots returns the current view of every breaker, keyed by operation.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for op, b := range r.breakers {
		out[op] = b.Snapshot()
	}
	return out
}
