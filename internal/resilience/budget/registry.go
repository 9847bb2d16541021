package budget

import "sync"

// Registry hands out one tracker per operation name, creating it on first
// use. Only the executor mutates the map; reads are safe from any goroutine.
type Registry struct {
	mu        sync.RWMutex
	trackers  map[string]*Tracker
	defaults  Settings
	overrides map[string]Settings
}

// NewRegistry creates a registry with per-operation overrides.
func NewRegistry(defaults Settings, overrides map[string]Settings) *Registry {
	return &Registry{
		trackers:  make(map[string]*Tracker),
		defaults:  defaults,
		overrides: overrides,
	}
}

// Get returns the tracker for op, creating it if needed.
func (r *Registry) Get(op string) *Tracker {
	r.mu.RLock()
	t, ok := r.trackers[op]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.trackers[op]; ok {
		return t
	}
	settings := r.defaults
	if override, ok := r.overrides[op]; ok {
		settings = override
	}
	t = New(op, settings)
	r.trackers[op] = t
	return t
}

// Snapshots returns the current window stats of every tracker.
func (r *Registry) Snapshots() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.trackers))
	for op, t := range r.trackers {
		out[op] = t.Snapshot()
	}
	return out
}
