package bulkhead

import "sync"

// Registry hands out one bulkhead per resource name, creating it on first
// use with the configured capacity.
type Registry struct {
	mu         sync.RWMutex
	bulkheads  map[string]*Bulkhead
	defaultCap int
	capacities map[string]int
}

// NewRegistry creates a registry. capacities overrides the default per
// resource name.
func NewRegistry(defaultCap int, capacities map[string]int) *Registry {
	if defaultCap <= 0 {
		defaultCap = DefaultCapacity
	}
	return &Registry{
		bulkheads:  make(map[string]*Bulkhead),
		defaultCap: defaultCap,
		capacities: capacities,
	}
}

// Get returns the bulkhead for the resource, creating it if needed.
func (r *Registry) Get(resource string) *Bulkhead {
	r.mu.RLock()
	b, ok := r.bulkheads[resource]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.bulkheads[resource]; ok {
		return b
	}
	capacity := r.defaultCap
	if c, ok := r.capacities[resource]; ok && c > 0 {
		capacity = c
	}
	b = New(resource, capacity)
	r.bulkheads[resource] = b
	return b
}

// Snapshots returns current usage for every bulkhead.
func (r *Registry) Snapshots() map[string]Usage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Usage, len(r.bulkheads))
	for name, b := range r.bulkheads {
		out[name] = b.Snapshot()
	}
	return out
}
