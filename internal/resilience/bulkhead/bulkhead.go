// Package bulkhead caps concurrent calls per resource with a counting
// semaphore. Acquisition never blocks; a full bulkhead rejects immediately
// so one slow dependency cannot absorb every worker in the process.
package bulkhead

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ludia8888/warden/internal/core/fault"
)

// FullError is returned when a bulkhead has no free slots.
type FullError struct {
	Resource string
	Capacity int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("bulkhead for %s is full (capacity %d)", e.Resource, e.Capacity)
}

// ErrorKind marks bulkhead rejections as local guard errors.
func (e *FullError) ErrorKind() fault.Kind { return fault.Exhausted }

// DefaultCapacity is used when a resource has no configured capacity.
const DefaultCapacity = 10

// Bulkhead tracks in-flight calls against one resource.
type Bulkhead struct {
	resource string
	capacity int

	mu        sync.Mutex
	inUse     int
	overFreed bool
}

// New creates a bulkhead for the named resource. Non-positive capacities
// fall back to DefaultCapacity.
func New(resource string, capacity int) *Bulkhead {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bulkhead{resource: resource, capacity: capacity}
}

// TryAcquire takes a slot or fails fast with *FullError. It never blocks.
func (b *Bulkhead) TryAcquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inUse >= b.capacity {
		return &FullError{Resource: b.resource, Capacity: b.capacity}
	}
	b.inUse++
	return nil
}

// Release returns a slot. An unmatched release is clamped at zero so a
// double release can never free capacity that was never taken; the first
// such incident is logged and the flag keeps the log from repeating.
func (b *Bulkhead) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inUse == 0 {
		if !b.overFreed {
			b.overFreed = true
			slog.Warn("bulkhead release without matching acquire", "resource", b.resource)
		}
		return
	}
	b.inUse--
}

// InUse returns the current number of held slots.
func (b *Bulkhead) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Capacity returns the configured slot count.
func (b *Bulkhead) Capacity() int { return b.capacity }

// Resource returns the name the bulkhead guards.
func (b *Bulkhead) Resource() string { return b.resource }

// Usage is a point-in-time view for health reporting.
type Usage struct {
	Resource string `json:"resource"`
	InUse    int    `json:"in_use"`
	Capacity int    `json:"capacity"`
}

// Snapshot returns the bulkhead's current usage.
func (b *Bulkhead) Snapshot() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{Resource: b.resource, InUse: b.inUse, Capacity: b.capacity}
}
