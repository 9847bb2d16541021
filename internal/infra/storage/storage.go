package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ludia8888/warden/internal/core/domain"
)

var (
	// ErrLockNotFound is returned when a lock id has no row
	ErrLockNotFound = errors.New("lock not found")
)

// LockStore persists branch locks. The postgres implementation is the
// authority in production; the memory implementation backs dev mode and
// tests.
type LockStore interface {
	// Create inserts a new lock row
	Create(ctx context.Context, lock domain.Lock) error

	// GetByID retrieves a lock by id
	GetByID(ctx context.Context, id uuid.UUID) (domain.Lock, error)

	// GetActiveByBranch retrieves locks that are active and unexpired for
	// a branch
	GetActiveByBranch(ctx context.Context, branch string) ([]domain.Lock, error)

	// List retrieves locks for a branch, optionally including inactive
	// ones; an empty branch lists every branch
	List(ctx context.Context, branch string, includeInactive bool) ([]domain.Lock, error)

	// Deactivate marks a lock inactive, recording who released it
	Deactivate(ctx context.Context, id uuid.UUID, by string) error

	// UpdateProgress updates the owner-published progress and ETA of a lock
	UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, etaSeconds int64) error

	// DeactivateExpired marks every expired-but-active lock inactive and
	// returns how many rows changed
	DeactivateExpired(ctx context.Context) (int64, error)

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	// Close releases the underlying connections
	Close() error
}
