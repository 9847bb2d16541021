// Package memory implements the lock store on an in-process map. It backs
// dev mode and tests; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ludia8888/warden/internal/core/domain"
	"github.com/ludia8888/warden/internal/core/fault"
	"github.com/ludia8888/warden/internal/infra/storage"
)

type LockStore struct {
	mu    sync.RWMutex
	locks map[uuid.UUID]domain.Lock
	now   func() time.Time
}

func NewLockStore() *LockStore {
	return &LockStore{
		locks: make(map[uuid.UUID]domain.Lock),
		now:   time.Now,
	}
}

func (s *LockStore) Create(ctx context.Context, lock domain.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.locks[lock.ID]; exists {
		return fault.New(fault.Conflict, "lockstore.create", nil)
	}
	s.locks[lock.ID] = lock
	return nil
}

func (s *LockStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[id]
	if !ok {
		return domain.Lock{}, fault.New(fault.NotFound, "lockstore.get", storage.ErrLockNotFound)
	}
	return lock, nil
}

func (s *LockStore) GetActiveByBranch(ctx context.Context, branch string) ([]domain.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []domain.Lock
	for _, lock := range s.locks {
		if lock.BranchID == branch && lock.ActiveAt(now) {
			out = append(out, lock)
		}
	}
	sortLocks(out)
	return out, nil
}

func (s *LockStore) List(ctx context.Context, branch string, includeInactive bool) ([]domain.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Lock
	for _, lock := range s.locks {
		if branch != "" && lock.BranchID != branch {
			continue
		}
		if !includeInactive && !lock.Active {
			continue
		}
		out = append(out, lock)
	}
	sortLocks(out)
	return out, nil
}

func (s *LockStore) Deactivate(ctx context.Context, id uuid.UUID, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		return fault.New(fault.NotFound, "lockstore.deactivate", storage.ErrLockNotFound)
	}
	if !lock.Active {
		return nil
	}
	lock.Active = false
	lock.ReleasedBy = &by
	lock.UpdatedAt = s.now()
	s.locks[id] = lock
	return nil
}

func (s *LockStore) UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, etaSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok || !lock.Active {
		return fault.New(fault.NotFound, "lockstore.progress", storage.ErrLockNotFound)
	}
	lock.ProgressPercent = &percent
	lock.ETASeconds = &etaSeconds
	lock.UpdatedAt = s.now()
	s.locks[id] = lock
	return nil
}

func (s *LockStore) DeactivateExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var changed int64
	for id, lock := range s.locks {
		if lock.Active && lock.ExpiresAt != nil && !lock.ExpiresAt.After(now) {
			lock.Active = false
			lock.UpdatedAt = now
			s.locks[id] = lock
			changed++
		}
	}
	return changed, nil
}

func (s *LockStore) Ping(ctx context.Context) error { return nil }

func (s *LockStore) Close() error { return nil }

// sortLocks orders broadest scope first, then newest, so decision code can
// report the most restrictive lock without re-sorting.
func sortLocks(locks []domain.Lock) {
	sort.SliceStable(locks, func(i, j int) bool {
		if locks[i].Scope != locks[j].Scope {
			return locks[i].Scope.Supersedes(locks[j].Scope)
		}
		return locks[i].CreatedAt.After(locks[j].CreatedAt)
	})
}
