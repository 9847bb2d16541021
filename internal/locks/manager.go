// Package locks manages branch write freezes: creating and releasing them,
// deciding whether a write may proceed, and sweeping out expired records.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ludia8888/warden/internal/core/domain"
	"github.com/ludia8888/warden/internal/core/fault"
	"github.com/ludia8888/warden/internal/infra/metrics"
	"github.com/ludia8888/warden/internal/infra/storage"
	"github.com/ludia8888/warden/internal/resilience"
)

const (
	opQuery  = "lockstore.query"
	opMutate = "lockstore.mutate"
)

// DefaultRetryAfter is suggested to blocked writers when the lock carries
// neither an ETA nor an expiry.
const DefaultRetryAfter = 60 * time.Second

// LockCache is the read-through cache and event fan-out the manager uses in
// front of the store. All calls are best-effort; a failing cache degrades to
// store reads, never to wrong answers.
type LockCache interface {
	GetBranchLocks(ctx context.Context, branch string) ([]domain.Lock, bool, error)
	SetBranchLocks(ctx context.Context, branch string, locks []domain.Lock) error
	InvalidateBranch(ctx context.Context, branch string) error
	PublishLockEvent(ctx context.Context, event domain.LockEvent) error
}

// Manager owns the lock lifecycle and write permission decisions. Store
// access goes through the resilience executor so a flaky backend degrades
// predictably instead of hanging callers.
type Manager struct {
	store             storage.LockStore
	cache             LockCache
	exec              *resilience.Executor
	logger            *slog.Logger
	now               func() time.Time
	defaultRetryAfter time.Duration
}

// NewManager creates a lock manager. cache may be nil when Redis is not
// configured. A zero defaultRetryAfter falls back to DefaultRetryAfter.
func NewManager(
	store storage.LockStore,
	cache LockCache,
	exec *resilience.Executor,
	logger *slog.Logger,
	defaultRetryAfter time.Duration,
) *Manager {
	if defaultRetryAfter <= 0 {
		defaultRetryAfter = DefaultRetryAfter
	}
	return &Manager{
		store:             store,
		cache:             cache,
		exec:              exec,
		logger:            logger.With("component", "locks"),
		now:               time.Now,
		defaultRetryAfter: defaultRetryAfter,
	}
}

// CheckWritePermission decides whether a write against resourceType may
// proceed on branch. resourceType may be empty for writes that touch no
// particular resource family; those pass unless the whole branch is frozen.
// An error means the lock authority itself is unavailable, not that the
// write is denied.
func (m *Manager) CheckWritePermission(ctx context.Context, branch, resourceType string) (domain.WriteDecision, error) {
	locks, err := m.activeLocks(ctx, branch)
	if err != nil {
		return domain.WriteDecision{}, err
	}
	return m.evaluate(branch, resourceType, locks), nil
}

// evaluate picks the most restrictive lock that applies. Locks arrive sorted
// broadest scope first, so the first match is the one to report.
func (m *Manager) evaluate(branch, resourceType string, locks []domain.Lock) domain.WriteDecision {
	decision := domain.WriteDecision{
		Allowed:      true,
		Branch:       branch,
		ResourceType: resourceType,
	}
	now := m.now()
	for i := range locks {
		lock := locks[i]
		if !lock.ActiveAt(now) || !lock.AppliesTo(resourceType, "") {
			continue
		}
		decision.Allowed = false
		decision.Lock = &lock
		decision.Reason = denialReason(lock)
		decision.OtherResourcesAvailable = lock.Scope != domain.ScopeBranch
		decision.RetryAfter = lock.RetryAfterAt(now, m.defaultRetryAfter)
		return decision
	}
	return decision
}

func denialReason(lock domain.Lock) string {
	if lock.Message != "" {
		return lock.Message
	}
	switch lock.Kind {
	case domain.LockKindWriteFreeze:
		return "branch is frozen for writes"
	case domain.LockKindIndexing:
		return "indexing is rebuilding this branch"
	case domain.LockKindMigration:
		return "a schema migration is in progress"
	default:
		return "branch locked by an administrator"
	}
}

// GetBranchState summarizes write availability on a branch along with the
// locks currently in force.
func (m *Manager) GetBranchState(ctx context.Context, branch string) (domain.BranchState, []domain.Lock, error) {
	locks, err := m.activeLocks(ctx, branch)
	if err != nil {
		return "", nil, err
	}
	now := m.now()
	active := make([]domain.Lock, 0, len(locks))
	state := domain.BranchUnlocked
	for _, lock := range locks {
		if !lock.ActiveAt(now) {
			continue
		}
		active = append(active, lock)
		if lock.Scope == domain.ScopeBranch {
			state = domain.BranchLockedForWrite
		} else if state == domain.BranchUnlocked {
			state = domain.BranchPartiallyLocked
		}
	}
	return state, active, nil
}

// CreateLockInput carries everything needed to freeze part of a branch.
type CreateLockInput struct {
	Branch       string
	Scope        domain.LockScope
	ResourceType string
	Resource     string
	Kind         domain.LockKind
	Message      string
	TTL          time.Duration
	ETASeconds   int64
	CreatedBy    string
}

func (in CreateLockInput) validate() error {
	if in.Branch == "" {
		return errors.New("branch is required")
	}
	if !in.Scope.Valid() {
		return fmt.Errorf("unknown lock scope %q", in.Scope)
	}
	switch in.Scope {
	case domain.ScopeResourceType:
		if in.ResourceType == "" {
			return errors.New("resource_type is required for resource_type scope")
		}
	case domain.ScopeResource:
		if in.ResourceType == "" || in.Resource == "" {
			return errors.New("resource_type and resource are required for resource scope")
		}
	}
	if in.Kind != "" && !in.Kind.Valid() {
		return fmt.Errorf("unknown lock kind %q", in.Kind)
	}
	if in.TTL < 0 {
		return errors.New("ttl cannot be negative")
	}
	if in.ETASeconds < 0 {
		return errors.New("eta_seconds cannot be negative")
	}
	return nil
}

// CreateLock validates the input, persists a new active lock, and notifies
// peer replicas.
func (m *Manager) CreateLock(ctx context.Context, input CreateLockInput) (domain.Lock, error) {
	if err := input.validate(); err != nil {
		return domain.Lock{}, fault.New(fault.Invalid, "locks.create", err)
	}

	now := m.now()
	lock := domain.Lock{
		ID:        uuid.New(),
		BranchID:  input.Branch,
		Scope:     input.Scope,
		Kind:      input.Kind,
		Message:   input.Message,
		Active:    true,
		CreatedBy: input.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if lock.Kind == "" {
		lock.Kind = domain.LockKindManual
	}
	if input.Scope != domain.ScopeBranch && input.ResourceType != "" {
		rt := input.ResourceType
		lock.ResourceType = &rt
	}
	if input.Scope == domain.ScopeResource {
		r := input.Resource
		lock.Resource = &r
	}
	if input.TTL > 0 {
		exp := now.Add(input.TTL)
		lock.ExpiresAt = &exp
	}
	if input.ETASeconds > 0 {
		eta := input.ETASeconds
		lock.ETASeconds = &eta
	}

	err := m.exec.Execute(ctx, opMutate, func(ctx context.Context) error {
		return m.store.Create(ctx, lock)
	})
	if err != nil {
		return domain.Lock{}, err
	}

	m.logger.Info("lock created",
		"lock_id", lock.ID,
		"branch", lock.BranchID,
		"scope", lock.Scope,
		"kind", lock.Kind,
		"created_by", lock.CreatedBy)
	m.publish(ctx, domain.LockEventCreated, lock)
	return lock, nil
}

// DeactivateLock releases a lock. Releasing an already released lock is a
// no-op; an unknown id is an error.
func (m *Manager) DeactivateLock(ctx context.Context, id uuid.UUID, by string) error {
	lock, err := resilience.ExecuteValue(ctx, m.exec, opQuery, func(ctx context.Context) (domain.Lock, error) {
		return m.store.GetByID(ctx, id)
	})
	if err != nil {
		return err
	}

	err = m.exec.Execute(ctx, opMutate, func(ctx context.Context) error {
		return m.store.Deactivate(ctx, id, by)
	})
	if err != nil {
		return err
	}

	m.logger.Info("lock released", "lock_id", id, "branch", lock.BranchID, "released_by", by)
	m.publish(ctx, domain.LockEventDeactivated, lock)
	return nil
}

// ListLocks returns locks for a branch, or for all branches when branch is
// empty.
func (m *Manager) ListLocks(ctx context.Context, branch string, includeInactive bool) ([]domain.Lock, error) {
	return resilience.ExecuteValue(ctx, m.exec, opQuery, func(ctx context.Context) ([]domain.Lock, error) {
		return m.store.List(ctx, branch, includeInactive)
	})
}

// GetLock returns a single lock by id.
func (m *Manager) GetLock(ctx context.Context, id uuid.UUID) (domain.Lock, error) {
	return resilience.ExecuteValue(ctx, m.exec, opQuery, func(ctx context.Context) (domain.Lock, error) {
		return m.store.GetByID(ctx, id)
	})
}

// UpdateProgress records how far a long-running operation behind a lock has
// come, so denials can tell writers when to come back.
func (m *Manager) UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, etaSeconds int64) (domain.Lock, error) {
	if percent < 0 || percent > 100 {
		return domain.Lock{}, fault.New(fault.Invalid, "locks.progress",
			fmt.Errorf("progress_percent %v out of range 0..100", percent))
	}
	if etaSeconds < 0 {
		return domain.Lock{}, fault.New(fault.Invalid, "locks.progress",
			errors.New("eta_seconds cannot be negative"))
	}

	err := m.exec.Execute(ctx, opMutate, func(ctx context.Context) error {
		return m.store.UpdateProgress(ctx, id, percent, etaSeconds)
	})
	if err != nil {
		return domain.Lock{}, err
	}

	lock, err := resilience.ExecuteValue(ctx, m.exec, opQuery, func(ctx context.Context) (domain.Lock, error) {
		return m.store.GetByID(ctx, id)
	})
	if err != nil {
		return domain.Lock{}, err
	}
	m.publish(ctx, domain.LockEventUpdated, lock)
	return lock, nil
}

// CleanupExpired deactivates every lock past its expiry and reports how many
// rows changed. Expired locks already stopped blocking writes the moment
// their deadline passed; this keeps listings and the store tidy.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return resilience.ExecuteValue(ctx, m.exec, opMutate, func(ctx context.Context) (int64, error) {
		return m.store.DeactivateExpired(ctx)
	})
}

// activeLocks reads the branch's active locks, preferring the cache and
// falling back to the store.
func (m *Manager) activeLocks(ctx context.Context, branch string) ([]domain.Lock, error) {
	if m.cache != nil {
		locks, ok, err := m.cache.GetBranchLocks(ctx, branch)
		if err != nil {
			m.logger.Warn("lock cache read failed", "branch", branch, "error", err)
		} else if ok {
			return locks, nil
		}
	}

	locks, err := resilience.ExecuteValue(ctx, m.exec, opQuery, func(ctx context.Context) ([]domain.Lock, error) {
		return m.store.GetActiveByBranch(ctx, branch)
	})
	if err != nil {
		return nil, err
	}
	m.refreshGauges(branch, locks)

	if m.cache != nil {
		if err := m.cache.SetBranchLocks(ctx, branch, locks); err != nil {
			m.logger.Warn("lock cache write failed", "branch", branch, "error", err)
		}
	}
	return locks, nil
}

// publish counts the event and tells peer replicas to drop their cached view
// of the branch. Failures are logged, never propagated: the store already
// holds the truth.
func (m *Manager) publish(ctx context.Context, eventType string, lock domain.Lock) {
	metrics.LockEventsTotal.WithLabelValues(eventType).Inc()
	if m.cache == nil {
		return
	}
	if err := m.cache.InvalidateBranch(ctx, lock.BranchID); err != nil {
		m.logger.Warn("cache invalidation failed", "branch", lock.BranchID, "error", err)
	}
	event := domain.LockEvent{
		Type:     eventType,
		LockID:   lock.ID,
		BranchID: lock.BranchID,
		At:       m.now(),
	}
	if err := m.cache.PublishLockEvent(ctx, event); err != nil {
		m.logger.Warn("lock event publish failed", "lock_id", lock.ID, "error", err)
	}
}

func (m *Manager) refreshGauges(branch string, locks []domain.Lock) {
	counts := map[domain.LockScope]float64{
		domain.ScopeBranch:       0,
		domain.ScopeResourceType: 0,
		domain.ScopeResource:     0,
	}
	now := m.now()
	for _, lock := range locks {
		if lock.ActiveAt(now) {
			counts[lock.Scope]++
		}
	}
	for scope, n := range counts {
		metrics.LocksActive.WithLabelValues(branch, string(scope)).Set(n)
	}
}
