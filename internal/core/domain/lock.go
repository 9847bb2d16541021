package domain

import (
	"time"

	"github.com/google/uuid"
)

// LockScope determines how much of a branch a lock freezes
type LockScope string

const (
	// ScopeBranch freezes every write on the branch
	ScopeBranch LockScope = "branch"
	// ScopeResourceType freezes writes to one resource family
	ScopeResourceType LockScope = "resource_type"
	// ScopeResource freezes a single named resource
	ScopeResource LockScope = "resource"
)

// Valid reports whether s is a known scope
func (s LockScope) Valid() bool {
	switch s {
	case ScopeBranch, ScopeResourceType, ScopeResource:
		return true
	}
	return false
}

// rank orders scopes by breadth; a broader scope supersedes a narrower one
func (s LockScope) rank() int {
	switch s {
	case ScopeBranch:
		return 3
	case ScopeResourceType:
		return 2
	case ScopeResource:
		return 1
	}
	return 0
}

// Supersedes reports whether s covers at least as much as other
func (s LockScope) Supersedes(other LockScope) bool {
	return s.rank() >= other.rank()
}

// LockKind records why the lock exists
type LockKind string

const (
	LockKindWriteFreeze LockKind = "write_freeze"
	LockKindIndexing    LockKind = "indexing"
	LockKindMigration   LockKind = "migration"
	LockKindManual      LockKind = "manual"
)

// Valid reports whether k is a known kind
func (k LockKind) Valid() bool {
	switch k {
	case LockKindWriteFreeze, LockKindIndexing, LockKindMigration, LockKindManual:
		return true
	}
	return false
}

// BranchState summarizes write availability on a branch
type BranchState string

const (
	BranchUnlocked        BranchState = "unlocked"
	BranchPartiallyLocked BranchState = "partially_locked"
	BranchLockedForWrite  BranchState = "locked_for_write"
)

// Lock is one freeze record on a branch
type Lock struct {
	ID              uuid.UUID
	BranchID        string
	Scope           LockScope
	ResourceType    *string
	Resource        *string
	Kind            LockKind
	Message         string
	Active          bool
	ExpiresAt       *time.Time
	ProgressPercent *float64
	ETASeconds      *int64
	CreatedBy       string
	ReleasedBy      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActiveAt reports whether the lock is in force at the given instant.
// A deactivated lock or one past its expiry never blocks anything, even if
// the row still exists.
func (l Lock) ActiveAt(now time.Time) bool {
	if !l.Active {
		return false
	}
	if l.ExpiresAt != nil && !l.ExpiresAt.After(now) {
		return false
	}
	return true
}

// AppliesTo reports whether the lock blocks a write against the given
// resource type and resource name. Branch locks block everything.
func (l Lock) AppliesTo(resourceType, resource string) bool {
	switch l.Scope {
	case ScopeBranch:
		return true
	case ScopeResourceType:
		return l.ResourceType != nil && resourceType != "" && *l.ResourceType == resourceType
	case ScopeResource:
		if l.ResourceType != nil && (resourceType == "" || *l.ResourceType != resourceType) {
			return false
		}
		return l.Resource != nil && resource != "" && *l.Resource == resource
	}
	return false
}

// RetryAfterAt derives how long a blocked writer should wait: the lock's
// ETA if the owner published one, otherwise time until expiry, otherwise def
func (l Lock) RetryAfterAt(now time.Time, def time.Duration) time.Duration {
	if l.ETASeconds != nil && *l.ETASeconds > 0 {
		return time.Duration(*l.ETASeconds) * time.Second
	}
	if l.ExpiresAt != nil {
		if remaining := l.ExpiresAt.Sub(now); remaining > 0 {
			return remaining
		}
	}
	return def
}

// WriteDecision is the outcome of a write permission check
type WriteDecision struct {
	Allowed                 bool
	Branch                  string
	ResourceType            string
	Reason                  string
	Lock                    *Lock
	OtherResourcesAvailable bool
	RetryAfter              time.Duration
}

// LockEvent is published when a lock is created, deactivated, or updated so
// peer instances can drop their cached view of the branch
type LockEvent struct {
	Type     string    `json:"type"`
	LockID   uuid.UUID `json:"lock_id"`
	BranchID string    `json:"branch_id"`
	At       time.Time `json:"at"`
}

const (
	LockEventCreated     = "created"
	LockEventDeactivated = "deactivated"
	LockEventUpdated     = "updated"
)
