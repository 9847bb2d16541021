package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ludia8888/warden/internal/core/domain"
	"github.com/ludia8888/warden/internal/core/fault"
	"github.com/ludia8888/warden/internal/infra/metrics"
	"github.com/ludia8888/warden/internal/infra/storage"
)

// LockStore persists branch locks in the branch_locks table.
type LockStore struct {
	db *sqlx.DB
}

// NewLockStore wraps an open connection.
func NewLockStore(db *sqlx.DB) *LockStore {
	return &LockStore{db: db}
}

type lockRow struct {
	ID              uuid.UUID  `db:"id"`
	BranchID        string     `db:"branch_id"`
	Scope           string     `db:"lock_scope"`
	ResourceType    *string    `db:"resource_type"`
	Resource        *string    `db:"resource"`
	Kind            string     `db:"lock_kind"`
	Message         string     `db:"message"`
	Active          bool       `db:"is_active"`
	ExpiresAt       *time.Time `db:"expires_at"`
	ProgressPercent *float64   `db:"progress_percent"`
	ETASeconds      *int64     `db:"eta_seconds"`
	CreatedBy       string     `db:"created_by"`
	ReleasedBy      *string    `db:"released_by"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r lockRow) toDomain() domain.Lock {
	return domain.Lock{
		ID:              r.ID,
		BranchID:        r.BranchID,
		Scope:           domain.LockScope(r.Scope),
		ResourceType:    r.ResourceType,
		Resource:        r.Resource,
		Kind:            domain.LockKind(r.Kind),
		Message:         r.Message,
		Active:          r.Active,
		ExpiresAt:       r.ExpiresAt,
		ProgressPercent: r.ProgressPercent,
		ETASeconds:      r.ETASeconds,
		CreatedBy:       r.CreatedBy,
		ReleasedBy:      r.ReleasedBy,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func rowFrom(l domain.Lock) lockRow {
	return lockRow{
		ID:              l.ID,
		BranchID:        l.BranchID,
		Scope:           string(l.Scope),
		ResourceType:    l.ResourceType,
		Resource:        l.Resource,
		Kind:            string(l.Kind),
		Message:         l.Message,
		Active:          l.Active,
		ExpiresAt:       l.ExpiresAt,
		ProgressPercent: l.ProgressPercent,
		ETASeconds:      l.ETASeconds,
		CreatedBy:       l.CreatedBy,
		ReleasedBy:      l.ReleasedBy,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
}

func observe(query string, start time.Time) {
	metrics.LockStoreQuerySeconds.WithLabelValues(query).Observe(time.Since(start).Seconds())
}

const insertLock = `
	INSERT INTO branch_locks (
		id, branch_id, lock_scope, resource_type, resource, lock_kind,
		message, is_active, expires_at, progress_percent, eta_seconds,
		created_by, released_by, created_at, updated_at
	) VALUES (
		:id, :branch_id, :lock_scope, :resource_type, :resource, :lock_kind,
		:message, :is_active, :expires_at, :progress_percent, :eta_seconds,
		:created_by, :released_by, :created_at, :updated_at
	)`

func (s *LockStore) Create(ctx context.Context, lock domain.Lock) error {
	defer observe("create", time.Now())
	if _, err := s.db.NamedExecContext(ctx, insertLock, rowFrom(lock)); err != nil {
		return fault.FromPostgres("lockstore.create", err)
	}
	return nil
}

func (s *LockStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Lock, error) {
	defer observe("get_by_id", time.Now())
	var row lockRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM branch_locks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lock{}, fault.New(fault.NotFound, "lockstore.get", storage.ErrLockNotFound)
	}
	if err != nil {
		return domain.Lock{}, fault.FromPostgres("lockstore.get", err)
	}
	return row.toDomain(), nil
}

const selectActiveByBranch = `
	SELECT * FROM branch_locks
	WHERE branch_id = $1
	  AND is_active
	  AND (expires_at IS NULL OR expires_at > now())
	ORDER BY
	  CASE lock_scope WHEN 'branch' THEN 0 WHEN 'resource_type' THEN 1 ELSE 2 END,
	  created_at DESC`

func (s *LockStore) GetActiveByBranch(ctx context.Context, branch string) ([]domain.Lock, error) {
	defer observe("active_by_branch", time.Now())
	var rows []lockRow
	if err := s.db.SelectContext(ctx, &rows, selectActiveByBranch, branch); err != nil {
		return nil, fault.FromPostgres("lockstore.active_by_branch", err)
	}
	locks := make([]domain.Lock, 0, len(rows))
	for _, row := range rows {
		locks = append(locks, row.toDomain())
	}
	return locks, nil
}

func (s *LockStore) List(ctx context.Context, branch string, includeInactive bool) ([]domain.Lock, error) {
	defer observe("list", time.Now())

	query := `SELECT * FROM branch_locks`
	var (
		conds []string
		args  []any
	)
	if branch != "" {
		args = append(args, branch)
		conds = append(conds, fmt.Sprintf("branch_id = $%d", len(args)))
	}
	if !includeInactive {
		conds = append(conds, "is_active")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	var rows []lockRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fault.FromPostgres("lockstore.list", err)
	}
	locks := make([]domain.Lock, 0, len(rows))
	for _, row := range rows {
		locks = append(locks, row.toDomain())
	}
	return locks, nil
}

func (s *LockStore) Deactivate(ctx context.Context, id uuid.UUID, by string) error {
	defer observe("deactivate", time.Now())

	result, err := s.db.ExecContext(ctx,
		`UPDATE branch_locks
		 SET is_active = FALSE, released_by = $2, updated_at = now()
		 WHERE id = $1 AND is_active`,
		id, by,
	)
	if err != nil {
		return fault.FromPostgres("lockstore.deactivate", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fault.FromPostgres("lockstore.deactivate", err)
	}
	if affected == 0 {
		// Either the id is unknown or the lock was already released;
		// releasing twice is not an error.
		if _, err := s.GetByID(ctx, id); err != nil {
			return fault.New(fault.NotFound, "lockstore.deactivate", storage.ErrLockNotFound)
		}
	}
	return nil
}

func (s *LockStore) UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, etaSeconds int64) error {
	defer observe("update_progress", time.Now())

	result, err := s.db.ExecContext(ctx,
		`UPDATE branch_locks
		 SET progress_percent = $2, eta_seconds = $3, updated_at = now()
		 WHERE id = $1 AND is_active`,
		id, percent, etaSeconds,
	)
	if err != nil {
		return fault.FromPostgres("lockstore.progress", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fault.FromPostgres("lockstore.progress", err)
	}
	if affected == 0 {
		return fault.New(fault.NotFound, "lockstore.progress", storage.ErrLockNotFound)
	}
	return nil
}

func (s *LockStore) DeactivateExpired(ctx context.Context) (int64, error) {
	defer observe("deactivate_expired", time.Now())

	result, err := s.db.ExecContext(ctx,
		`UPDATE branch_locks
		 SET is_active = FALSE, updated_at = now()
		 WHERE is_active AND expires_at IS NOT NULL AND expires_at <= now()`,
	)
	if err != nil {
		return 0, fault.FromPostgres("lockstore.deactivate_expired", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fault.FromPostgres("lockstore.deactivate_expired", err)
	}
	return affected, nil
}

func (s *LockStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fault.FromPostgres("lockstore.ping", err)
	}
	return nil
}

func (s *LockStore) Close() error {
	return s.db.Close()
}
