package locks

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCleanupInterval is how often the janitor sweeps when no interval is
// configured.
const DefaultCleanupInterval = 30 * time.Second

// Janitor periodically deactivates expired locks. Expiry already stops a lock
// from blocking writes, so the janitor only keeps the store and listings
// honest; it is safe to run on every replica.
type Janitor struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a janitor sweeping at the given interval. A zero
// interval falls back to DefaultCleanupInterval.
func NewJanitor(manager *Manager, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Janitor{
		manager:  manager,
		interval: interval,
		logger:   logger.With("component", "janitor"),
	}
}

// Start runs the sweep loop until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Initial sweep
	j.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.manager.CleanupExpired(ctx)
	if err != nil {
		j.logger.Error("expired lock sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("expired locks deactivated", "count", n)
	}
}
