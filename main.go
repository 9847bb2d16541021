package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/ludia8888/warden/internal/core/domain"
	"github.com/ludia8888/warden/internal/infra/storage/memory"
	"github.com/ludia8888/warden/internal/locks"
	"github.com/ludia8888/warden/internal/resilience"
)

func main() {
	ctx := context.Background()

	// 1. Wire an in-memory manager, no server needed
	store := memory.NewLockStore()
	exec := resilience.NewExecutor(resilience.Config{}, slog.Default())
	manager := locks.NewManager(store, nil, exec, slog.Default(), 0)

	// 2. Freeze object types on main while an index rebuild runs
	lock, err := manager.CreateLock(ctx, locks.CreateLockInput{
		Branch:       "main",
		Scope:        domain.ScopeResourceType,
		ResourceType: "object_type",
		Kind:         domain.LockKindIndexing,
		TTL:          2 * time.Minute,
		ETASeconds:   120,
		CreatedBy:    "demo",
	})
	if err != nil {
		log.Fatalf("create lock: %v", err)
	}
	fmt.Printf("Created %s lock %s on main\n\n", lock.Scope, lock.ID)

	// 3. Probe writes against the branch
	fmt.Println("=== Write checks against main ===")
	for _, rt := range []string{"object_type", "link_type"} {
		decision, err := manager.CheckWritePermission(ctx, "main", rt)
		if err != nil {
			log.Fatalf("check %s: %v", rt, err)
		}
		if decision.Allowed {
			fmt.Printf("%s: allowed\n", rt)
		} else {
			fmt.Printf("🔒 %s: denied (%s), retry in %s, other resources available: %t\n",
				rt, decision.Reason, decision.RetryAfter, decision.OtherResourcesAvailable)
		}
	}
	fmt.Println()

	// 4. Branch state as the UI would show it
	state, active, err := manager.GetBranchState(ctx, "main")
	if err != nil {
		log.Fatalf("branch state: %v", err)
	}
	fmt.Printf("Branch state: %s (%d active locks)\n\n", state, len(active))

	// 5. Release and retry
	if err := manager.DeactivateLock(ctx, lock.ID, "demo"); err != nil {
		log.Fatalf("release: %v", err)
	}
	decision, err := manager.CheckWritePermission(ctx, "main", "object_type")
	if err != nil {
		log.Fatalf("recheck: %v", err)
	}
	fmt.Printf("After release: object_type allowed = %t\n\n", decision.Allowed)

	// 6. Show the guard state the executor accumulated
	fmt.Println("=== Guard snapshots ===")
	for op, snap := range exec.BreakerSnapshots() {
		fmt.Printf("breaker %s: %s (%d consecutive failures)\n",
			op, snap.State, snap.ConsecutiveFailures)
	}
	for op, stats := range exec.BudgetSnapshots() {
		fmt.Printf("budget %s: %d calls, %d retries (ratio %.2f)\n",
			op, stats.Total, stats.Retries, stats.RetryRatio)
	}
}
