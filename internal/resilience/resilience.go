// Package resilience wraps outbound calls in a uniform guard stack.
//
// This package offers:
//   - Circuit breaking per operation with half-open trial probes
//   - Retry budgets that cap retries as a fraction of total load
//   - Bulkheads that bound concurrency per resource
//   - Jittered exponential backoff between attempts
//
// # Quick Start
//
//	import "github.com/ludia8888/warden/internal/resilience"
//
//	exec := resilience.NewExecutor(resilience.Config{
//	    DefaultPolicy: resilience.Policy{MaxAttempts: 3},
//	}, logger)
//
//	err := exec.Execute(ctx, "lockstore.query", func(ctx context.Context) error {
//	    return store.Ping(ctx)
//	})
//
// Errors from a call are classified once through the fault package; only
// transient kinds are retried, and guard rejections come back as typed
// errors (OpenError, ExhaustedError, FullError) that are never retried.
//
// # Package Structure
//
// The package is organized into sub-packages:
//
//   - backoff/  - Delay policies and jitter
//   - breaker/  - Circuit breaker state machine and registry
//   - budget/   - Rolling-window retry budgets and registry
//   - bulkhead/ - Counting semaphores and registry
//
// The common types are re-exported at the root level for convenience.
package resilience

import (
	"github.com/ludia8888/warden/internal/resilience/backoff"
	"github.com/ludia8888/warden/internal/resilience/breaker"
	"github.com/ludia8888/warden/internal/resilience/budget"
	"github.com/ludia8888/warden/internal/resilience/bulkhead"
)

// =============================================================================
// Re-exported types from backoff package
// =============================================================================

// Policy defines retry pacing for one operation.
type Policy = backoff.Policy

// DefaultPolicy provides sensible backoff defaults.
var DefaultPolicy = backoff.DefaultPolicy

// =============================================================================
// Re-exported types from breaker package
// =============================================================================

// BreakerSettings configures a circuit breaker.
type BreakerSettings = breaker.Settings

// BreakerState is the circuit breaker position.
type BreakerState = breaker.State

// OpenError is returned when a circuit breaker rejects a call.
type OpenError = breaker.OpenError

// Breaker state constants
const (
	BreakerClosed   = breaker.StateClosed
	BreakerOpen     = breaker.StateOpen
	BreakerHalfOpen = breaker.StateHalfOpen
)

// =============================================================================
// Re-exported types from budget package
// =============================================================================

// BudgetSettings configures a retry budget window.
type BudgetSettings = budget.Settings

// ExhaustedError is returned when a retry budget is spent.
type ExhaustedError = budget.ExhaustedError

// =============================================================================
// Re-exported types from bulkhead package
// =============================================================================

// FullError is returned when a bulkhead has no free slots.
type FullError = bulkhead.FullError
