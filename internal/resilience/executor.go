package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ludia8888/warden/internal/core/fault"
	"github.com/ludia8888/warden/internal/infra/metrics"
	"github.com/ludia8888/warden/internal/resilience/backoff"
	"github.com/ludia8888/warden/internal/resilience/breaker"
	"github.com/ludia8888/warden/internal/resilience/budget"
	"github.com/ludia8888/warden/internal/resilience/bulkhead"
)

// Config assembles the guard registries from the service configuration.
type Config struct {
	DefaultPolicy backoff.Policy
	// Policies overrides the default backoff policy per operation name.
	Policies map[string]backoff.Policy

	BreakerDefaults  breaker.Settings
	BreakerOverrides map[string]breaker.Settings

	BudgetDefaults  budget.Settings
	BudgetOverrides map[string]budget.Settings

	// BulkheadDefault is the slot count for resources without an override.
	BulkheadDefault    int
	BulkheadCapacities map[string]int

	// Seed fixes the jitter source for reproducible delays. Zero seeds
	// from the clock.
	Seed uint64
}

// Executor drives calls through the full guard sequence: circuit breaker,
// retry budget, bulkhead, per-call timeout, then classified retry with
// jittered exponential backoff. One executor serves the whole process; the
// registries create per-operation guards on first use.
type Executor struct {
	breakers  *breaker.Registry
	budgets   *budget.Registry
	bulkheads *bulkhead.Registry

	defaultPolicy backoff.Policy
	policies      map[string]backoff.Policy

	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewExecutor builds an executor. A nil logger falls back to slog.Default.
// Breaker transitions are logged and exported as metrics unless the config
// installed its own hook.
func NewExecutor(cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "resilience")

	if cfg.BreakerDefaults.OnStateChange == nil {
		cfg.BreakerDefaults.OnStateChange = func(op string, from, to breaker.State) {
			logger.Warn("circuit breaker state change",
				"operation", op,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.BreakerTransitionsTotal.WithLabelValues(op, from.String(), to.String()).Inc()
			metrics.BreakerState.WithLabelValues(op).Set(breakerStateValue(to))
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Executor{
		breakers:      breaker.NewRegistry(cfg.BreakerDefaults, cfg.BreakerOverrides),
		budgets:       budget.NewRegistry(cfg.BudgetDefaults, cfg.BudgetOverrides),
		bulkheads:     bulkhead.NewRegistry(cfg.BulkheadDefault, cfg.BulkheadCapacities),
		defaultPolicy: cfg.DefaultPolicy.Normalize(),
		policies:      cfg.Policies,
		logger:        logger,
		rng:           rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// Execute runs fn under the operation's configured policy.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	return e.ExecuteWithPolicy(ctx, operation, e.policyFor(operation), fn)
}

// ExecuteWithPolicy runs fn with an explicit backoff policy. Attempts are
// 1-based; the first attempt never consults the retry budget. Guard
// rejections (open breaker, spent budget, full bulkhead) are terminal and
// never consume further attempts. When attempts run out the last underlying
// error stays reachable through the returned wrap.
func (e *Executor) ExecuteWithPolicy(ctx context.Context, operation string, policy backoff.Policy, fn func(context.Context) error) error {
	policy = policy.Normalize()

	br := e.breakers.Get(operation)
	tr := e.budgets.Get(operation)
	bh := e.bulkheads.Get(resourceOf(operation))
	metrics.BulkheadCapacity.WithLabelValues(bh.Resource()).Set(float64(bh.Capacity()))

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s aborted: %w", operation, err)
		}

		if err := br.Allow(); err != nil {
			metrics.RetryAttemptsTotal.WithLabelValues(operation, "breaker_open").Inc()
			return err
		}

		if attempt > 1 {
			if !tr.CanRetry() {
				br.CancelTrial()
				metrics.BudgetDecisionsTotal.WithLabelValues(operation, "deny").Inc()
				metrics.RetryAttemptsTotal.WithLabelValues(operation, "budget_exhausted").Inc()
				metrics.BudgetRemaining.WithLabelValues(operation).Set(tr.Remaining())
				exhausted := tr.Exhausted()
				exhausted.Err = lastErr
				return exhausted
			}
			metrics.BudgetDecisionsTotal.WithLabelValues(operation, "allow").Inc()
			tr.RecordRetry()
		}
		tr.RecordRequest()
		metrics.BudgetRemaining.WithLabelValues(operation).Set(tr.Remaining())

		err := e.attempt(ctx, bh, policy, fn)
		if err == nil {
			br.RecordSuccess()
			metrics.RetryAttemptsTotal.WithLabelValues(operation, "success").Inc()
			return nil
		}

		var full *bulkhead.FullError
		if errors.As(err, &full) {
			// The call never ran: the failure streak is untouched and any
			// half-open trial slot goes back.
			br.CancelTrial()
			metrics.BulkheadRejectionsTotal.WithLabelValues(full.Resource).Inc()
			metrics.RetryAttemptsTotal.WithLabelValues(operation, "bulkhead_full").Inc()
			return err
		}

		lastErr = err
		kind := fault.KindOf(err)
		br.RecordFailure(kind)
		metrics.RetryAttemptsTotal.WithLabelValues(operation, "failure").Inc()

		if !fault.Retryable(kind) {
			return fmt.Errorf("%s failed: %w", operation, err)
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := e.delayFor(policy, attempt)
		if hint, ok := fault.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
		metrics.RetryDelaySeconds.WithLabelValues(operation).Observe(delay.Seconds())
		e.logger.Debug("retrying operation",
			"operation", operation,
			"attempt", attempt,
			"kind", kind.String(),
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", operation, ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, policy.MaxAttempts, lastErr)
}

// attempt runs fn once inside the bulkhead and the per-call timeout. The
// release sits in a defer so a panic or early return cannot leak a slot.
func (e *Executor) attempt(ctx context.Context, bh *bulkhead.Bulkhead, policy backoff.Policy, fn func(context.Context) error) error {
	if err := bh.TryAcquire(); err != nil {
		return err
	}
	metrics.BulkheadInUse.WithLabelValues(bh.Resource()).Set(float64(bh.InUse()))
	defer func() {
		bh.Release()
		metrics.BulkheadInUse.WithLabelValues(bh.Resource()).Set(float64(bh.InUse()))
	}()

	callCtx := ctx
	if policy.PerCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, policy.PerCallTimeout)
		defer cancel()
	}
	return fn(callCtx)
}

// ExecuteValue runs fn through exec and returns its result alongside the
// executor's error handling.
func ExecuteValue[T any](ctx context.Context, exec *Executor, operation string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := exec.Execute(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *Executor) policyFor(operation string) backoff.Policy {
	if p, ok := e.policies[operation]; ok {
		return p
	}
	return e.defaultPolicy
}

func (e *Executor) delayFor(policy backoff.Policy, attempt int) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return policy.Delay(attempt, e.rng)
}

// resourceOf maps an operation name to its bulkhead resource: the segment
// before the first dot, so "lockstore.query" and "lockstore.mutate" share
// one pool.
func resourceOf(operation string) string {
	if i := strings.IndexByte(operation, '.'); i > 0 {
		return operation[:i]
	}
	return operation
}

// BreakerSnapshots exposes breaker states for health reporting.
func (e *Executor) BreakerSnapshots() map[string]breaker.Snapshot {
	return e.breakers.Snapshots()
}

// BudgetSnapshots exposes budget windows for health reporting.
func (e *Executor) BudgetSnapshots() map[string]budget.Stats {
	return e.budgets.Snapshots()
}

// BulkheadSnapshots exposes bulkhead usage for health reporting.
func (e *Executor) BulkheadSnapshots() map[string]bulkhead.Usage {
	return e.bulkheads.Snapshots()
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
