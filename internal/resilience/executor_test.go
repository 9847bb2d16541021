package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ludia8888/warden/internal/core/fault"
	"github.com/ludia8888/warden/internal/infra/metrics"
	"github.com/ludia8888/warden/internal/resilience/backoff"
	"github.com/ludia8888/warden/internal/resilience/breaker"
	"github.com/ludia8888/warden/internal/resilience/budget"
	"github.com/ludia8888/warden/internal/resilience/bulkhead"
)

func fastPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0,
	}
}

func newTestExecutor(cfg Config) *Executor {
	if cfg.DefaultPolicy.MaxAttempts == 0 {
		cfg.DefaultPolicy = fastPolicy()
	}
	if cfg.BreakerDefaults.FailureThreshold == 0 {
		cfg.BreakerDefaults = breaker.Settings{FailureThreshold: 100, Cooldown: time.Minute}
	}
	if cfg.BudgetDefaults.Window == 0 {
		cfg.BudgetDefaults = budget.Settings{Window: time.Minute, Ratio: 0.9}
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	return NewExecutor(cfg, slog.New(slog.DiscardHandler))
}

// ==== basic outcomes ====

func TestExecute_SuccessFirstTry(t *testing.T) {
	exec := newTestExecutor(Config{})

	calls := 0
	err := exec.Execute(context.Background(), "ok.op", func(ctx context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	exec := newTestExecutor(Config{})

	calls := 0
	err := exec.Execute(context.Background(), "flaky.op", func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return fault.New(fault.Unavailable, "flaky.op", errors.New("connection refused"))
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls (2 retries), got %d", calls)
	}
}

func TestExecute_GRPCStatusRetried(t *testing.T) {
	exec := newTestExecutor(Config{})

	calls := 0
	err := exec.Execute(context.Background(), "auth.check", func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return fault.FromGRPC("auth.check", status.Error(codes.Unavailable, "transient failure"))
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestExecute_NonRetryableFailsImmediately(t *testing.T) {
	exec := newTestExecutor(Config{})

	base := errors.New("request rejected")
	calls := 0
	err := exec.Execute(context.Background(), "strict.op", func(ctx context.Context) error {
		calls++
		return fault.New(fault.Invalid, "strict.op", base)
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if calls != 1 {
		t.Errorf("Expected exactly 1 call for a non-retryable error, got %d", calls)
	}
	if !errors.Is(err, base) {
		t.Error("Expected the original error to stay reachable")
	}
}

func TestExecute_LastErrorPreserved(t *testing.T) {
	exec := newTestExecutor(Config{})

	sentinel := errors.New("still down")
	calls := 0
	err := exec.Execute(context.Background(), "down.op", func(ctx context.Context) error {
		calls++
		return fault.New(fault.Unavailable, "down.op", sentinel)
	})

	if err == nil {
		t.Fatal("Expected failure after exhausted attempts")
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected last original error in the chain, got %v", err)
	}
}

// ==== guard interactions ====

func TestExecute_BreakerOpensAndShortCircuits(t *testing.T) {
	exec := newTestExecutor(Config{
		BreakerDefaults: breaker.Settings{FailureThreshold: 2, Cooldown: time.Minute},
	})

	calls := 0
	fail := func(ctx context.Context) error {
		calls++
		return fault.New(fault.Unavailable, "down.op", errors.New("boom"))
	}

	// First execute trips the breaker on the second failed attempt, so the
	// third attempt is rejected by the breaker itself.
	err := exec.Execute(context.Background(), "down.op", fail)
	var openErr *breaker.OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected OpenError once threshold hit, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls before the trip, got %d", calls)
	}

	// While open, the function never runs.
	err = exec.Execute(context.Background(), "down.op", fail)
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected OpenError while open, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected no calls through an open breaker, got %d total", calls)
	}
}

func TestExecute_BreakerIgnoresAppErrors(t *testing.T) {
	exec := newTestExecutor(Config{
		BreakerDefaults: breaker.Settings{FailureThreshold: 2, Cooldown: time.Minute},
	})

	// Invalid input errors repeat far past the threshold without opening.
	for i := 0; i < 5; i++ {
		err := exec.Execute(context.Background(), "validate.op", func(ctx context.Context) error {
			return fault.New(fault.Invalid, "validate.op", errors.New("bad payload"))
		})
		if err == nil {
			t.Fatal("Expected error")
		}
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			t.Fatalf("Breaker opened on application errors at iteration %d", i)
		}
	}
}

func TestExecute_BudgetExhausted(t *testing.T) {
	exec := newTestExecutor(Config{
		BudgetDefaults: budget.Settings{Window: time.Minute, Ratio: 0.1},
	})

	sentinel := errors.New("flapping")
	calls := 0
	err := exec.Execute(context.Background(), "busy.op", func(ctx context.Context) error {
		calls++
		return fault.New(fault.Unavailable, "busy.op", sentinel)
	})

	// Attempt 1 fails, attempt 2 is the single allowed retry, attempt 3 is
	// denied by the budget.
	var exhausted *budget.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected ExhaustedError, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Error("Expected the last attempt error inside the budget error")
	}
	if fault.KindOf(err) != fault.Exhausted {
		t.Errorf("Expected exhausted kind, got %v", fault.KindOf(err))
	}
}

func TestExecute_BudgetRemainingGaugeTracksWindow(t *testing.T) {
	exec := newTestExecutor(Config{
		BudgetDefaults: budget.Settings{Window: time.Minute, Ratio: 0.5},
	})

	gauge := metrics.BudgetRemaining.WithLabelValues("gauge.op")

	// A clean first call leaves the whole allowance.
	if err := exec.Execute(context.Background(), "gauge.op", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if got := testutil.ToFloat64(gauge); got != 100 {
		t.Fatalf("Expected full budget after a clean call, got %v", got)
	}

	// A retried call spends part of the window's allowance.
	calls := 0
	err := exec.Execute(context.Background(), "gauge.op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return fault.New(fault.Unavailable, "gauge.op", errors.New("blip"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	got := testutil.ToFloat64(gauge)
	if got <= 0 || got >= 100 {
		t.Errorf("Expected a partly spent budget, got %v", got)
	}
	if want := exec.budgets.Get("gauge.op").Remaining(); got != want {
		t.Errorf("Expected gauge to match the tracker at %v, got %v", want, got)
	}
}

func TestExecute_BulkheadFullFailsFast(t *testing.T) {
	exec := newTestExecutor(Config{
		BulkheadCapacities: map[string]int{"db": 1},
	})

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := exec.Execute(context.Background(), "db.query", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		if err != nil {
			t.Errorf("holder failed: %v", err)
		}
	}()

	<-started
	calls := 0
	err := exec.Execute(context.Background(), "db.query", func(ctx context.Context) error {
		calls++
		return nil
	})

	var full *bulkhead.FullError
	if !errors.As(err, &full) {
		t.Fatalf("Expected FullError, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected rejected call to never run, got %d calls", calls)
	}

	close(release)
	wg.Wait()
}

func TestExecute_BulkheadReleasedAfterFailure(t *testing.T) {
	exec := newTestExecutor(Config{
		BulkheadCapacities: map[string]int{"db": 1},
	})

	// Failing calls on a capacity-1 bulkhead must keep flowing; a leaked
	// slot would turn every later call into FullError.
	for i := 0; i < 4; i++ {
		err := exec.Execute(context.Background(), "db.query", func(ctx context.Context) error {
			return fault.New(fault.Invalid, "db.query", errors.New("bad statement"))
		})
		var full *bulkhead.FullError
		if errors.As(err, &full) {
			t.Fatalf("Bulkhead slot leaked by iteration %d", i)
		}
	}
}

func TestExecute_BulkheadRejectionReleasesBreakerTrial(t *testing.T) {
	single := fastPolicy()
	single.MaxAttempts = 1
	exec := newTestExecutor(Config{
		BreakerOverrides: map[string]breaker.Settings{
			"dep.call": {FailureThreshold: 1, Cooldown: time.Nanosecond, HalfOpenMaxCalls: 3},
		},
		BulkheadCapacities: map[string]int{"dep": 1},
	})

	// Trip the breaker, then occupy the shared bulkhead so that recovery
	// trials cannot start.
	_ = exec.ExecuteWithPolicy(context.Background(), "dep.call", single, func(ctx context.Context) error {
		return fault.New(fault.Unavailable, "dep.call", errors.New("down"))
	})
	if got := exec.BreakerSnapshots()["dep.call"].State; got != breaker.StateOpen {
		t.Fatalf("Expected open breaker after the trip, got %v", got)
	}
	bh := exec.bulkheads.Get("dep")
	if err := bh.TryAcquire(); err != nil {
		t.Fatalf("Failed to occupy the bulkhead: %v", err)
	}

	// Past the cooldown each call is admitted as a half-open trial, then
	// turned away by the full bulkhead. Every wasted trial must hand its
	// slot back; otherwise three of them pin the breaker in half-open and
	// nothing is ever admitted again.
	calls := 0
	for i := 0; i < 5; i++ {
		err := exec.Execute(context.Background(), "dep.call", func(ctx context.Context) error {
			calls++
			return nil
		})
		var full *bulkhead.FullError
		if !errors.As(err, &full) {
			t.Fatalf("call %d: expected FullError, got %v", i+1, err)
		}
	}
	if calls != 0 {
		t.Fatalf("Expected no calls through the full bulkhead, got %d", calls)
	}

	// Once the bulkhead frees up the next trial closes the breaker.
	bh.Release()
	err := exec.Execute(context.Background(), "dep.call", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Expected recovery call to succeed, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected exactly the recovery call to run, got %d", calls)
	}
	if got := exec.BreakerSnapshots()["dep.call"].State; got != breaker.StateClosed {
		t.Errorf("Expected closed breaker after recovery, got %v", got)
	}
}

func TestExecute_BudgetDenialReleasesBreakerTrial(t *testing.T) {
	exec := newTestExecutor(Config{
		BreakerOverrides: map[string]breaker.Settings{
			"squeeze.op": {FailureThreshold: 1, Cooldown: time.Nanosecond, HalfOpenMaxCalls: 1},
		},
		BudgetDefaults: budget.Settings{Window: time.Minute, Ratio: 0.1},
	})

	// Spend the window's single allowed retry on a flaky call. The failure
	// trips the breaker and the retry runs as a successful half-open trial.
	calls := 0
	err := exec.Execute(context.Background(), "squeeze.op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return fault.New(fault.Unavailable, "squeeze.op", errors.New("blip"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected recovery on the allowed retry, got %v", err)
	}

	// The next failure reopens the breaker; its retry is admitted as the
	// only trial and then denied by the spent budget before running.
	err = exec.Execute(context.Background(), "squeeze.op", func(ctx context.Context) error {
		return fault.New(fault.Unavailable, "squeeze.op", errors.New("down again"))
	})
	var exhausted *budget.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected ExhaustedError, got %v", err)
	}

	// The denied trial must not keep its slot, or the breaker would reject
	// every call from here on.
	err = exec.Execute(context.Background(), "squeeze.op", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Expected the next trial to be admitted, got %v", err)
	}
	if got := exec.BreakerSnapshots()["squeeze.op"].State; got != breaker.StateClosed {
		t.Errorf("Expected closed breaker after recovery, got %v", got)
	}
}

func TestExecute_PerCallTimeout(t *testing.T) {
	exec := newTestExecutor(Config{})

	policy := fastPolicy()
	policy.PerCallTimeout = 5 * time.Millisecond

	calls := 0
	err := exec.ExecuteWithPolicy(context.Background(), "slow.op", policy, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	if err == nil {
		t.Fatal("Expected failure")
	}
	if calls != 3 {
		t.Errorf("Expected timeouts to be retried 3 times, got %d calls", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error in the chain, got %v", err)
	}
}

func TestExecute_CanceledDuringBackoff(t *testing.T) {
	exec := newTestExecutor(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	policy := fastPolicy()
	policy.InitialDelay = time.Second

	calls := 0
	err := exec.ExecuteWithPolicy(ctx, "cancel.op", policy, func(ctx context.Context) error {
		calls++
		cancel()
		return fault.New(fault.Transient, "cancel.op", errors.New("blip"))
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", calls)
	}
}

// ==== helpers and plumbing ====

func TestExecuteValue(t *testing.T) {
	exec := newTestExecutor(Config{})

	calls := 0
	got, err := ExecuteValue(context.Background(), exec, "value.op", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", fault.New(fault.Transient, "value.op", errors.New("blip"))
		}
		return "ready", nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if got != "ready" {
		t.Errorf("Expected \"ready\", got %q", got)
	}
}

func TestExecute_PolicyOverridePerOperation(t *testing.T) {
	single := fastPolicy()
	single.MaxAttempts = 1
	exec := newTestExecutor(Config{
		Policies: map[string]backoff.Policy{"oneshot.op": single},
	})

	calls := 0
	_ = exec.Execute(context.Background(), "oneshot.op", func(ctx context.Context) error {
		calls++
		return fault.New(fault.Unavailable, "oneshot.op", errors.New("down"))
	})
	if calls != 1 {
		t.Errorf("Expected the override to cap attempts at 1, got %d", calls)
	}
}

func TestResourceOf(t *testing.T) {
	tests := []struct {
		op     string
		expect string
	}{
		{"lockstore.query", "lockstore"},
		{"lockstore.mutate", "lockstore"},
		{"redis.get", "redis"},
		{"plain", "plain"},
		{".weird", ".weird"},
	}
	for _, tt := range tests {
		if got := resourceOf(tt.op); got != tt.expect {
			t.Errorf("resourceOf(%q) = %q, want %q", tt.op, got, tt.expect)
		}
	}
}

func TestSnapshots(t *testing.T) {
	exec := newTestExecutor(Config{})

	_ = exec.Execute(context.Background(), "snap.op", func(ctx context.Context) error { return nil })

	if _, ok := exec.BreakerSnapshots()["snap.op"]; !ok {
		t.Error("Expected breaker snapshot for snap.op")
	}
	if _, ok := exec.BudgetSnapshots()["snap.op"]; !ok {
		t.Error("Expected budget snapshot for snap.op")
	}
	if _, ok := exec.BulkheadSnapshots()["snap"]; !ok {
		t.Error("Expected bulkhead snapshot for resource snap")
	}
}
