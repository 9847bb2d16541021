package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ludia8888/warden/internal/core/fault"
)

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(settings Settings) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := New("test.op", settings)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 3, Cooldown: 10 * time.Second})

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("closed breaker rejected call %d: %v", i, err)
		}
		b.RecordFailure(fault.Unavailable)
	}
	if b.State() != StateClosed {
		t.Fatalf("Expected closed after 2 failures, got %v", b.State())
	}

	b.RecordFailure(fault.Unavailable)
	if b.State() != StateOpen {
		t.Fatalf("Expected open after 3 failures, got %v", b.State())
	}

	err := b.Allow()
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected OpenError, got %v", err)
	}
	if openErr.RetryAfter <= 0 || openErr.RetryAfter > 10*time.Second {
		t.Errorf("Unexpected retry-after %v", openErr.RetryAfter)
	}
	if fault.KindOf(err) != fault.Exhausted {
		t.Errorf("Expected exhausted kind, got %v", fault.KindOf(err))
	}
}

func TestBreaker_NonCountedFailuresDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 2, Cooldown: 10 * time.Second})

	// Application rejections never open the breaker no matter how many.
	for i := 0; i < 20; i++ {
		b.RecordFailure(fault.Invalid)
		b.RecordFailure(fault.NotFound)
		b.RecordFailure(fault.Conflict)
		b.RecordFailure(fault.Canceled)
	}
	if b.State() != StateClosed {
		t.Fatalf("Expected closed, got %v", b.State())
	}

	// And they do not reset the streak either; two counted failures trip.
	b.RecordFailure(fault.Timeout)
	b.RecordFailure(fault.Invalid)
	b.RecordFailure(fault.Timeout)
	if b.State() != StateOpen {
		t.Fatalf("Expected open after 2 counted failures, got %v", b.State())
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 3, Cooldown: 10 * time.Second})

	b.RecordFailure(fault.Unavailable)
	b.RecordFailure(fault.Unavailable)
	b.RecordSuccess()
	b.RecordFailure(fault.Unavailable)
	b.RecordFailure(fault.Unavailable)

	if b.State() != StateClosed {
		t.Fatalf("Expected closed, streak should have reset, got %v", b.State())
	}
}

func TestBreaker_CooldownToHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, Cooldown: 10 * time.Second})

	b.RecordFailure(fault.Unavailable)
	if b.State() != StateOpen {
		t.Fatalf("Expected open, got %v", b.State())
	}

	clock.Advance(9 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("Expected rejection before cooldown elapsed")
	}

	clock.Advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Expected trial admission after cooldown, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("Expected half_open, got %v", b.State())
	}
}

func TestBreaker_HalfOpenTrialCap(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, Cooldown: time.Second, HalfOpenMaxCalls: 3})

	b.RecordFailure(fault.Unavailable)
	clock.Advance(2 * time.Second)

	// First three trials admitted, fourth rejected.
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("trial %d rejected: %v", i+1, err)
		}
	}
	err := b.Allow()
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected OpenError at trial capacity, got %v", err)
	}
	if openErr.State != StateHalfOpen {
		t.Errorf("Expected half_open rejection, got %v", openErr.State)
	}

	// One trial finishing with an uncounted failure frees a slot.
	b.RecordFailure(fault.Invalid)
	if err := b.Allow(); err != nil {
		t.Fatalf("Expected freed trial slot, got %v", err)
	}
}

func TestBreaker_CancelTrialFreesSlot(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, Cooldown: time.Second, HalfOpenMaxCalls: 2})

	b.RecordFailure(fault.Unavailable)
	clock.Advance(2 * time.Second)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("trial %d rejected: %v", i+1, err)
		}
	}
	if err := b.Allow(); err == nil {
		t.Fatal("Expected rejection at trial capacity")
	}

	// A call turned away before running settles its trial without touching
	// the failure streak.
	b.CancelTrial()
	if got := b.Snapshot().HalfOpenInFlight; got != 1 {
		t.Fatalf("Expected 1 trial in flight after cancel, got %d", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Expected freed trial slot, got %v", err)
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("Expected closed after trial success, got %v", b.State())
	}

	// Outside half-open it is a no-op.
	b.CancelTrial()
	if snap := b.Snapshot(); snap.State != StateClosed || snap.HalfOpenInFlight != 0 {
		t.Errorf("Unexpected state after cancel on closed breaker: %+v", snap)
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, Cooldown: time.Second})

	b.RecordFailure(fault.Unavailable)
	clock.Advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial rejected: %v", err)
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("Expected closed after trial success, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker rejected: %v", err)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, Cooldown: 10 * time.Second})

	b.RecordFailure(fault.Unavailable)
	clock.Advance(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial rejected: %v", err)
	}

	b.RecordFailure(fault.Timeout)
	if b.State() != StateOpen {
		t.Fatalf("Expected reopened, got %v", b.State())
	}

	// Cooldown restarts from the reopen.
	clock.Advance(9 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("Expected rejection, cooldown should have restarted")
	}
	clock.Advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Expected trial after restarted cooldown, got %v", err)
	}
}

func TestBreaker_StateChangeHook(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	settings := Settings{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		OnStateChange: func(op string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+">"+to.String())
			mu.Unlock()
		},
	}
	b, clock := newTestBreaker(settings)

	b.RecordFailure(fault.Unavailable) // closed > open
	clock.Advance(2 * time.Second)
	if err := b.Allow(); err != nil { // open > half_open
		t.Fatalf("trial rejected: %v", err)
	}
	b.RecordSuccess() // half_open > closed

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("Expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_Concurrency(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 1000, Cooldown: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := b.Allow(); err != nil {
				return
			}
			if n%2 == 0 {
				b.RecordSuccess()
			} else {
				b.RecordFailure(fault.Transient)
			}
		}(i)
	}
	wg.Wait()

	snap := b.Snapshot()
	if snap.State != StateClosed {
		t.Errorf("Expected closed under threshold, got %v", snap.State)
	}
}

// ==== registry ====

func TestRegistry_LazyInitAndOverrides(t *testing.T) {
	overrides := map[string]Settings{
		"picky.op": {FailureThreshold: 1, Cooldown: time.Minute},
	}
	r := NewRegistry(Settings{FailureThreshold: 5, Cooldown: time.Second}, overrides)

	a := r.Get("default.op")
	if a != r.Get("default.op") {
		t.Error("Expected the same breaker instance on repeat Get")
	}

	picky := r.Get("picky.op")
	picky.RecordFailure(fault.Unavailable)
	if picky.State() != StateOpen {
		t.Error("Override threshold not applied")
	}
	if a.State() != StateClosed {
		t.Error("Breakers must be independent per operation")
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Errorf("Expected 2 snapshots, got %d", len(snaps))
	}
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	r := NewRegistry(DefaultSettings, nil)

	var wg sync.WaitGroup
	results := make([]*Breaker, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = r.Get("shared.op")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("Concurrent Get returned different instances for one operation")
		}
	}
}
