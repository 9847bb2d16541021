// Package budget throttles retries so they stay a bounded fraction of total
// load. Each operation carries a rolling window of request and retry counts;
// retries are allowed while retries/total stays under the configured ratio,
// which keeps retry storms from amplifying an outage.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/ludia8888/warden/internal/core/fault"
)

// Settings configures one tracker.
type Settings struct {
	// Window is the rolling measurement period.
	Window time.Duration
	// Ratio is the allowed retries-to-requests fraction, in (0, 1].
	Ratio float64
}

// DefaultSettings allows one retry per ten requests over ten seconds.
var DefaultSettings = Settings{
	Window: 10 * time.Second,
	Ratio:  0.1,
}

func (s Settings) normalize() Settings {
	if s.Window <= 0 {
		s.Window = DefaultSettings.Window
	}
	if s.Ratio <= 0 {
		s.Ratio = DefaultSettings.Ratio
	}
	if s.Ratio > 1 {
		s.Ratio = 1
	}
	return s
}

// ExhaustedError is returned when an operation's retry budget is spent.
// Err holds the attempt error that prompted the blocked retry, so callers
// can still reach the original failure through errors.Is and errors.As.
type ExhaustedError struct {
	Operation string
	Retries   int
	Total     int
	Err       error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("retry budget exhausted for %s (%d retries over %d requests)", e.Operation, e.Retries, e.Total)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ErrorKind marks budget rejections as local guard errors.
func (e *ExhaustedError) ErrorKind() fault.Kind { return fault.Exhausted }

// Tracker counts requests and retries for one operation inside a rolling
// window. When the window elapses both counters reset and it restarts.
type Tracker struct {
	op       string
	settings Settings

	mu          sync.Mutex
	windowStart time.Time
	total       int
	retries     int

	now func() time.Time
}

// New creates a tracker for the named operation with an open window.
func New(op string, settings Settings) *Tracker {
	t := &Tracker{
		op:       op,
		settings: settings.normalize(),
		now:      time.Now,
	}
	t.windowStart = t.now()
	return t
}

// roll must be called with t.mu held.
func (t *Tracker) roll() {
	now := t.now()
	if now.Sub(t.windowStart) >= t.settings.Window {
		t.total = 0
		t.retries = 0
		t.windowStart = now
	}
}

// RecordRequest counts one attempt, first tries and retries alike.
func (t *Tracker) RecordRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	t.total++
}

// RecordRetry counts one retry attempt.
func (t *Tracker) RecordRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	t.retries++
}

// CanRetry reports whether another retry fits the budget. An empty window
// always allows; first attempts never consult this.
func (t *Tracker) CanRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	if t.total == 0 {
		return true
	}
	return float64(t.retries)/float64(t.total) < t.settings.Ratio
}

// Remaining reports the unspent share of the window's retry allowance as a
// percentage. An empty window has its whole budget; once retries reach the
// allowance this hits zero and stays there until the window rolls.
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	if t.total == 0 {
		return 100
	}
	allowance := float64(t.total) * t.settings.Ratio
	remaining := (allowance - float64(t.retries)) / allowance * 100
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Exhausted builds the rejection error for the current window.
func (t *Tracker) Exhausted() *ExhaustedError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &ExhaustedError{Operation: t.op, Retries: t.retries, Total: t.total}
}

// Stats is a point-in-time view of a tracker for health reporting.
type Stats struct {
	Operation   string    `json:"operation"`
	Total       int       `json:"total"`
	Retries     int       `json:"retries"`
	RetryRatio  float64   `json:"retry_ratio"`
	WindowStart time.Time `json:"window_start"`
}

// Snapshot returns the tracker's current window counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	stats := Stats{
		Operation:   t.op,
		Total:       t.total,
		Retries:     t.retries,
		WindowStart: t.windowStart,
	}
	if t.total > 0 {
		stats.RetryRatio = float64(t.retries) / float64(t.total)
	}
	return stats
}
