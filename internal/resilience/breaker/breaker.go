// Package breaker implements a per-operation circuit breaker. A breaker
// opens after enough consecutive counted failures, rejects calls for a
// cooldown, then admits a limited number of trial calls before closing.
package breaker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ludia8888/warden/internal/core/fault"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalJSON renders the state by name in health reports.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name back into a State.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", name)
	}
	return nil
}

// Settings configures one breaker.
type Settings struct {
	// FailureThreshold is the consecutive counted failures that open the
	// breaker from closed.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects before allowing trials.
	Cooldown time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int
	// OnStateChange fires once per transition, outside the breaker lock.
	OnStateChange func(op string, from, to State)
}

// DefaultSettings provides sensible defaults.
var DefaultSettings = Settings{
	FailureThreshold: 5,
	Cooldown:         30 * time.Second,
	HalfOpenMaxCalls: 3,
}

func (s Settings) normalize() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultSettings.FailureThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = DefaultSettings.Cooldown
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = DefaultSettings.HalfOpenMaxCalls
	}
	return s
}

// OpenError is returned when the breaker rejects a call.
type OpenError struct {
	Operation string
	State     State
	// RetryAfter is the remaining cooldown, zero when the breaker is
	// half-open at trial capacity.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker for %s is half-open at trial capacity", e.Operation)
	}
	return fmt.Sprintf("circuit breaker for %s is open, retry in %s", e.Operation, e.RetryAfter)
}

// ErrorKind marks breaker rejections as local guard errors.
func (e *OpenError) ErrorKind() fault.Kind { return fault.Exhausted }

// Breaker guards one named operation.
type Breaker struct {
	op       string
	settings Settings

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int

	now func() time.Time
}

// New creates a closed breaker for the named operation.
func New(op string, settings Settings) *Breaker {
	return &Breaker{
		op:       op,
		settings: settings.normalize(),
		state:    StateClosed,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. Closed always admits. Open
// admits nothing until the cooldown elapses, then flips to half-open and
// admits the caller as a trial. Half-open admits trials up to
// HalfOpenMaxCalls in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		remaining := b.settings.Cooldown - b.now().Sub(b.openedAt)
		if remaining > 0 {
			b.mu.Unlock()
			return &OpenError{Operation: b.op, State: StateOpen, RetryAfter: remaining}
		}
		from := b.setState(StateHalfOpen)
		b.halfOpenInFlight = 1
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil

	default: // StateHalfOpen
		if b.halfOpenInFlight >= b.settings.HalfOpenMaxCalls {
			b.mu.Unlock()
			return &OpenError{Operation: b.op, State: StateHalfOpen}
		}
		b.halfOpenInFlight++
		b.mu.Unlock()
		return nil
	}
}

// RecordSuccess reports a successful call. In closed state it clears the
// failure streak; a successful half-open trial closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
		b.mu.Unlock()

	case StateHalfOpen:
		from := b.setState(StateClosed)
		b.consecutiveFails = 0
		b.halfOpenInFlight = 0
		b.mu.Unlock()
		b.notify(from, StateClosed)

	default: // StateOpen, a late result from before the trip
		b.mu.Unlock()
	}
}

// RecordFailure reports a failed call. Failures whose kind does not trip
// breakers (bad input, missing resources, cancellation) only release the
// trial slot they held; counted failures advance the streak in closed state
// and reopen immediately in half-open state.
func (b *Breaker) RecordFailure(kind fault.Kind) {
	counted := fault.TripsBreaker(kind)

	b.mu.Lock()
	switch b.state {
	case StateClosed:
		if !counted {
			b.mu.Unlock()
			return
		}
		b.consecutiveFails++
		if b.consecutiveFails >= b.settings.FailureThreshold {
			from := b.setState(StateOpen)
			b.openedAt = b.now()
			b.mu.Unlock()
			b.notify(from, StateOpen)
			return
		}
		b.mu.Unlock()

	case StateHalfOpen:
		if !counted {
			if b.halfOpenInFlight > 0 {
				b.halfOpenInFlight--
			}
			b.mu.Unlock()
			return
		}
		from := b.setState(StateOpen)
		b.openedAt = b.now()
		b.halfOpenInFlight = 0
		b.mu.Unlock()
		b.notify(from, StateOpen)

	default: // StateOpen
		b.mu.Unlock()
	}
}

// CancelTrial gives back a trial slot admitted by Allow when the call was
// turned away before it ran. Every admitted trial must be settled exactly
// once, through RecordSuccess, RecordFailure, or CancelTrial; an unsettled
// trial holds its slot until the breaker leaves half-open.
func (b *Breaker) CancelTrial() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.mu.Unlock()
}

// State returns the stored position without advancing transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes the breaker for health reporting.
type Snapshot struct {
	Operation           string    `json:"operation"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenInFlight    int       `json:"half_open_in_flight"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Operation:           b.op,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFails,
		HalfOpenInFlight:    b.halfOpenInFlight,
		OpenedAt:            b.openedAt,
	}
}

// setState must be called with b.mu held; the hook fires later via notify.
func (b *Breaker) setState(to State) (from State) {
	from = b.state
	b.state = to
	return from
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.op, from, to)
	}
}
