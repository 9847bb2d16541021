// Package fault defines the closed set of failure kinds used for retry and
// circuit-breaking decisions. A Kind is attached to an error at the boundary
// where it enters the process (HTTP client, gRPC client, database, cache);
// nothing downstream inspects error strings.
package fault

import (
	"context"
	"errors"
	"time"
)

// Kind is the failure category of an error.
type Kind int

const (
	// Unknown covers errors no boundary classified. Treated as transient.
	Unknown Kind = iota
	// Canceled means the caller gave up (context cancellation).
	Canceled
	// Timeout means the call exceeded its deadline.
	Timeout
	// Unavailable means the dependency could not be reached or is down.
	Unavailable
	// RateLimited means the dependency pushed back (429, RESOURCE_EXHAUSTED).
	RateLimited
	// Transient covers momentary dependency faults worth retrying
	// (serialization failures, connection resets).
	Transient
	// Invalid means the request itself was rejected (bad input, unsupported).
	Invalid
	// Unauthorized means authentication or permission was refused.
	Unauthorized
	// NotFound means the target does not exist.
	NotFound
	// Conflict means the write lost to a concurrent change or duplicate.
	Conflict
	// Exhausted means a local guard rejected the call before it ran
	// (open breaker, spent retry budget, full bulkhead).
	Exhausted
	// Internal means the dependency failed on its side in a non-transient way.
	Internal
)

var kindNames = map[Kind]string{
	Unknown:      "unknown",
	Canceled:     "canceled",
	Timeout:      "timeout",
	Unavailable:  "unavailable",
	RateLimited:  "rate_limited",
	Transient:    "transient",
	Invalid:      "invalid",
	Unauthorized: "unauthorized",
	NotFound:     "not_found",
	Conflict:     "conflict",
	Exhausted:    "exhausted",
	Internal:     "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Retryable reports whether an attempt that failed with kind k is worth
// repeating. Unknown is presumed transient; Exhausted never retries because
// the local guards that produce it already said no.
func Retryable(k Kind) bool {
	switch k {
	case Unknown, Timeout, Unavailable, RateLimited, Transient:
		return true
	}
	return false
}

// TripsBreaker reports whether a failure of kind k should count toward
// circuit breaker thresholds. Application-level rejections say nothing about
// dependency health, and cancellation is the caller's doing.
func TripsBreaker(k Kind) bool {
	switch k {
	case Timeout, Unavailable, RateLimited, Transient, Internal, Unknown:
		return true
	}
	return false
}

// Error carries a Kind, the failing operation, and the underlying error.
type Error struct {
	Kind Kind
	Op   string
	// RetryAfter is a server-provided backoff hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind makes *Error a kind carrier for KindOf.
func (e *Error) ErrorKind() Kind { return e.Kind }

// kindCarrier is implemented by every error that was classified at a
// boundary, including the guard errors in the resilience packages.
type kindCarrier interface {
	ErrorKind() Kind
}

// KindOf returns the Kind attached to err, walking the wrap chain. Errors
// that never passed a boundary classifier come back Unknown, except for the
// context sentinels which classify themselves.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var carrier kindCarrier
	if errors.As(err, &carrier) {
		return carrier.ErrorKind()
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// RetryAfterHint extracts a server-provided backoff hint from err, if any
// boundary recorded one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return fe.RetryAfter, true
	}
	return 0, false
}
