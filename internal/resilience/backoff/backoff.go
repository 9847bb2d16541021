// Package backoff computes retry delays: exponential growth capped at a
// maximum, with a symmetric jitter band so synchronized callers spread out.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy defines retry pacing for one operation.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor perturbs each delay by a uniform factor in
	// [1-JitterFactor, 1+JitterFactor]. Zero disables jitter.
	JitterFactor float64
	// PerCallTimeout bounds a single attempt. Zero means no per-call bound.
	PerCallTimeout time.Duration
}

// DefaultPolicy provides sensible defaults.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
	JitterFactor: 0.2,
}

// Normalize fills unset fields from DefaultPolicy and clamps values that
// would make the series misbehave. A multiplier below 1 is treated as no
// growth rather than decay.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultPolicy.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = DefaultPolicy.Multiplier
	} else if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	return p
}

// Delay returns the sleep before the next try after the given attempt
// (1-based; values below 1 are treated as 1). The exponential base is capped
// at MaxDelay before jitter, so the result never exceeds
// MaxDelay*(1+JitterFactor) and never goes negative. Passing a seeded rng
// makes the sequence reproducible; a nil rng uses the shared source.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if base > float64(p.MaxDelay) || math.IsNaN(base) || math.IsInf(base, 1) {
		base = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		var u float64
		if rng != nil {
			u = rng.Float64()
		} else {
			u = rand.Float64()
		}
		// u in [0,1) becomes a factor in [1-j, 1+j)
		base *= 1 + p.JitterFactor*(2*u-1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
