// Package backoff computes bounded exponential reconnect delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential backoff schedule with a ceiling and an attempt budget.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// MaxDelay caps every computed delay.
	MaxDelay time.Duration
	// Factor is the growth applied per attempt. Zero means 2.
	Factor float64
	// Jitter is a fraction (0.0 to 1.0) of the base delay added at random before capping.
	Jitter float64
	// MaxAttempts is the number of consecutive failures tolerated. Zero means unlimited.
	MaxAttempts int
}

// DefaultPolicy returns the reconnect schedule used when nothing is configured.
// Base: 1s, Max: 30s, Factor: 2, 5 attempts, no jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2,
		MaxAttempts: 5,
	}
}

// Normalize fills zero fields from DefaultPolicy. MaxAttempts is left alone
// because zero is a meaningful "retry forever".
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Factor <= 0 {
		p.Factor = def.Factor
	}
	p.Jitter = math.Min(math.Max(p.Jitter, 0), 1)
	return p
}

// Delay returns the wait before retry attempt n: min(Base*Factor^(n-1), MaxDelay).
// Attempt numbers start at 1; smaller values are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0.0, 1.0).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	p = p.Normalize()
	exp := math.Max(float64(attempt-1), 0)

	base := float64(p.Base) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue

	total := math.Min(float64(p.MaxDelay), base+jitter)
	return time.Duration(math.Round(total))
}

// Exhausted reports whether attempt consecutive failures use up the budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Schedule lists the delays for attempts 1..MaxAttempts without jitter.
// It returns nil for an unlimited policy.
func (p Policy) Schedule() []time.Duration {
	if p.MaxAttempts <= 0 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts)
	for n := 1; n <= p.MaxAttempts; n++ {
		out = append(out, p.DelayWithRand(n, 0))
	}
	return out
}
