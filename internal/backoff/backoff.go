// Package backoff provides the capped exponential delay policy shared by
// the job queue's retry path and the observer client's reconnect loop.
package backoff

import "time"

// Default policy values. The base matches the queue's default retry cadence
// (2s, 4s, 8s, ...).
const (
	DefaultBase   = 2 * time.Second
	DefaultFactor = 2.0
	DefaultMax    = 5 * time.Minute
)

// Policy computes the delay before a retry attempt. Attempt numbering is
// one-based: Delay(1) is the pause after the first failure.
type Policy struct {
	// Base is the delay after the first failure.
	Base time.Duration

	// Factor is the multiplier applied per subsequent attempt.
	Factor float64

	// Max caps the computed delay. Zero means DefaultMax.
	Max time.Duration
}

// Default returns the standard exponential policy.
func Default() Policy {
	return Policy{Base: DefaultBase, Factor: DefaultFactor, Max: DefaultMax}
}

// Delay returns the pause before the given one-based attempt. Attempts less
// than one yield zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	factor := p.Factor
	if factor < 1 {
		factor = DefaultFactor
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}

	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
