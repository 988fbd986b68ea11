// Package backoff provides exponential backoff with jitter for the outbound
// requests a call makes: agent dials and call-control REST calls.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// Compute returns the delay to wait after the given attempt (1-indexed).
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with a caller-supplied random value in [0, 1).
// base = initial * factor^(attempt-1); delay = min(max, base + base*jitter*r).
func ComputeWithRand(p Policy, attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// DialPolicy is used when (re)connecting to the voice agent endpoint. Delays
// stay short because the caller is on the line waiting.
func DialPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     1 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// CallControlPolicy is used for telephony REST requests.
func CallControlPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     4 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}
