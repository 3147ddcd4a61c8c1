package retry

import (
	"errors"
	"math"
	"time"
)

// Backoff computes the delay before the next retry of a failed delivery.
//
// Delay(n) = min(Initial * Factor^(n-1), Max), where n is the number of
// failed attempts so far. Delays never decrease as n grows and never
// exceed Max.
type Backoff struct {
	// Initial is the delay after the first failure.
	// Default: 100ms
	Initial time.Duration

	// Max caps the delay. Values below Initial are raised to Initial.
	// Default: 30s
	Max time.Duration

	// Factor multiplies the delay after each failure. Values below 1 are
	// treated as 1.
	// Default: 2.0
	Factor float64
}

// DefaultBackoff is the backoff policy used when none is configured.
var DefaultBackoff = Backoff{
	Initial: 100 * time.Millisecond,
	Max:     30 * time.Second,
	Factor:  2.0,
}

// Validate checks that the policy can produce delays.
func (b Backoff) Validate() error {
	if b.Initial <= 0 {
		return errors.New("backoff initial delay must be positive")
	}
	if b.Max <= 0 {
		return errors.New("backoff max delay must be positive")
	}
	if math.IsNaN(b.Factor) || b.Factor <= 0 {
		return errors.New("backoff factor must be positive")
	}
	return nil
}

// normalized applies the clamps that keep delays monotone and capped.
func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if math.IsNaN(b.Factor) || b.Factor < 1 {
		b.Factor = 1
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Delay returns the wait after the given number of failed attempts.
// Attempts below 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1))
	if math.IsInf(d, 0) || d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
