package deduction

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes jittered exponential retry delays.
// Delay = min(Max, Base * 2^attempt) + uniform(0, attempt * Jitter).
// The jitter term spreads retry storms; Max caps unbounded growth.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// DefaultBackoff returns the backoff used by the deduction queue:
// 5s base doubling per attempt, capped at 300s, with 1s of jitter per attempt.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   5 * time.Second,
		Max:    300 * time.Second,
		Jitter: time.Second,
	}
}

// Delay returns how long to wait before retry attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Max > 0 && base > float64(b.Max) {
		base = float64(b.Max)
	}

	jitter := rand.Float64() * float64(attempt) * float64(b.Jitter)
	return time.Duration(base + jitter)
}
