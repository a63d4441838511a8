package resilience

import (
	"math"
	"time"
)

// Backoff computes exponential delays between attempts: Base * Factor^attempt.
type Backoff struct {
	Base   time.Duration `yaml:"base"`   // Delay after the first failed attempt
	Factor float64       `yaml:"factor"` // Multiplier per attempt, 2 when unset
	Max    time.Duration `yaml:"max"`    // Upper bound, none when zero
}

// DefaultBackoff sleeps 1s, 2s, 4s, ... between attempts.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultBackoff = Backoff{
	Base:   time.Second,
	Factor: 2.0,
}

// Delay returns the wait after the failed attempt with the given zero-based index.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2.0
	}

	// Compare as float so huge attempts saturate instead of wrapping.
	delay := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && delay >= float64(b.Max) {
		return b.Max
	}
	if math.IsNaN(delay) || delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
