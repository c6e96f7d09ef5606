package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before reconnection attempt n (1-based). Jitter
// scales the delay into [0.5, 1.5) of its base and never past MaxDelay.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := max(b.Multiplier, 1.0)
	d := float64(b.InitialDelay) * math.Pow(mult, float64(max(n, 1)-1))
	if b.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	if b.MaxDelay > 0 {
		d = min(d, float64(b.MaxDelay))
	}
	return time.Duration(d)
}
