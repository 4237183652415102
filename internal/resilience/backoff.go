package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff returns base doubled per attempt after the first, spread by
// +/- jitterPct of the delay (0.2 means 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// CappedBackoff is Backoff bounded above by max (when max > 0).
func CappedBackoff(base, max time.Duration, attempt int, jitterPct float64) time.Duration {
	d := Backoff(base, attempt, jitterPct)
	if max > 0 && d > max {
		return max
	}
	return d
}
