package dispatch

import (
	"math/rand"
	"time"

	"pushbot/internal/channel"
)

// retryDelay is the wait before the next attempt after a transient failure.
// A retry-after hint from the channel wins over the exponential schedule.
func retryDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	maxD := cfg.RetryMaxDelay
	if hint := channel.RetryAfterHint(err); hint > 0 {
		// hints are not capped by RetryMaxDelay
		return hint + jitter(hint, cfg.RetryJitter/2, rng, true)
	}

	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	d += jitter(d, cfg.RetryJitter, rng, false)
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// jitter returns a random offset within ±j*d, or [0, j*d] when onlyUp is set.
func jitter(d time.Duration, j float64, rng *rand.Rand, onlyUp bool) time.Duration {
	if j <= 0 || d <= 0 || rng == nil {
		return 0
	}
	r := rng.Float64()
	if !onlyUp {
		r = r*2 - 1
	}
	return time.Duration(float64(d) * j * r)
}
