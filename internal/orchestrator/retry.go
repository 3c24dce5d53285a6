package orchestrator

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// backoffPolicy computes jittered exponential delays between task attempts.
type backoffPolicy struct {
	base time.Duration
	max  time.Duration
}

func newBackoffPolicy(base, max time.Duration) backoffPolicy {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = time.Minute
	}
	return backoffPolicy{base: base, max: max}
}

// delay returns the wait before the given attempt number (1-based: the delay
// before attempt 2 uses attempt=1). The result lands in [d/2, d) for the
// capped exponential d, so synchronized retries spread out.
func (p backoffPolicy) delay(attempt int) time.Duration {
	d := float64(p.base) * math.Pow(2, float64(attempt-1))
	if d > float64(p.max) {
		d = float64(p.max)
	}
	half := time.Duration(d / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
