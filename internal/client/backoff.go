package client

import (
	"math/rand"
	"time"
)

// BackoffDelay returns the wait before reconnect attempt n (1-based):
// min(base*2^(n-1), ceiling) plus jitter*r, with r in [0,1).
func BackoffDelay(attempt int, base, ceiling, jitter time.Duration, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d + time.Duration(r*float64(jitter))
}

func defaultRand() float64 { return rand.Float64() }
