package lbx

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoffPolicy computes min(base*2^n, max) scaled by a random factor in
// [1-jitter, 1+jitter].
type backoffPolicy struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	rand   func() float64
}

func newBackoffPolicy(s Settings) backoffPolicy {
	return backoffPolicy{
		base:   s.BackoffBase,
		max:    s.BackoffMax,
		jitter: s.BackoffJitter,
		rand:   rand.Float64,
	}
}

func (b backoffPolicy) delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := math.Min(float64(b.base)*math.Pow(2, float64(retryCount)), float64(b.max))
	factor := 1 + (b.rand()*2-1)*b.jitter
	return time.Duration(d * factor)
}

// sleepContext waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
