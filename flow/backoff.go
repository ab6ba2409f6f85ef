package flow

import (
	"context"
	"math/rand"
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// backoffDelay computes the wait before retry attempt n (0-based) using
// full jitter: uniform over (0, min(cap, base*2^n)].
func backoffDelay(rng *rand.Rand, attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return time.Duration(rng.Int63n(int64(d))) + 1
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
