package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoff builds the exponential schedule for one retry run: start at
// InitialInterval, grow by Multiplier up to MaxInterval, stop on ctx, the
// attempt budget, or MaxElapsedTime when one is set.
func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = p.MaxElapsedTime // zero disables the elapsed bound

	b := backoff.WithContext(exp, ctx)
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// delayAfter reports the nominal delay following the given 1-based attempt.
// Retry callbacks receive it; the live schedule adds jitter on top.
func (p Policy) delayAfter(attempt int) time.Duration {
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}
