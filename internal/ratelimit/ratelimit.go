// Package ratelimit fronts rate-limited external services with a
// process-wide token bucket. Callers that cannot acquire a slot within a
// short budget get ErrRateLimited back instead of blocking the pipeline.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when no slot became free within the budget.
var ErrRateLimited = errors.New("rate limited")

// Limiter wraps a token bucket with a bounded acquisition wait. A nil
// Limiter acquires immediately, so optional limiting stays one field.
type Limiter struct {
	bucket *rate.Limiter
	budget time.Duration
}

// New builds a limiter allowing rps events per second with the given
// burst; Acquire waits at most budget for a token.
func New(rps float64, burst int, budget time.Duration) *Limiter {
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(rps), burst),
		budget: budget,
	}
}

// Acquire blocks until a token is available or the budget elapses.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.budget)
	defer cancel()

	if err := l.bucket.Wait(waitCtx); err != nil {
		// Distinguish caller cancellation from an exhausted budget.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRateLimited
	}
	return nil
}
