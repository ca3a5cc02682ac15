package resilience

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/kernelmemory/km/internal/kmerr"
	"github.com/kernelmemory/km/pkg/fn"
)

// Limiter throttles calls to an external collaborator (embedding
// provider, chat LLM) using a token bucket from golang.org/x/time/rate.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter creates a Limiter allowing ratePerSecond calls/sec with the
// given burst capacity.
func NewLimiter(ratePerSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a call may proceed immediately, without
// consuming the token on failure.
func (l *Limiter) Allow() bool {
	return l.rl.Allow()
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// LimiterStage wraps an fn.Stage with non-blocking rate limiting: if no
// token is available the call fails immediately with a transient error
// the caller can retry later rather than piling up goroutines.
func LimiterStage[In, Out any](l *Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if !l.Allow() {
			return fn.Err[Out](kmerr.NewTransient("rate limiter", errors.New("no token available")))
		}
		return stage(ctx, in)
	}
}

// LimiterStageWait wraps an fn.Stage with blocking rate limiting,
// honoring ctx cancellation while waiting for a token.
func LimiterStageWait[In, Out any](l *Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := l.Wait(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
