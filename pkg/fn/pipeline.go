package fn

import (
	"context"
	"time"
)

// Stage is a function that transforms In to Out within a context. The
// resilience package wraps a Stage with BreakerStage/LimiterStage
// without caring what domain type it carries, which is the only reason
// this stays generic rather than being folded into a concrete
// pipeline-step signature.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// TimeoutStage bounds a stage to d; on expiry the returned Result carries
// ctx's deadline-exceeded error instead of blocking the caller forever.
// Used by retrieval's separate wall-clock timeout (spec §5): on timeout it
// returns the configured empty-answer response rather than propagating
// the error to the client.
func TimeoutStage[In, Out any](d time.Duration, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan Result[Out], 1)
		go func() { done <- stage(ctx, in) }()

		select {
		case r := <-done:
			return r
		case <-ctx.Done():
			return Err[Out](ctx.Err())
		}
	}
}
