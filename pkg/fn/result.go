// Package fn holds the small generic helpers shared by the orchestrator,
// the retrieval pipeline, and the collaborator clients (embedder,
// generator, record store): a Result[T] for carrying either a value or
// an error through code that can't just return (T, error) because it's
// passed around as a closure, a bounded parallel map for embedding
// batches, a backoff retry loop, and a context-bounded stage wrapper for
// retrieval's wall-clock timeout.
package fn

import "fmt"

// Result[T] carries either a successful value or an error, for code
// paths — closures handed to resilience.CallResult, fn.Retry,
// fn.ParMapResult — that need to move a (T, error) pair through a
// function signature that only returns one value.
type Result[T any] struct {
	val T
	err error
	ok  bool
}

// Ok creates a successful Result.
func Ok[T any](v T) Result[T] {
	return Result[T]{val: v, ok: true}
}

// Err creates a failed Result from an error.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// Errf creates a failed Result from a formatted string, for the
// handler and orchestrator call sites that synthesize their own
// transient-failure reason rather than wrapping a collaborator error.
func Errf[T any](format string, args ...any) Result[T] {
	return Result[T]{err: fmt.Errorf(format, args...)}
}

// IsOk returns true if the result is successful.
func (r Result[T]) IsOk() bool { return r.ok }

// IsErr returns true if the result is an error.
func (r Result[T]) IsErr() bool { return !r.ok }

// Unwrap returns the value and error, mirroring the (T, error) shape
// every Go caller expects once the Result has crossed back out of the
// closure it was built for.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// FromPair lifts a (value, error) pair — the return shape of every
// collaborator SDK call (OpenAI's client, Qdrant's client) — into a
// Result so it can flow through resilience.CallResult's breaker and
// rate-limiter wrapping.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}
