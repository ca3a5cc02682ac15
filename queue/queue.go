// Package queue is the Queue abstraction (spec §4.4): at-least-once
// delivery, a visibility timeout between dequeue and ack/nack, and
// escalation to a poison queue after a bounded number of failed
// attempts. Both the in-process and NATS-backed implementations share
// this one interface so the orchestrator can run either without code
// changes (spec §3: in-process vs distributed orchestrator).
package queue

import (
	"context"
	"time"
)

// Message is a single queued unit of work. Attempt starts at 1 and is
// incremented by the queue implementation on every redelivery.
type Message struct {
	ID      string
	Body    []byte
	Attempt int
}

// Handler processes one message. Returning an error nacks the message
// for redelivery (until MaxAttempts, then poison-queue escalation);
// returning nil acks it.
type Handler func(ctx context.Context, msg Message) error

// Subscription is returned by OnDequeue; Unsubscribe stops delivery.
type Subscription interface {
	Unsubscribe() error
}

// Queue is the capability set a step's work queue needs: publish one
// message per step invocation (spec §4.3: "one named queue per step"
// in the distributed orchestrator, a single shared queue in-process),
// and register a handler that receives messages with at-least-once
// semantics.
type Queue interface {
	// ConnectTo binds this Queue instance to a named topic/subject
	// (e.g. "km.partition" or "km-partition"). Implementations that are
	// already topic-scoped (like a per-step in-process channel) may
	// treat this as a no-op validation.
	ConnectTo(ctx context.Context, name string) error

	// Enqueue publishes body for delivery to handlers registered via
	// OnDequeue on the same name.
	Enqueue(ctx context.Context, body []byte) error

	// OnDequeue registers handler to process messages. Delivery retries
	// a failed message until opts.MaxAttempts, at which point it is
	// routed to the poison queue instead of being redelivered again.
	OnDequeue(ctx context.Context, handler Handler, opts DequeueOpts) (Subscription, error)

	// Dispose releases all resources held by the queue (connections,
	// goroutines, channels).
	Dispose() error
}

// DequeueOpts configures redelivery behavior.
type DequeueOpts struct {
	// VisibilityTimeout bounds how long a dequeued message stays
	// invisible to other consumers before being considered abandoned
	// and redelivered.
	VisibilityTimeout time.Duration

	// MaxAttempts is the number of deliveries (including the first)
	// before a message is moved to the poison queue instead of retried
	// again (spec §4.4).
	MaxAttempts int
}

// DefaultDequeueOpts is the fallback used when MaxAttempts <= 0: three
// deliveries and a 30s visibility timeout. It is independent of the
// orchestrator's DefaultMaxRetries.
func DefaultDequeueOpts() DequeueOpts {
	return DequeueOpts{VisibilityTimeout: 30 * time.Second, MaxAttempts: 3}
}

// PoisonSuffix names the dead-letter companion of a queue: a queue
// "km.partition" escalates exhausted messages to "km.partition.poison".
const PoisonSuffix = ".poison"
