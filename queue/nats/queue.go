// Package nats is the distributed Queue implementation backed by NATS
// (spec §3: "distributed: one named queue per step"), generalizing the
// retry-count-header / DLQ-subject pattern from a single hardcoded
// ingestion subject to any named queue.
package nats

import (
	"context"
	"fmt"
	"strconv"

	natslib "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/kernelmemory/km/pkg/metrics"
	"github.com/kernelmemory/km/queue"
)

const retryHeader = "X-KM-Retry-Count"

var qmet = metrics.New()

var (
	mEnqueued = func(subject string) *metrics.Counter {
		return qmet.Counter(metrics.WithLabels("km_queue_nats_enqueued_total", "subject", subject), "Messages published to a NATS step queue")
	}
	mPoisoned = func(subject string) *metrics.Counter {
		return qmet.Counter(metrics.WithLabels("km_queue_nats_poisoned_total", "subject", subject), "Messages escalated to a NATS poison subject")
	}
)

// natsHeaderCarrier adapts nats.Msg headers to the OTel TextMapCarrier
// interface so trace context survives a hop through the broker.
type natsHeaderCarrier natslib.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(natslib.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Queue is a NATS-backed queue.Queue bound to one subject (the "named
// queue per step" of the distributed orchestrator, e.g. "km-partition").
type Queue struct {
	nc      *natslib.Conn
	subject string
	sub     *natslib.Subscription
}

// New wraps an existing NATS connection. The caller owns nc's lifetime;
// Dispose only unsubscribes.
func New(nc *natslib.Conn) *Queue {
	return &Queue{nc: nc}
}

func (q *Queue) ConnectTo(_ context.Context, name string) error {
	q.subject = name
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	if q.subject == "" {
		return fmt.Errorf("queue/nats: ConnectTo must be called before Enqueue")
	}
	msg := &natslib.Msg{Subject: q.subject, Data: body}
	msg.Header = natslib.Header{}
	msg.Header.Set(retryHeader, "1")
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	if err := q.nc.PublishMsg(msg); err != nil {
		return err
	}
	mEnqueued(q.subject).Inc()
	return nil
}

func (q *Queue) OnDequeue(ctx context.Context, handler queue.Handler, opts queue.DequeueOpts) (queue.Subscription, error) {
	if q.subject == "" {
		return nil, fmt.Errorf("queue/nats: ConnectTo must be called before OnDequeue")
	}
	if opts.MaxAttempts <= 0 {
		opts = queue.DefaultDequeueOpts()
	}
	poisonSubject := q.subject + queue.PoisonSuffix

	sub, err := q.nc.Subscribe(q.subject, func(msg *natslib.Msg) {
		attempt := 1
		if v := msg.Header.Get(retryHeader); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				attempt = n
			}
		}

		msgCtx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))

		handlerErr := handler(msgCtx, queue.Message{ID: msg.Subject, Body: msg.Data, Attempt: attempt})
		if handlerErr == nil {
			if msg.Reply != "" {
				_ = msg.Ack()
			}
			return
		}

		attempt++
		if attempt > opts.MaxAttempts {
			_ = q.nc.Publish(poisonSubject, msg.Data)
			mPoisoned(q.subject).Inc()
			if msg.Reply != "" {
				_ = msg.Ack()
			}
			return
		}

		retry := natslib.NewMsg(q.subject)
		retry.Data = msg.Data
		retry.Header = natslib.Header{}
		retry.Header.Set(retryHeader, strconv.Itoa(attempt))
		_ = q.nc.PublishMsg(retry)
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("queue/nats: subscribe %s: %w", q.subject, err)
	}
	// opts.VisibilityTimeout has no NATS core analog here; a JetStream
	// pull consumer would map it onto AckWait.
	q.sub = sub
	return &subscription{sub: sub}, nil
}

func (q *Queue) Dispose() error {
	if q.sub != nil {
		return q.sub.Unsubscribe()
	}
	return nil
}

type subscription struct {
	sub *natslib.Subscription
}

func (s *subscription) Unsubscribe() error { return s.sub.Unsubscribe() }

var _ queue.Queue = (*Queue)(nil)

// Metrics exposes this package's registry for an operational
// metrics-snapshot endpoint.
func Metrics() *metrics.Registry { return qmet }
