package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/kernelmemory/km/pkg/metrics"
)

var qmet = metrics.New()

var (
	mEnqueued = qmet.Counter("km_queue_inprocess_enqueued_total", "Messages enqueued onto an in-process queue")
	mPoisoned = qmet.Counter("km_queue_inprocess_poisoned_total", "Messages that exhausted their retry budget")
	mDepth    = qmet.Gauge("km_queue_inprocess_depth", "Messages currently buffered in the in-process queue channel")
)

// InProcessQueue is a bounded in-memory Queue, the default for the
// single-process orchestrator (spec §3: "in-process: one shared queue,
// bounded worker pool"). Redelivery on handler error is immediate
// (there is no network partition to wait out), so VisibilityTimeout is
// accepted for interface parity but unused.
type InProcessQueue struct {
	name    string
	ch      chan Message
	poison  []Message
	mu      sync.Mutex
	wg      sync.WaitGroup
	closeCh chan struct{}
	once    sync.Once
}

// NewInProcessQueue creates a queue with the given channel capacity
// (spec §3's "bounded worker pool" applies to the orchestrator's
// workers, not the queue itself, but a bounded channel gives the same
// backpressure at the admission boundary).
func NewInProcessQueue(capacity int) *InProcessQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &InProcessQueue{
		ch:      make(chan Message, capacity),
		closeCh: make(chan struct{}),
	}
}

func (q *InProcessQueue) ConnectTo(_ context.Context, name string) error {
	q.name = name
	return nil
}

func (q *InProcessQueue) Enqueue(ctx context.Context, body []byte) error {
	msg := Message{ID: fmt.Sprintf("%s-%d", q.name, q.nextID()), Body: body, Attempt: 1}
	select {
	case q.ch <- msg:
		mEnqueued.Inc()
		mDepth.Set(int64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeCh:
		return fmt.Errorf("queue %s: disposed", q.name)
	}
}

var idCounter struct {
	mu sync.Mutex
	n  int64
}

func (q *InProcessQueue) nextID() int64 {
	idCounter.mu.Lock()
	defer idCounter.mu.Unlock()
	idCounter.n++
	return idCounter.n
}

func (q *InProcessQueue) OnDequeue(ctx context.Context, handler Handler, opts DequeueOpts) (Subscription, error) {
	if opts.MaxAttempts <= 0 {
		opts = DefaultDequeueOpts()
	}
	stop := make(chan struct{})
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case msg, ok := <-q.ch:
				if !ok {
					return
				}
				mDepth.Set(int64(len(q.ch)))
				if err := handler(ctx, msg); err != nil {
					msg.Attempt++
					if msg.Attempt > opts.MaxAttempts {
						q.mu.Lock()
						q.poison = append(q.poison, msg)
						q.mu.Unlock()
						mPoisoned.Inc()
						continue
					}
					// Redeliver immediately; best-effort, drops the
					// message if the channel is full.
					select {
					case q.ch <- msg:
					default:
					}
				}
			case <-ctx.Done():
				return
			case <-q.closeCh:
				return
			case <-stop:
				return
			}
		}
	}()
	return &inProcessSubscription{stop: stop}, nil
}

// Poisoned returns messages that exhausted their retry budget, for
// tests and operational inspection (the poison-queue analog of a named
// NATS subject).
func (q *InProcessQueue) Poisoned() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.poison))
	copy(out, q.poison)
	return out
}

func (q *InProcessQueue) Dispose() error {
	q.once.Do(func() { close(q.closeCh) })
	q.wg.Wait()
	return nil
}

type inProcessSubscription struct {
	stop chan struct{}
	once sync.Once
}

func (s *inProcessSubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

var _ Queue = (*InProcessQueue)(nil)

// Metrics exposes this package's registry for an operational
// metrics-snapshot endpoint.
func Metrics() *metrics.Registry { return qmet }
