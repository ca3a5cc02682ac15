package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInProcessQueue_DeliversMessage(t *testing.T) {
	q := NewInProcessQueue(4)
	q.ConnectTo(context.Background(), "test.deliver")
	defer q.Dispose()

	var wg sync.WaitGroup
	wg.Add(1)
	var got Message
	sub, err := q.OnDequeue(context.Background(), func(_ context.Context, msg Message) error {
		got = msg
		wg.Done()
		return nil
	}, DefaultDequeueOpts())
	if err != nil {
		t.Fatalf("OnDequeue: %v", err)
	}
	defer sub.Unsubscribe()

	if err := q.Enqueue(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitOrTimeout(t, &wg, time.Second)
	if string(got.Body) != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", got.Body)
	}
	if got.Attempt != 1 {
		t.Fatalf("expected first attempt, got %d", got.Attempt)
	}
}

func TestInProcessQueue_RetriesThenPoisons(t *testing.T) {
	q := NewInProcessQueue(4)
	q.ConnectTo(context.Background(), "test.poison")
	defer q.Dispose()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	sub, _ := q.OnDequeue(context.Background(), func(_ context.Context, msg Message) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n >= 2 {
			close(done)
		}
		return errors.New("always fails")
	}, DequeueOpts{MaxAttempts: 2})
	defer sub.Unsubscribe()

	q.Enqueue(context.Background(), []byte("poison me"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second attempt")
	}

	// Allow the final failing attempt to be recorded as poisoned.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(q.Poisoned()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	poisoned := q.Poisoned()
	if len(poisoned) != 1 {
		t.Fatalf("expected 1 poisoned message, got %d", len(poisoned))
	}
	if poisoned[0].Attempt != 3 {
		t.Fatalf("expected poisoned message to carry attempt 3, got %d", poisoned[0].Attempt)
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handler")
	}
}
