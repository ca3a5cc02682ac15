package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natslib "github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/kernelmemory/km/queue"
)

func startNATS(t *testing.T) (*natsserver.Server, *natslib.Conn) {
	t.Helper()
	opts := &natsserver.Options{Port: -1}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := natslib.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	return ns, nc
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	ns, nc := startNATS(t)
	defer ns.Shutdown()
	defer nc.Close()

	q := New(nc)
	q.ConnectTo(context.Background(), "km.test.basic")
	defer q.Dispose()

	var wg sync.WaitGroup
	wg.Add(1)
	var got queue.Message
	sub, err := q.OnDequeue(context.Background(), func(_ context.Context, msg queue.Message) error {
		got = msg
		wg.Done()
		return nil
	}, queue.DefaultDequeueOpts())
	if err != nil {
		t.Fatalf("OnDequeue: %v", err)
	}
	defer sub.Unsubscribe()

	if err := q.Enqueue(context.Background(), []byte("payload")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	if string(got.Body) != "payload" {
		t.Fatalf("expected payload, got %q", got.Body)
	}
}

func TestQueue_RetryThenPoison(t *testing.T) {
	ns, nc := startNATS(t)
	defer ns.Shutdown()
	defer nc.Close()

	q := New(nc)
	q.ConnectTo(context.Background(), "km.test.poison")
	defer q.Dispose()

	poisoned := make(chan []byte, 1)
	poisonSub, err := nc.Subscribe("km.test.poison"+queue.PoisonSuffix, func(msg *natslib.Msg) {
		poisoned <- msg.Data
	})
	if err != nil {
		t.Fatalf("subscribe poison: %v", err)
	}
	defer poisonSub.Unsubscribe()

	sub, err := q.OnDequeue(context.Background(), func(_ context.Context, _ queue.Message) error {
		return errors.New("always fails")
	}, queue.DequeueOpts{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("OnDequeue: %v", err)
	}
	defer sub.Unsubscribe()

	if err := q.Enqueue(context.Background(), []byte("doomed")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case body := <-poisoned:
		if string(body) != "doomed" {
			t.Fatalf("expected doomed payload on poison queue, got %q", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for poison-queue delivery")
	}
}
