package distributed

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kernelmemory/km/docstore"
	"github.com/kernelmemory/km/embedding/mock"
	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/handler"
	orch "github.com/kernelmemory/km/orchestrator"
	"github.com/kernelmemory/km/partition"
	"github.com/kernelmemory/km/queue"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/schema"
)

// inProcessQueueFactory backs every step's queue with its own
// InProcessQueue, exercising the distributed orchestrator's per-step
// enqueue/advance logic without a real broker.
func inProcessQueueFactory() QueueFactory {
	return func(step string) (queue.Queue, error) {
		return queue.NewInProcessQueue(16), nil
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *recordstore.MemoryStore) {
	t.Helper()
	ds, err := docstore.NewLocalDocStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalDocStore: %v", err)
	}
	rs := recordstore.NewMemoryStore()
	splitter, err := partition.New(50, 5)
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	deps := handler.Deps{
		DocStore:    ds,
		RecordStore: rs,
		Splitter:    splitter,
		Embedder:    mock.New(8),
	}

	o := New(ds, rs, inProcessQueueFactory(), Options{
		DequeueOpts: queue.DequeueOpts{VisibilityTimeout: time.Second, MaxAttempts: 3},
	})
	o.AddHandler("extract", handler.NewExtractHandler(deps))
	o.AddHandler("partition", handler.NewPartitionHandler(deps))
	o.AddHandler("gen_embeddings", handler.NewEmbedHandler(deps))
	o.AddHandler("save_records", handler.NewSaveRecordsHandler(deps))
	o.AddHandler("delete_document", handler.NewDeleteDocumentHandler(deps))
	o.AddHandler("delete_index", handler.NewDeleteIndexHandler(deps))
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(o.Stop)
	return o, rs
}

func waitReady(t *testing.T, o *Orchestrator, index, docID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ready, err := o.IsReady(context.Background(), index, docID)
		if err != nil {
			t.Fatalf("IsReady: %v", err)
		}
		if ready {
			return
		}
		state, _ := o.Status(context.Background(), index, docID)
		if state != nil && state.TerminalError != nil {
			t.Fatalf("pipeline failed: %s", *state.TerminalError)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for pipeline to become ready")
}

func TestDistributedOrchestrator_AdmitAdvancesThroughEveryStepQueue(t *testing.T) {
	o, rs := newTestOrchestrator(t)
	ctx := context.Background()

	content := "Alpha sentence. Beta sentence. Gamma sentence. Delta sentence."
	docID, err := o.Admit(ctx, "idx", orch.UploadRequest{
		Files: []orch.NamedFile{{Name: "doc.txt", Data: strings.NewReader(content)}},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	waitReady(t, o, "idx", docID)

	records, err := rs.GetList(ctx, "idx", filter.ByDocument(docID), 0, false)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected records to be saved")
	}
}

func TestDistributedOrchestrator_DeleteIndexCascades(t *testing.T) {
	o, rs := newTestOrchestrator(t)
	ctx := context.Background()

	docID, err := o.Admit(ctx, "idx", orch.UploadRequest{
		Files: []orch.NamedFile{{Name: "doc.txt", Data: strings.NewReader("Hello world. Another sentence.")}},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitReady(t, o, "idx", docID)

	if err := o.DeleteIndex(ctx, "idx"); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}

	if _, err := o.Status(ctx, "idx", docID); err == nil {
		t.Fatal("expected document to be gone after DeleteIndex")
	}
	records, _ := rs.GetList(ctx, "idx", filter.ByDocument(docID), 0, false)
	if len(records) != 0 {
		t.Fatalf("expected no records left, got %d", len(records))
	}
}

// alwaysTransientHandler reports a transient failure on every call,
// exercising the FailedAttempts/MaxRetries exhaustion path below without
// needing a real collaborator to misbehave.
type alwaysTransientHandler struct{ name string }

func (h alwaysTransientHandler) Name() string { return h.name }

func (h alwaysTransientHandler) Process(ctx context.Context, pipeline schema.PipelineState) (bool, schema.PipelineState, error) {
	return false, pipeline, nil
}

// waitTerminal polls Status until a TerminalError is recorded, failing
// the test if the pipeline instead becomes ready or the deadline passes.
func waitTerminal(t *testing.T, o *Orchestrator, index, docID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ready, err := o.IsReady(context.Background(), index, docID)
		if err != nil {
			t.Fatalf("IsReady: %v", err)
		}
		if ready {
			t.Fatal("expected pipeline to fail, but it became ready")
		}
		state, err := o.Status(context.Background(), index, docID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if state.TerminalError != nil {
			return *state.TerminalError
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for pipeline to reach a TerminalError")
	return ""
}

// TestDistributedOrchestrator_ExhaustedRetriesSetsTerminalError forces a
// step handler to fail on every delivery and checks that once both
// retry budgets (PipelineState.FailedAttempts against opts.MaxRetries,
// and the queue's own redelivery count against opts.DequeueOpts.MaxAttempts)
// are exhausted the pipeline is moved to Failed with a TerminalError,
// rather than being redelivered forever with no way back into
// PipelineState (spec §4.1 step 6).
func TestDistributedOrchestrator_ExhaustedRetriesSetsTerminalError(t *testing.T) {
	ds, err := docstore.NewLocalDocStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalDocStore: %v", err)
	}
	rs := recordstore.NewMemoryStore()

	o := New(ds, rs, inProcessQueueFactory(), Options{
		MaxRetries:  2,
		DequeueOpts: queue.DequeueOpts{VisibilityTimeout: 50 * time.Millisecond, MaxAttempts: 2},
	})
	o.AddHandler("extract", alwaysTransientHandler{name: "extract"})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(o.Stop)

	ctx := context.Background()
	docID, err := o.Admit(ctx, "idx", orch.UploadRequest{
		Files: []orch.NamedFile{{Name: "doc.txt", Data: strings.NewReader("Hello world.")}},
		Steps: []string{"extract"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	msg := waitTerminal(t, o, "idx", docID)
	if msg == "" {
		t.Fatal("expected a non-empty terminal error message")
	}
}
