package inprocess

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
	"github.com/kernelmemory/km/recordstore"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, handler.Deps, *recordstore.MemoryStore) {
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

	o := New(ds, rs, Options{Workers: 2, QueueCapacity: 16, MaxRetries: 3})
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
	return o, deps, rs
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

func TestOrchestrator_AdmitRunsChainToCompletion(t *testing.T) {
	o, _, rs := newTestOrchestrator(t)
	ctx := context.Background()

	content := "One sentence here. Two sentence here. Three sentence here. Four sentence here."
	docID, err := o.Admit(ctx, "My Index", orch.UploadRequest{
		Files: []orch.NamedFile{{Name: "doc.txt", Data: strings.NewReader(content)}},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	waitReady(t, o, "My Index", docID)

	records, err := rs.GetList(ctx, "my-index", filter.ByDocument(docID), 0, false)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected records to be saved")
	}
}

func TestOrchestrator_DeleteDocumentCascades(t *testing.T) {
	o, _, rs := newTestOrchestrator(t)
	ctx := context.Background()

	docID, err := o.Admit(ctx, "idx", orch.UploadRequest{
		Files: []orch.NamedFile{{Name: "a.txt", Data: strings.NewReader("Hello world. Another sentence follows.")}},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitReady(t, o, "idx", docID)

	if err := o.DeleteDocument(ctx, "idx", docID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	if _, err := o.Status(ctx, "idx", docID); err == nil {
		t.Fatal("expected status to report not found after deletion")
	}
	records, _ := rs.GetList(ctx, "idx", filter.ByDocument(docID), 0, false)
	if len(records) != 0 {
		t.Fatalf("expected no records after delete, got %d", len(records))
	}
}

func TestOrchestrator_AddHandlerAfterStartFails(t *testing.T) {
	o, deps, _ := newTestOrchestrator(t)
	if err := o.AddHandler("summarize", handler.NewSummarizeHandler(deps)); err == nil {
		t.Fatal("expected AddHandler to fail once registry is sealed")
	}
}

func TestOrchestrator_NormalizeIndexName(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	docID, err := o.Admit(ctx, "", orch.UploadRequest{
		Files: []orch.NamedFile{{Name: "a.txt", Data: strings.NewReader("Hi there. Second sentence.")}},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitReady(t, o, "", docID)
	if _, err := o.Status(ctx, orch.DefaultIndex, docID); err != nil {
		t.Fatalf("expected document under normalized default index: %v", err)
	}
}
