package handler

import (
	"context"
	"strings"
	"testing"

	"github.com/kernelmemory/km/docstore"
	"github.com/kernelmemory/km/embedding/mock"
	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/partition"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/schema"
)

func newTestDeps(t *testing.T) Deps {
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
	return Deps{
		DocStore:    ds,
		RecordStore: rs,
		Splitter:    splitter,
		Embedder:    mock.New(8),
	}
}

func newPipeline(index, docID string) schema.PipelineState {
	return schema.PipelineState{
		Index:      index,
		DocumentID: docID,
		Tags:       schema.NewTagCollection(),
	}
}

func TestStandardChain_ExtractPartitionEmbedSave(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	deps.DocStore.CreateIndex(ctx, "default")
	deps.RecordStore.CreateIndex(ctx, "default", 8)
	deps.DocStore.CreateDocument(ctx, "default", "doc1")

	content := "Alpha sentence here. Bravo sentence here. Charlie sentence here. Delta sentence here. Echo sentence here."
	if _, err := deps.DocStore.WriteFile(ctx, "default", "doc1", "source.txt", strings.NewReader(content)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pipeline := newPipeline("default", "doc1")
	pipeline.Files = []schema.FileDescriptor{
		{Name: "source.txt", ArtifactType: schema.ArtifactSource, MimeType: "text/plain"},
	}

	extractHandler := NewExtractHandler(deps)
	ok, pipeline, err := extractHandler.Process(ctx, pipeline)
	if err != nil || !ok {
		t.Fatalf("extract: ok=%v err=%v", ok, err)
	}
	extractedCount := countArtifacts(pipeline, schema.ArtifactExtracted)
	if extractedCount == 0 {
		t.Fatal("expected at least one extracted artifact")
	}

	partitionHandler := NewPartitionHandler(deps)
	ok, pipeline, err = partitionHandler.Process(ctx, pipeline)
	if err != nil || !ok {
		t.Fatalf("partition: ok=%v err=%v", ok, err)
	}
	if countArtifacts(pipeline, schema.ArtifactPartition) == 0 {
		t.Fatal("expected at least one partition artifact")
	}

	embedHandler := NewEmbedHandler(deps)
	ok, pipeline, err = embedHandler.Process(ctx, pipeline)
	if err != nil || !ok {
		t.Fatalf("gen_embeddings: ok=%v err=%v", ok, err)
	}
	embeddingCount := countArtifacts(pipeline, schema.ArtifactEmbedding)
	if embeddingCount != countArtifacts(pipeline, schema.ArtifactPartition) {
		t.Fatalf("expected one embedding per partition, got %d embeddings for %d partitions",
			embeddingCount, countArtifacts(pipeline, schema.ArtifactPartition))
	}

	saveHandler := NewSaveRecordsHandler(deps)
	ok, pipeline, err = saveHandler.Process(ctx, pipeline)
	if err != nil || !ok {
		t.Fatalf("save_records: ok=%v err=%v", ok, err)
	}

	records, err := deps.RecordStore.GetList(ctx, "default", filter.ByDocument("doc1"), 0, false)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if len(records) != embeddingCount {
		t.Fatalf("expected %d records, got %d", embeddingCount, len(records))
	}

	// Re-running extract/partition/embed must be a no-op thanks to the
	// FileDescriptor back-reference idempotence check.
	beforeFiles := len(pipeline.Files)
	if _, pipeline, err = extractHandler.Process(ctx, pipeline); err != nil {
		t.Fatalf("re-extract: %v", err)
	}
	if _, pipeline, err = partitionHandler.Process(ctx, pipeline); err != nil {
		t.Fatalf("re-partition: %v", err)
	}
	if _, pipeline, err = embedHandler.Process(ctx, pipeline); err != nil {
		t.Fatalf("re-embed: %v", err)
	}
	if len(pipeline.Files) != beforeFiles {
		t.Fatalf("expected idempotent re-run to add no files, went from %d to %d", beforeFiles, len(pipeline.Files))
	}
}

func TestDeleteDocumentHandler_CascadesRecordDeletion(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	deps.DocStore.CreateIndex(ctx, "default")
	deps.RecordStore.CreateIndex(ctx, "default", 8)
	deps.DocStore.CreateDocument(ctx, "default", "doc1")

	tags := schema.NewTagCollection()
	tags.Add(schema.TagDocumentID, "doc1")
	deps.RecordStore.Upsert(ctx, "default", schema.Record{ID: "r1", Vector: []float32{1, 0}, Tags: tags})

	pipeline := newPipeline("default", "doc1")
	h := NewDeleteDocumentHandler(deps)
	ok, _, err := h.Process(ctx, pipeline)
	if err != nil || !ok {
		t.Fatalf("delete_document: ok=%v err=%v", ok, err)
	}

	records, _ := deps.RecordStore.GetList(ctx, "default", filter.ByDocument("doc1"), 0, false)
	if len(records) != 0 {
		t.Fatalf("expected cascade deletion of records, got %d remaining", len(records))
	}
	exists, _ := deps.DocStore.Exists(ctx, "default", "doc1")
	if exists {
		t.Fatal("expected document to be removed from doc store")
	}
}

func countArtifacts(p schema.PipelineState, t schema.ArtifactType) int {
	n := 0
	for _, f := range p.Files {
		if f.ArtifactType == t {
			n++
		}
	}
	return n
}
