package retrieval

import (
	"context"
	"testing"

	embeddingmock "github.com/kernelmemory/km/embedding/mock"
	"github.com/kernelmemory/km/filter"
	genmock "github.com/kernelmemory/km/generator/mock"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/schema"
)

func newTestStore(t *testing.T, index string, embedder *embeddingmock.Generator, docs map[string]string) *recordstore.MemoryStore {
	t.Helper()
	rs := recordstore.NewMemoryStore()
	ctx := context.Background()
	if err := rs.CreateIndex(ctx, index, embedder.Dimensions()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	for id, text := range docs {
		vectors, err := embedder.Embed(ctx, []string{text})
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		tags := schema.NewTagCollection()
		tags.Set(schema.TagDocumentID, id)
		record := schema.Record{
			ID:      id,
			Vector:  vectors[0],
			Tags:    tags,
			Payload: map[string]any{"text": text, "saved_at": "2026-07-30T00:00:00Z"},
		}
		if _, err := rs.Upsert(ctx, index, record); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	return rs
}

func TestSearch_ReturnsTopMatchByIdenticalEmbedding(t *testing.T) {
	embedder := embeddingmock.New(8)
	rs := newTestStore(t, "idx", embedder, map[string]string{
		"a": "electric cars are efficient",
		"b": "bananas are a good source of potassium",
	})

	svc := New(rs, embedder, nil, DefaultOptions(), nil)
	sources, err := svc.Search(context.Background(), "idx", "electric cars are efficient", filter.New(), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(sources) == 0 {
		t.Fatal("expected at least one source")
	}
	if sources[0].ID != "a" {
		t.Fatalf("expected top match %q, got %q", "a", sources[0].ID)
	}
	if sources[0].SavedAt == "" {
		t.Fatal("expected saved_at to be populated on the source")
	}
}

func TestSearch_ExcludesSyntheticByDefault(t *testing.T) {
	embedder := embeddingmock.New(8)
	rs := recordstore.NewMemoryStore()
	ctx := context.Background()
	if err := rs.CreateIndex(ctx, "idx", embedder.Dimensions()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	text := "a detailed summary of the document"
	vectors, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	synthTags := schema.NewTagCollection()
	synthTags.Set(schema.TagDocumentID, "doc1")
	synthTags.Add(schema.TagSynthetic, schema.SyntheticSummary)
	if _, err := rs.Upsert(ctx, "idx", schema.Record{
		ID:      "doc1:summary",
		Vector:  vectors[0],
		Tags:    synthTags,
		Payload: map[string]any{"text": text},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	svc := New(rs, embedder, nil, DefaultOptions(), nil)
	sources, err := svc.Search(ctx, "idx", text, filter.New(), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("expected synthetic summary to be excluded by default, got %d sources", len(sources))
	}

	opts := DefaultOptions()
	opts.IncludeSynthetic = true
	svc2 := New(rs, embedder, nil, opts, nil)
	sources2, err := svc2.Search(ctx, "idx", text, filter.New(), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(sources2) != 1 {
		t.Fatalf("expected synthetic summary to be included with IncludeSynthetic, got %d", len(sources2))
	}
}

func TestAsk_EmptyAnswerWhenNoMatches(t *testing.T) {
	embedder := embeddingmock.New(8)
	rs := recordstore.NewMemoryStore()
	if err := rs.CreateIndex(context.Background(), "idx", embedder.Dimensions()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	svc := New(rs, embedder, genmock.New(), DefaultOptions(), nil)
	answer, err := svc.Ask(context.Background(), "idx", "what is the capital of France?", filter.New())
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.Text != DefaultOptions().EmptyAnswer {
		t.Fatalf("expected empty-answer response, got %q", answer.Text)
	}
	if len(answer.Sources) != 0 {
		t.Fatalf("expected no sources, got %d", len(answer.Sources))
	}
}

func TestAsk_ReturnsGeneratedAnswerWithSources(t *testing.T) {
	embedder := embeddingmock.New(8)
	rs := newTestStore(t, "idx", embedder, map[string]string{
		"a": "the sky is blue because of rayleigh scattering",
	})

	svc := New(rs, embedder, genmock.New(), DefaultOptions(), nil)
	answer, err := svc.Ask(context.Background(), "idx", "the sky is blue because of rayleigh scattering", filter.New())
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.Text == "" {
		t.Fatal("expected a non-empty answer")
	}
	if len(answer.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(answer.Sources))
	}
}

func TestAsk_NoGeneratorConfiguredErrors(t *testing.T) {
	embedder := embeddingmock.New(8)
	rs := newTestStore(t, "idx", embedder, map[string]string{"a": "hello world"})

	svc := New(rs, embedder, nil, DefaultOptions(), nil)
	if _, err := svc.Ask(context.Background(), "idx", "hello world", filter.New()); err == nil {
		t.Fatal("expected error when no generator is configured")
	}
}
