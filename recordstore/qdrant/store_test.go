//go:build integration

package qdrant

import (
	"context"
	"os"
	"testing"

	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/schema"
)

func qdrantAddr() string {
	if v := os.Getenv("QDRANT_URL"); v != "" {
		return v
	}
	return "localhost:6334"
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(qdrantAddr())
	if err != nil {
		t.Fatalf("connect qdrant: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(id string, vec []float32, docID string) schema.Record {
	tags := schema.NewTagCollection()
	tags.Add(schema.TagDocumentID, docID)
	return schema.Record{ID: id, Vector: vec, Tags: tags, Payload: map[string]any{"content": id}}
}

func TestQdrantStore_CreateIndexIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	index := "km_test_create_index"
	t.Cleanup(func() { s.DeleteIndex(ctx, index) })

	if err := s.CreateIndex(ctx, index, 4); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := s.CreateIndex(ctx, index, 4); err != nil {
		t.Fatalf("CreateIndex (idempotent): %v", err)
	}

	names, err := s.ListIndexes(ctx)
	if err != nil {
		t.Fatalf("ListIndexes: %v", err)
	}
	found := false
	for _, n := range names {
		if n == index {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in %v", index, names)
	}
}

func TestQdrantStore_UpsertAndGetSimilar(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	index := "km_test_upsert_search"
	t.Cleanup(func() { s.DeleteIndex(ctx, index) })

	if err := s.CreateIndex(ctx, index, 4); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	recs := []schema.Record{
		rec("11111111-1111-1111-1111-111111111111", []float32{1, 0, 0, 0}, "d1"),
		rec("22222222-2222-2222-2222-222222222222", []float32{0, 1, 0, 0}, "d2"),
		rec("33333333-3333-3333-3333-333333333333", []float32{0.9, 0.1, 0, 0}, "d3"),
	}
	for _, r := range recs {
		if _, err := s.Upsert(ctx, index, r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	matches, err := s.GetSimilar(ctx, index, []float32{1, 0, 0, 0}, filter.New(), 10, 0, false)
	if err != nil {
		t.Fatalf("GetSimilar: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	if matches[0].Record.ID != recs[0].ID {
		t.Fatalf("expected closest match first, got %s", matches[0].Record.ID)
	}
}

func TestQdrantStore_DeleteByDocument(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	index := "km_test_delete_doc"
	t.Cleanup(func() { s.DeleteIndex(ctx, index) })

	if err := s.CreateIndex(ctx, index, 4); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	s.Upsert(ctx, index, rec("44444444-4444-4444-4444-444444444444", []float32{1, 0, 0, 0}, "keep"))
	s.Upsert(ctx, index, rec("55555555-5555-5555-5555-555555555555", []float32{0, 1, 0, 0}, "drop"))

	if err := s.Delete(ctx, index, filter.ByDocument("drop")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	list, err := s.GetList(ctx, index, filter.New(), 0, false)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if len(list) != 1 || list[0].Tags[schema.TagDocumentID][0] != "keep" {
		t.Fatalf("expected only the 'keep' document to remain, got %v", list)
	}
}
