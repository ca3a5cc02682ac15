// Package recordstore implements the Record Store abstraction (spec
// §4.5): per-index vector + tag storage with DNF filter evaluation.
package recordstore

import (
	"context"

	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/schema"
)

// Match pairs a Record with its similarity score in [0,1], 1.0 identical.
type Match struct {
	Record schema.Record
	Score  float32
}

// RecordStore is the Record Store's capability set (spec §9: "record
// store = {create/list/delete index, upsert, similar, list, delete}").
type RecordStore interface {
	CreateIndex(ctx context.Context, index string, vectorSize int) error
	ListIndexes(ctx context.Context) ([]string, error)
	DeleteIndex(ctx context.Context, index string) error

	// Upsert persists a record, returning its id. Because record ids are
	// a pure function of content (schema.RecordID), concurrent upserts of
	// the same id are last-writer-wins and safe (spec §5).
	Upsert(ctx context.Context, index string, record schema.Record) (string, error)

	// GetSimilar returns up to limit matches with score >= minRelevance,
	// ordered by descending score (spec §4.5). MemoryStore breaks ties by
	// ascending record id; the Qdrant store keeps the server's order. For
	// limit<=0, MemoryStore returns every match and the Qdrant store at
	// most 100.
	GetSimilar(ctx context.Context, index string, queryVector []float32, f filter.Filter, limit int, minRelevance float32, withEmbeddings bool) ([]Match, error)

	// GetList returns every record matching f. limit<=0 means "no limit".
	GetList(ctx context.Context, index string, f filter.Filter, limit int, withEmbeddings bool) ([]schema.Record, error)

	// Delete removes records matching f from index.
	Delete(ctx context.Context, index string, f filter.Filter) error
}
