package recordstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/schema"
)

// ErrIndexNotFound is returned by operations on an index that was never
// created.
var ErrIndexNotFound = errors.New("index not found")

// MemoryStore is an in-memory RecordStore keyed by index name, used as
// the dependency-free default and in tests. Cosine similarity is
// computed the naive way (no ANN index), mirroring the pack's
// SimpleVectorStore, generalized from a single flat node map to one map
// per index plus DNF tag-filter evaluation instead of single-key
// equality filters.
type MemoryStore struct {
	mu      sync.RWMutex
	indexes map[string]map[string]schema.Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{indexes: make(map[string]map[string]schema.Record)}
}

func (s *MemoryStore) CreateIndex(_ context.Context, index string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[index]; !ok {
		s.indexes[index] = make(map[string]schema.Record)
	}
	return nil
}

func (s *MemoryStore) ListIndexes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.indexes))
	for name := range s.indexes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) DeleteIndex(_ context.Context, index string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indexes, index)
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, index string, record schema.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.indexes[index]
	if !ok {
		recs = make(map[string]schema.Record)
		s.indexes[index] = recs
	}
	recs[record.ID] = record
	return record.ID, nil
}

func (s *MemoryStore) GetSimilar(_ context.Context, index string, queryVector []float32, f filter.Filter, limit int, minRelevance float32, withEmbeddings bool) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.indexes[index]
	if !ok {
		return nil, nil
	}
	if limit <= 0 {
		limit = len(recs)
	}

	var matches []Match
	for _, r := range recs {
		if !f.Match(r.Tags) {
			continue
		}
		score := cosineSimilarity(queryVector, r.Vector)
		if score < minRelevance {
			continue
		}
		if !withEmbeddings {
			r = stripVector(r)
		}
		matches = append(matches, Match{Record: r, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.ID < matches[j].Record.ID // deterministic tie-break
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStore) GetList(_ context.Context, index string, f filter.Filter, limit int, withEmbeddings bool) ([]schema.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.indexes[index]
	if !ok {
		return nil, nil
	}

	var out []schema.Record
	for _, r := range recs {
		if !f.Match(r.Tags) {
			continue
		}
		if !withEmbeddings {
			r = stripVector(r)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, index string, f filter.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, ok := s.indexes[index]
	if !ok {
		return nil
	}
	for id, r := range recs {
		if f.Match(r.Tags) {
			delete(recs, id)
		}
	}
	return nil
}

func stripVector(r schema.Record) schema.Record {
	r.Vector = nil
	return r
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Normalize [-1,1] -> [0,1] so 1.0 means identical (spec §4.5).
	return float32((cos + 1) / 2)
}

var _ RecordStore = (*MemoryStore)(nil)
