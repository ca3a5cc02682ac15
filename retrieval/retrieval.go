// Package retrieval implements the Search/Ask contract (spec §4.6):
// query embedding, filtered top-k vector search, grounded prompt
// assembly within a token budget, and a text-generator call producing
// a cited answer.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kernelmemory/km/embedding"
	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/generator"
	"github.com/kernelmemory/km/pkg/fn"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/schema"
)

// Options configures Search and Ask.
type Options struct {
	TopK             int
	MinRelevance     float32
	TokenBudget      int
	Temperature      float32
	SystemPrompt     string
	SearchTimeout    time.Duration
	EmptyAnswer      string
	IncludeSynthetic bool
}

// DefaultOptions mirrors the teacher's RAG defaults, adjusted to KM's
// citation-first retrieval contract (spec's Open Question Decision #2:
// synthetic summaries are excluded from Search/Ask by default).
func DefaultOptions() Options {
	return Options{
		TopK:          5,
		MinRelevance:  0,
		TokenBudget:   3000,
		Temperature:   0.3,
		SystemPrompt:  defaultSystemPrompt,
		SearchTimeout: 5 * time.Second,
		EmptyAnswer:   "I don't have enough information to answer that question.",
	}
}

const defaultSystemPrompt = `Answer the user's question using ONLY the provided context. If the context does not contain enough information, say so. Cite sources using [source_id].`

// Source is a citation backing an Answer: one contributing partition
// with its relevance score and the time it was saved to the record
// store (spec §4.6: "each source lists the contributing partitions
// with their relevance and last-update timestamp").
type Source struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
	SavedAt    string  `json:"saved_at,omitempty"`
}

// Answer is the structured response from Ask.
type Answer struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`
}

// Service implements Search/Ask over one Record Store.
type Service struct {
	records   recordstore.RecordStore
	embedder  embedding.Generator
	generator generator.Generator
	opts      Options
	logger    *slog.Logger
}

// New builds a Service. generator may be nil if only Search is needed.
func New(records recordstore.RecordStore, embedder embedding.Generator, gen generator.Generator, opts Options, logger *slog.Logger) *Service {
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	if opts.EmptyAnswer == "" {
		opts.EmptyAnswer = DefaultOptions().EmptyAnswer
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = DefaultOptions().TokenBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{records: records, embedder: embedder, generator: gen, opts: opts, logger: logger}
}

// search embeds query and fetches up to limit matches for it within
// index, honoring f. Synthetic summary records are not removed here;
// Search drops them afterwards unless IncludeSynthetic is set.
func (s *Service) search(ctx context.Context, index, query string, f filter.Filter, limit int) ([]recordstore.Match, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	matches, err := s.records.GetSimilar(ctx, index, vectors[0], f, limit, s.opts.MinRelevance, false)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	return matches, nil
}

// dropSynthetic removes records tagged `__synthetic` from matches,
// applied after GetSimilar since the filter engine's DNF algebra cannot
// express negation (spec §4.3).
func dropSynthetic(matches []recordstore.Match) []recordstore.Match {
	out := matches[:0]
	for _, m := range matches {
		if len(m.Record.Tags[schema.TagSynthetic]) > 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Search returns up to limit matches for query within index, ordered by
// descending score (spec §4.6).
func (s *Service) Search(ctx context.Context, index, query string, f filter.Filter, limit int) ([]Source, error) {
	if limit <= 0 {
		limit = s.opts.TopK
	}

	fetchLimit := limit
	if !s.opts.IncludeSynthetic {
		// Over-fetch since synthetic summaries are dropped after the
		// store's own limit/minRelevance pruning, to still return up to
		// limit partition matches when summaries occupy top slots.
		fetchLimit = limit * 2
	}

	stage := fn.TimeoutStage(s.opts.SearchTimeout, func(ctx context.Context, _ struct{}) fn.Result[[]recordstore.Match] {
		matches, err := s.search(ctx, index, query, f, fetchLimit)
		if err != nil {
			return fn.Err[[]recordstore.Match](err)
		}
		return fn.Ok(matches)
	})

	result := stage(ctx, struct{}{})
	matches, err := result.Unwrap()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr == nil {
			// Wall-clock timeout, not caller cancellation: spec says
			// retrieval returns its empty response rather than an error.
			s.logger.Warn("retrieval: search timed out", "index", index, "err", err)
			return nil, nil
		}
		return nil, err
	}

	if !s.opts.IncludeSynthetic {
		matches = dropSynthetic(matches)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	sources := make([]Source, len(matches))
	for i, m := range matches {
		sources[i] = toSource(m)
	}
	return sources, nil
}

func toSource(m recordstore.Match) Source {
	text, _ := m.Record.Payload["text"].(string)
	savedAt, _ := m.Record.Payload["saved_at"].(string)
	docID := ""
	if ids := m.Record.Tags[schema.TagDocumentID]; len(ids) > 0 {
		docID = ids[0]
	}
	return Source{
		ID:         m.Record.ID,
		DocumentID: docID,
		Text:       text,
		Score:      m.Score,
		SavedAt:    savedAt,
	}
}

// Ask performs Search, assembles a grounded prompt from the top
// partitions within the configured token budget, calls the text
// generator, and returns {answer, sources[]}. When Search returns
// nothing, EmptyAnswer is returned verbatim with no sources (spec
// §4.6).
func (s *Service) Ask(ctx context.Context, index, question string, f filter.Filter) (*Answer, error) {
	sources, err := s.Search(ctx, index, question, f, s.opts.TopK)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return &Answer{Text: s.opts.EmptyAnswer}, nil
	}
	if s.generator == nil {
		return nil, fmt.Errorf("retrieval: ask: no generator configured")
	}

	groundingContext := buildContext(sources, s.opts.TokenBudget)

	reply, err := s.generator.Complete(ctx, []generator.Message{
		{Role: "system", Content: s.opts.SystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", groundingContext, question)},
	})
	if err != nil {
		// Retrieval errors from the external LLM surface in the answer,
		// not as an HTTP 5xx (spec's failure-propagation policy).
		s.logger.Warn("retrieval: generator call failed", "index", index, "err", err)
		return &Answer{Text: s.opts.EmptyAnswer, Sources: sources}, nil
	}

	return &Answer{Text: reply, Sources: sources}, nil
}

// buildContext formats sources into a citation-tagged context string,
// stopping once the running token estimate exceeds budget. Token count
// is approximated at 4 characters/token; Options has no setting for an
// exact tokenizer.
func buildContext(sources []Source, budget int) string {
	var b strings.Builder
	usedChars := 0
	budgetChars := budget * 4
	for _, src := range sources {
		part := fmt.Sprintf("[%s] (score: %.3f)\n%s\n\n", src.ID, src.Score, src.Text)
		if usedChars > 0 && usedChars+len(part) > budgetChars {
			break
		}
		b.WriteString(part)
		usedChars += len(part)
	}
	return b.String()
}
