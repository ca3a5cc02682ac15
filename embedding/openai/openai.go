// Package openai is the OpenAI-backed embedding.Generator, grounded on
// the pack's OpenAIEmbedding client wrapper.
package openai

import (
	"context"
	"fmt"

	api "github.com/sashabaranov/go-openai"

	"github.com/kernelmemory/km/embedding"
	"github.com/kernelmemory/km/internal/resilience"
	"github.com/kernelmemory/km/pkg/fn"
)

var dimensionsByModel = map[api.EmbeddingModel]int{
	api.SmallEmbedding3: 1536,
	api.LargeEmbedding3: 3072,
	api.AdaEmbeddingV2:  1536,
}

// Generator calls the OpenAI embeddings endpoint, guarded by a circuit
// breaker and a token-bucket rate limiter so a flaky or throttled
// provider degrades into fast, classifiable errors instead of stalling
// the orchestrator's worker pool.
type Generator struct {
	client  *api.Client
	model   api.EmbeddingModel
	dims    int
	breaker *resilience.Breaker
	limiter *resilience.Limiter
}

// Option customizes a Generator's resilience settings.
type Option func(*Generator)

// WithBreakerOpts overrides the circuit breaker's defaults.
func WithBreakerOpts(opts resilience.BreakerOpts) Option {
	return func(g *Generator) { g.breaker = resilience.NewBreaker(opts) }
}

// WithRateLimit overrides the token bucket's defaults.
func WithRateLimit(ratePerSecond float64, burst int) Option {
	return func(g *Generator) { g.limiter = resilience.NewLimiter(ratePerSecond, burst) }
}

// New builds a Generator. An empty model defaults to
// text-embedding-3-small, matching the pack's own default.
func New(apiKey, model string, opts ...Option) *Generator {
	m := api.SmallEmbedding3
	if model != "" {
		m = api.EmbeddingModel(model)
	}
	g := &Generator{
		client:  api.NewClient(apiKey),
		model:   m,
		dims:    dimensionsByModel[m],
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		limiter: resilience.NewLimiter(10, 20),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Dimensions() int { return g.dims }

func (g *Generator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding/openai: rate limit: %w", err)
	}
	result := resilience.CallResult(g.breaker, ctx, func(ctx context.Context) fn.Result[*api.EmbeddingResponse] {
		resp, err := g.client.CreateEmbeddings(ctx, api.EmbeddingRequest{
			Input: texts,
			Model: g.model,
		})
		return fn.FromPair(&resp, err)
	})
	resp, err := result.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("embedding/openai: create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding/openai: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

var _ embedding.Generator = (*Generator)(nil)
