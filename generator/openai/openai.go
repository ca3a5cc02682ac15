// Package openai is the OpenAI-backed generator.Generator, grounded on
// the pack's OpenAILLM chat-completion wrapper.
package openai

import (
	"context"
	"fmt"

	api "github.com/sashabaranov/go-openai"

	"github.com/kernelmemory/km/generator"
	"github.com/kernelmemory/km/internal/resilience"
	"github.com/kernelmemory/km/pkg/fn"
)

// Generator calls the OpenAI chat completions endpoint, guarded by a
// circuit breaker and a token-bucket rate limiter (the same pattern
// embedding/openai uses) so a struggling chat LLM fails fast rather
// than backing up the retrieval path.
type Generator struct {
	client  *api.Client
	model   string
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

// New builds a Generator. An empty model defaults to gpt-3.5-turbo,
// matching the pack's own default.
func New(apiKey, model string, opts ...Option) *Generator {
	if model == "" {
		model = api.GPT3Dot5Turbo
	}
	g := &Generator{
		client:  api.NewClient(apiKey),
		model:   model,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		limiter: resilience.NewLimiter(10, 20),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Complete(ctx context.Context, messages []generator.Message) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("generator/openai: rate limit: %w", err)
	}
	msgs := make([]api.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = api.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	result := resilience.CallResult(g.breaker, ctx, func(ctx context.Context) fn.Result[*api.ChatCompletionResponse] {
		resp, err := g.client.CreateChatCompletion(ctx, api.ChatCompletionRequest{
			Model:    g.model,
			Messages: msgs,
		})
		return fn.FromPair(&resp, err)
	})
	resp, err := result.Unwrap()
	if err != nil {
		return "", fmt.Errorf("generator/openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generator/openai: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ generator.Generator = (*Generator)(nil)
