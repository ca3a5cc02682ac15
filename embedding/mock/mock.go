// Package mock is a deterministic, dependency-free embedding.Generator
// for tests and local development without an OpenAI key.
package mock

import (
	"context"
	"hash/fnv"

	"github.com/kernelmemory/km/embedding"
)

// Generator produces deterministic pseudo-embeddings: each text hashes
// to a seed that fills a fixed-size vector, so identical input always
// produces an identical vector and similarity comparisons are stable
// across test runs.
type Generator struct {
	dims int
}

// New builds a Generator producing vectors of the given dimensionality.
func New(dims int) *Generator {
	if dims <= 0 {
		dims = 8
	}
	return &Generator{dims: dims}
}

func (g *Generator) Dimensions() int { return g.dims }

func (g *Generator) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectorFor(t, g.dims)
	}
	return out, nil
}

func vectorFor(text string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, dims)
	state := seed
	for i := range v {
		state = state*6364136223846793005 + 1442695040888963407 // LCG step
		v[i] = float32(state%1000) / 1000
	}
	return v
}

var _ embedding.Generator = (*Generator)(nil)
