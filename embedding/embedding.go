// Package embedding is the embedding-generator abstraction behind
// gen_embeddings/gen_embeddings_parallel (spec §4.2).
package embedding

import "context"

// Generator turns text into a vector. gen_embeddings calls Embed once
// with all of a document's chunks; gen_embeddings_parallel calls it once
// per chunk, concurrently. The two steps share one Generator
// implementation and differ only in the handler's concurrency.
type Generator interface {
	// Embed returns one vector per input text, in the same order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector size this Generator produces, used
	// by RecordStore.CreateIndex (spec §4.5).
	Dimensions() int
}
