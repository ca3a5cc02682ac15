package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kernelmemory/km/pkg/fn"
	"github.com/kernelmemory/km/schema"
)

// embeddingPayload is the on-disk shape of an embedding artifact:
// vector plus enough provenance to rebuild the Record in save_records
// without re-reading the partition text.
type embeddingPayload struct {
	Vector          []float32 `json:"vector"`
	PartitionNumber int       `json:"part_n"`
	SectionNumber   int       `json:"sect_n"`
	SourceFile      string    `json:"source_file"`
	Text            string    `json:"text"`
}

// EmbedHandler implements "gen_embeddings": batched calls to the
// embedding generator over every partition artifact (spec §4.2).
type EmbedHandler struct {
	Deps
	// Parallel fans partitions out across goroutines instead of a
	// single batched call, backing the gen_embeddings_parallel variant
	// (spec §4.2: "a gen_embeddings_parallel variant fans out across
	// partitions").
	Parallel bool
	Workers  int
}

func NewEmbedHandler(deps Deps) *EmbedHandler {
	return &EmbedHandler{Deps: deps}
}

// NewParallelEmbedHandler builds the gen_embeddings_parallel variant.
func NewParallelEmbedHandler(deps Deps, workers int) *EmbedHandler {
	if workers <= 0 {
		workers = 4
	}
	return &EmbedHandler{Deps: deps, Parallel: true, Workers: workers}
}

func (h *EmbedHandler) Name() string {
	if h.Parallel {
		return schema.StepGenEmbeddingsParallel
	}
	return schema.StepGenEmbeddings
}

func (h *EmbedHandler) Process(ctx context.Context, pipeline schema.PipelineState) (bool, schema.PipelineState, error) {
	type pending struct {
		file schema.FileDescriptor
		text string
	}

	var todo []pending
	for _, part := range pipeline.Files {
		if part.ArtifactType != schema.ArtifactPartition {
			continue
		}
		partN, sectN := 0, 0
		if part.PartitionNumber != nil {
			partN = *part.PartitionNumber
		}
		if part.SectionNumber != nil {
			sectN = *part.SectionNumber
		}
		if artifactExists(pipeline, h.Name(), partN, sectN) {
			continue
		}
		f, err := h.DocStore.ReadFile(ctx, pipeline.Index, pipeline.DocumentID, part.Name)
		if err != nil {
			return false, pipeline, fmt.Errorf("%s: read %s: %w", h.Name(), part.Name, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return false, pipeline, fmt.Errorf("%s: read %s: %w", h.Name(), part.Name, err)
		}
		todo = append(todo, pending{file: part, text: string(data)})
	}
	if len(todo) == 0 {
		return true, pipeline, nil
	}

	var vectors [][]float32
	if h.Parallel {
		results := fn.ParMapResult(todo, h.Workers, func(p pending) fn.Result[[]float32] {
			vecs, err := h.Embedder.Embed(ctx, []string{p.text})
			if err != nil {
				return fn.Err[[]float32](err)
			}
			return fn.Ok(vecs[0])
		})
		vectors = make([][]float32, len(results))
		for i, r := range results {
			if r.IsErr() {
				_, err := r.Unwrap()
				return false, pipeline, fmt.Errorf("%s: embed: %w", h.Name(), err)
			}
			v, _ := r.Unwrap()
			vectors[i] = v
		}
	} else {
		texts := make([]string, len(todo))
		for i, p := range todo {
			texts[i] = p.text
		}
		var err error
		vectors, err = h.Embedder.Embed(ctx, texts)
		if err != nil {
			return false, pipeline, fmt.Errorf("%s: embed batch: %w", h.Name(), err)
		}
	}

	for i, p := range todo {
		partN, sectN := 0, 0
		if p.file.PartitionNumber != nil {
			partN = *p.file.PartitionNumber
		}
		if p.file.SectionNumber != nil {
			sectN = *p.file.SectionNumber
		}
		payload := embeddingPayload{
			Vector:          vectors[i],
			PartitionNumber: partN,
			SectionNumber:   sectN,
			SourceFile:      p.file.SourceFile,
			Text:            p.text,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return false, pipeline, fmt.Errorf("%s: marshal embedding: %w", h.Name(), err)
		}
		name := fmt.Sprintf("%s.embed.json", p.file.Name)
		n, err := h.DocStore.WriteFile(ctx, pipeline.Index, pipeline.DocumentID, name, bytes.NewReader(data))
		if err != nil {
			return false, pipeline, fmt.Errorf("%s: write %s: %w", h.Name(), name, err)
		}
		pipeline.Files = append(pipeline.Files, schema.FileDescriptor{
			Name:            name,
			Size:            n,
			MimeType:        "application/json",
			ArtifactType:    schema.ArtifactEmbedding,
			GeneratedByStep: h.Name(),
			SourceFile:      p.file.Name,
			PartitionNumber: intPtr(partN),
			SectionNumber:   intPtr(sectN),
		})
	}

	return true, pipeline, nil
}

var _ Handler = (*EmbedHandler)(nil)
