package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/kernelmemory/km/schema"
)

// PartitionHandler implements the "partition" step: token-aware
// splitting of each extracted-text artifact into overlapping chunks,
// tagged with PartitionNumber/SectionNumber for downstream embedding
// and record-id derivation (spec §4.2's partition row).
type PartitionHandler struct {
	Deps
}

func NewPartitionHandler(deps Deps) *PartitionHandler { return &PartitionHandler{Deps: deps} }

func (h *PartitionHandler) Name() string { return schema.StepPartition }

func (h *PartitionHandler) Process(ctx context.Context, pipeline schema.PipelineState) (bool, schema.PipelineState, error) {
	for _, extracted := range pipeline.Files {
		if extracted.ArtifactType != schema.ArtifactExtracted {
			continue
		}
		sectN := 0
		if extracted.SectionNumber != nil {
			sectN = *extracted.SectionNumber
		}

		f, err := h.DocStore.ReadFile(ctx, pipeline.Index, pipeline.DocumentID, extracted.Name)
		if err != nil {
			return false, pipeline, fmt.Errorf("partition: read %s: %w", extracted.Name, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return false, pipeline, fmt.Errorf("partition: read %s: %w", extracted.Name, err)
		}

		chunks := h.Splitter.Split(string(data))
		for _, chunk := range chunks {
			if artifactExists(pipeline, schema.StepPartition, chunk.Index, sectN) {
				continue
			}
			name := fmt.Sprintf("%s.part.%d.txt", extracted.Name, chunk.Index)
			n, err := h.DocStore.WriteFile(ctx, pipeline.Index, pipeline.DocumentID, name, bytes.NewReader([]byte(chunk.Text)))
			if err != nil {
				return false, pipeline, fmt.Errorf("partition: write %s: %w", name, err)
			}
			pipeline.Files = append(pipeline.Files, schema.FileDescriptor{
				Name:            name,
				Size:            n,
				MimeType:        "text/plain",
				ArtifactType:    schema.ArtifactPartition,
				GeneratedByStep: schema.StepPartition,
				SourceFile:      extracted.Name,
				PartitionNumber: intPtr(chunk.Index),
				SectionNumber:   intPtr(sectN),
			})
		}
	}
	return true, pipeline, nil
}

var _ Handler = (*PartitionHandler)(nil)
