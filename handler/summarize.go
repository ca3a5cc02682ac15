package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kernelmemory/km/generator"
	"github.com/kernelmemory/km/schema"
)

const summarizePrompt = "Summarize the following document in a few sentences, preserving the key facts:\n\n%s"

// SummarizeHandler implements the optional "summarize" step: one
// synthetic record per document, tagged `__synthetic=summary` so
// retrieval can exclude it from normal search by default (spec §4.2).
type SummarizeHandler struct {
	Deps
}

func NewSummarizeHandler(deps Deps) *SummarizeHandler { return &SummarizeHandler{Deps: deps} }

func (h *SummarizeHandler) Name() string { return schema.StepSummarize }

func (h *SummarizeHandler) Process(ctx context.Context, pipeline schema.PipelineState) (bool, schema.PipelineState, error) {
	if artifactExists(pipeline, schema.StepSummarize, 0, 0) {
		return true, pipeline, nil
	}

	var text strings.Builder
	for _, fd := range pipeline.Files {
		if fd.ArtifactType != schema.ArtifactExtracted {
			continue
		}
		f, err := h.DocStore.ReadFile(ctx, pipeline.Index, pipeline.DocumentID, fd.Name)
		if err != nil {
			return false, pipeline, fmt.Errorf("summarize: read %s: %w", fd.Name, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return false, pipeline, fmt.Errorf("summarize: read %s: %w", fd.Name, err)
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.Write(data)
	}
	if text.Len() == 0 {
		return true, pipeline, nil
	}

	summary, err := h.Generator.Complete(ctx, []generator.Message{
		{Role: "user", Content: fmt.Sprintf(summarizePrompt, text.String())},
	})
	if err != nil {
		return false, pipeline, fmt.Errorf("summarize: complete: %w", err)
	}

	name := pipeline.DocumentID + ".summary.txt"
	n, err := h.DocStore.WriteFile(ctx, pipeline.Index, pipeline.DocumentID, name, bytes.NewReader([]byte(summary)))
	if err != nil {
		return false, pipeline, fmt.Errorf("summarize: write artifact: %w", err)
	}
	pipeline.Files = append(pipeline.Files, schema.FileDescriptor{
		Name:            name,
		Size:            n,
		MimeType:        "text/plain",
		ArtifactType:    schema.ArtifactSynthetic,
		GeneratedByStep: schema.StepSummarize,
	})

	vectors, err := h.Embedder.Embed(ctx, []string{summary})
	if err != nil {
		return false, pipeline, fmt.Errorf("summarize: embed: %w", err)
	}

	tags := pipeline.Tags.Clone()
	tags.Set(schema.TagDocumentID, pipeline.DocumentID)
	tags.Set(schema.TagFileID, pipeline.DocumentID)
	tags.Add(schema.TagSynthetic, schema.SyntheticSummary)

	id := schema.RecordID(pipeline.Index, pipeline.DocumentID, pipeline.DocumentID, 0, 0) + ":summary"
	record := schema.Record{
		ID:      id,
		Vector:  vectors[0],
		Tags:    tags,
		Payload: map[string]any{"text": summary},
	}
	if _, err := h.RecordStore.Upsert(ctx, pipeline.Index, record); err != nil {
		return false, pipeline, fmt.Errorf("summarize: upsert record: %w", err)
	}

	return true, pipeline, nil
}

var _ Handler = (*SummarizeHandler)(nil)
