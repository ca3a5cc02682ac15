package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/kernelmemory/km/extract"
	"github.com/kernelmemory/km/internal/kmerr"
	"github.com/kernelmemory/km/schema"
)

// ExtractHandler implements the "extract" step: MIME-sniff every
// source file and write one extracted-text artifact per Section (spec
// §4.2's extract row).
type ExtractHandler struct {
	Deps
}

func NewExtractHandler(deps Deps) *ExtractHandler { return &ExtractHandler{Deps: deps} }

func (h *ExtractHandler) Name() string { return schema.StepExtract }

func (h *ExtractHandler) Process(ctx context.Context, pipeline schema.PipelineState) (bool, schema.PipelineState, error) {
	log := h.logger()

	for _, src := range pipeline.Files {
		if src.ArtifactType != schema.ArtifactSource {
			continue
		}

		f, err := h.DocStore.ReadFile(ctx, pipeline.Index, pipeline.DocumentID, src.Name)
		if err != nil {
			return false, pipeline, fmt.Errorf("extract: read %s: %w", src.Name, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return false, pipeline, fmt.Errorf("extract: read %s: %w", src.Name, err)
		}

		mime := src.MimeType
		if mime == "" {
			mime = extract.DetectMime(data)
		}
		extractor, err := extract.For(mime)
		if err != nil {
			// Unsupported MIME type is a non-retriable condition.
			return false, pipeline, kmerr.NewTerminal("extract", err)
		}

		sections, err := extractor.Extract(data)
		if err != nil {
			return false, pipeline, fmt.Errorf("extract: %s: %w", src.Name, err)
		}

		for _, section := range sections {
			if artifactExists(pipeline, schema.StepExtract, 0, section.Index) {
				continue // already produced by a prior, crashed attempt
			}
			name := fmt.Sprintf("%s.extract.%d.txt", src.Name, section.Index)
			n, err := h.DocStore.WriteFile(ctx, pipeline.Index, pipeline.DocumentID, name, bytes.NewReader([]byte(section.Text)))
			if err != nil {
				return false, pipeline, fmt.Errorf("extract: write %s: %w", name, err)
			}
			pipeline.Files = append(pipeline.Files, schema.FileDescriptor{
				Name:            name,
				Size:            n,
				MimeType:        "text/plain",
				ArtifactType:    schema.ArtifactExtracted,
				GeneratedByStep: schema.StepExtract,
				SourceFile:      src.Name,
				SectionNumber:   intPtr(section.Index),
			})
		}
		log.Info("extract: done", "source", src.Name, "sections", len(sections))
	}

	return true, pipeline, nil
}

var _ Handler = (*ExtractHandler)(nil)
