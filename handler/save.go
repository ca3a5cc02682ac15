package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kernelmemory/km/schema"
)

// SaveRecordsHandler implements "save_records": upsert one Record per
// embedding artifact into the Record Store, with a deterministic
// RecordID and reserved tags merged alongside the document's own tags
// (spec §4.2's save_records row).
type SaveRecordsHandler struct {
	Deps
}

func NewSaveRecordsHandler(deps Deps) *SaveRecordsHandler { return &SaveRecordsHandler{Deps: deps} }

func (h *SaveRecordsHandler) Name() string { return schema.StepSaveRecords }

func (h *SaveRecordsHandler) Process(ctx context.Context, pipeline schema.PipelineState) (bool, schema.PipelineState, error) {
	fileID := pipeline.DocumentID
	for _, fd := range pipeline.Files {
		if fd.ArtifactType != schema.ArtifactEmbedding {
			continue
		}

		f, err := h.DocStore.ReadFile(ctx, pipeline.Index, pipeline.DocumentID, fd.Name)
		if err != nil {
			return false, pipeline, fmt.Errorf("save_records: read %s: %w", fd.Name, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return false, pipeline, fmt.Errorf("save_records: read %s: %w", fd.Name, err)
		}
		var payload embeddingPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return false, pipeline, fmt.Errorf("save_records: decode %s: %w", fd.Name, err)
		}

		id := schema.RecordID(pipeline.Index, pipeline.DocumentID, fileID, payload.PartitionNumber, payload.SectionNumber)

		tags := pipeline.Tags.Clone()
		tags.Set(schema.TagDocumentID, pipeline.DocumentID)
		tags.Set(schema.TagFileID, fileID)
		tags.Add(schema.TagPartN, fmt.Sprintf("%d", payload.PartitionNumber))
		tags.Add(schema.TagSectN, fmt.Sprintf("%d", payload.SectionNumber))

		record := schema.Record{
			ID:     id,
			Vector: payload.Vector,
			Tags:   tags,
			Payload: map[string]any{
				"text":        payload.Text,
				"source_file": payload.SourceFile,
				"saved_at":    time.Now().UTC().Format(time.RFC3339),
			},
		}
		if _, err := h.RecordStore.Upsert(ctx, pipeline.Index, record); err != nil {
			return false, pipeline, fmt.Errorf("save_records: upsert %s: %w", id, err)
		}
	}
	return true, pipeline, nil
}

var _ Handler = (*SaveRecordsHandler)(nil)
