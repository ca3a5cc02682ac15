package handler

import (
	"context"
	"fmt"

	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/schema"
)

// DeleteDocumentHandler implements "delete_document": cascade-delete
// every record tagged with this document's `__document_id`, then drop
// its artifacts from the Document Store (spec §4.2's delete_document
// row).
type DeleteDocumentHandler struct {
	Deps
}

func NewDeleteDocumentHandler(deps Deps) *DeleteDocumentHandler {
	return &DeleteDocumentHandler{Deps: deps}
}

func (h *DeleteDocumentHandler) Name() string { return schema.StepDeleteDocument }

func (h *DeleteDocumentHandler) Process(ctx context.Context, pipeline schema.PipelineState) (bool, schema.PipelineState, error) {
	if err := h.RecordStore.Delete(ctx, pipeline.Index, filter.ByDocument(pipeline.DocumentID)); err != nil {
		return false, pipeline, fmt.Errorf("delete_document: record store delete: %w", err)
	}
	if err := h.DocStore.DeleteDocument(ctx, pipeline.Index, pipeline.DocumentID); err != nil {
		return false, pipeline, fmt.Errorf("delete_document: doc store delete: %w", err)
	}
	return true, pipeline, nil
}

var _ Handler = (*DeleteDocumentHandler)(nil)

// DeleteIndexHandler implements "delete_index": drops the index
// container from both stores. Enumerating and cascade-deleting the
// index's documents is the Orchestrator's responsibility (spec §4.1's
// DeleteIndex: "enumerates documents, performs DeleteDocument for
// each"), run before this step's pipeline is dispatched.
type DeleteIndexHandler struct {
	Deps
}

func NewDeleteIndexHandler(deps Deps) *DeleteIndexHandler { return &DeleteIndexHandler{Deps: deps} }

func (h *DeleteIndexHandler) Name() string { return schema.StepDeleteIndex }

func (h *DeleteIndexHandler) Process(ctx context.Context, pipeline schema.PipelineState) (bool, schema.PipelineState, error) {
	if err := h.RecordStore.DeleteIndex(ctx, pipeline.Index); err != nil {
		return false, pipeline, fmt.Errorf("delete_index: record store delete: %w", err)
	}
	if err := h.DocStore.DeleteIndex(ctx, pipeline.Index); err != nil {
		return false, pipeline, fmt.Errorf("delete_index: doc store delete: %w", err)
	}
	return true, pipeline, nil
}

var _ Handler = (*DeleteIndexHandler)(nil)
