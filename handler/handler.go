// Package handler implements the Handler contract (spec §4.2) and the
// standard handler chain: extract, partition, gen_embeddings[_parallel],
// save_records, summarize, delete_document, delete_index.
package handler

import (
	"context"
	"log/slog"

	"github.com/kernelmemory/km/docstore"
	"github.com/kernelmemory/km/embedding"
	"github.com/kernelmemory/km/generator"
	"github.com/kernelmemory/km/partition"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/schema"
)

// Handler is a named pipeline step. Process must not mutate
// pipeline.CompletedSteps, pipeline.Steps, or pipeline.Tags — those
// fields belong to the orchestrator (spec §4.2). ok=false signals a
// transient failure eligible for retry; a non-nil err wrapping
// kmerr.TerminalErr signals a non-retriable condition (e.g. unsupported
// MIME type) that should go straight to the poison queue.
type Handler interface {
	Name() string
	Process(ctx context.Context, pipeline schema.PipelineState) (ok bool, updated schema.PipelineState, err error)
}

// Deps are the dependencies shared by every standard-chain handler.
// Individual constructors take only the subset they need.
type Deps struct {
	DocStore    docstore.DocStore
	RecordStore recordstore.RecordStore
	Splitter    *partition.Splitter
	Embedder    embedding.Generator
	Generator   generator.Generator
	Logger      *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// artifactExists reports whether pipeline already has a file descriptor
// produced by the given step for the given part/section, the
// back-reference handlers use to detect already-completed work on
// retry (spec §4.2: "treat artifacts with matching back-references as
// already produced").
func artifactExists(pipeline schema.PipelineState, step string, partN, sectN int) bool {
	for _, f := range pipeline.Files {
		if f.GeneratedByStep != step {
			continue
		}
		if f.PartitionNumber != nil && *f.PartitionNumber != partN {
			continue
		}
		if f.SectionNumber != nil && *f.SectionNumber != sectN {
			continue
		}
		return true
	}
	return false
}

func intPtr(n int) *int { return &n }
