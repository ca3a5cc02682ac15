// Package memory exposes MemoryBuilder, the single dependency-injection
// surface for Kernel Memory (spec §9's design note): explicit setters
// for each collaborator in place of a reflection-style container,
// producing a Memory facade over Admit/Ask/Search/Delete/Status/index
// management.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kernelmemory/km/docstore"
	"github.com/kernelmemory/km/embedding"
	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/generator"
	"github.com/kernelmemory/km/handler"
	"github.com/kernelmemory/km/orchestrator"
	"github.com/kernelmemory/km/orchestrator/distributed"
	"github.com/kernelmemory/km/orchestrator/inprocess"
	"github.com/kernelmemory/km/partition"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/retrieval"
	"github.com/kernelmemory/km/schema"
)

// MemoryBuilder assembles a Memory from explicit collaborators. Each
// With* setter returns the builder for chaining; Build validates that
// the required collaborators were supplied and wires the standard
// handler chain onto whichever orchestrator variant was selected.
//
// Setting a QueueFactory selects the distributed orchestrator (one
// queue.Queue per step, spec §4.1); leaving it nil selects the
// in-process orchestrator (bounded worker pool + in-loop retries). The
// two are mutually exclusive — the last one set wins.
type MemoryBuilder struct {
	docStore    docstore.DocStore
	recordStore recordstore.RecordStore
	embedder    embedding.Generator
	generator   generator.Generator
	splitter    *partition.Splitter
	queueFactory distributed.QueueFactory

	orchestratorOpts inprocess.Options
	distributedOpts  distributed.Options
	retrievalOpts    retrieval.Options
	steps            []string
	summarize        bool
	logger           *slog.Logger

	err error
}

// NewBuilder starts an empty MemoryBuilder.
func NewBuilder() *MemoryBuilder {
	return &MemoryBuilder{
		orchestratorOpts: inprocess.Options{},
		distributedOpts:  distributed.Options{},
		retrievalOpts:    retrieval.DefaultOptions(),
	}
}

// WithDocumentStore sets the Document Store collaborator (required).
func (b *MemoryBuilder) WithDocumentStore(ds docstore.DocStore) *MemoryBuilder {
	b.docStore = ds
	return b
}

// WithRecordStore sets the Record Store collaborator (required).
func (b *MemoryBuilder) WithRecordStore(rs recordstore.RecordStore) *MemoryBuilder {
	b.recordStore = rs
	return b
}

// WithEmbedder sets the embedding generator used by gen_embeddings and
// by retrieval's query embedding (required).
func (b *MemoryBuilder) WithEmbedder(e embedding.Generator) *MemoryBuilder {
	b.embedder = e
	return b
}

// WithGenerator sets the text generator used by summarize and Ask. If
// never set, Build rejects WithSummarize(true) and Ask returns an error.
func (b *MemoryBuilder) WithGenerator(g generator.Generator) *MemoryBuilder {
	b.generator = g
	return b
}

// WithSplitter sets the partition splitter (required).
func (b *MemoryBuilder) WithSplitter(s *partition.Splitter) *MemoryBuilder {
	b.splitter = s
	return b
}

// WithQueueFactory selects the distributed orchestrator, building one
// named queue.Queue per registered step via newQueue.
func (b *MemoryBuilder) WithQueueFactory(newQueue distributed.QueueFactory) *MemoryBuilder {
	b.queueFactory = newQueue
	return b
}

// WithOrchestratorOptions configures the in-process orchestrator
// (ignored if a QueueFactory was set).
func (b *MemoryBuilder) WithOrchestratorOptions(opts inprocess.Options) *MemoryBuilder {
	b.orchestratorOpts = opts
	return b
}

// WithDistributedOptions configures the distributed orchestrator
// (ignored unless a QueueFactory was set).
func (b *MemoryBuilder) WithDistributedOptions(opts distributed.Options) *MemoryBuilder {
	b.distributedOpts = opts
	return b
}

// WithRetrievalOptions configures Search/Ask (top-k, token budget,
// timeouts, prompt).
func (b *MemoryBuilder) WithRetrievalOptions(opts retrieval.Options) *MemoryBuilder {
	b.retrievalOpts = opts
	return b
}

// WithPromptProvider sets the system prompt Ask prepends to every
// generator call, in place of the source's reflection-style prompt
// container (spec §9).
func (b *MemoryBuilder) WithPromptProvider(systemPrompt string) *MemoryBuilder {
	b.retrievalOpts.SystemPrompt = systemPrompt
	return b
}

// WithSteps overrides the default ingestion chain (schema.DefaultSteps)
// new documents are admitted with. WithSummarize toggles whether the
// optional summarize step and its handler are registered.
func (b *MemoryBuilder) WithSteps(steps []string) *MemoryBuilder {
	b.steps = steps
	return b
}

// WithSummarize registers the summarize handler and appends its step
// to the default chain when steps aren't overridden by WithSteps.
// Requires WithGenerator to have been called.
func (b *MemoryBuilder) WithSummarize(enabled bool) *MemoryBuilder {
	b.summarize = enabled
	return b
}

// WithLogger sets the logger passed to the orchestrator and retrieval
// service.
func (b *MemoryBuilder) WithLogger(logger *slog.Logger) *MemoryBuilder {
	b.logger = logger
	return b
}

// Build validates the builder and assembles a Memory. The orchestrator
// is started; callers must call Memory.Close to release it.
func (b *MemoryBuilder) Build(ctx context.Context) (*Memory, error) {
	if b.docStore == nil {
		return nil, fmt.Errorf("memory: document store is required")
	}
	if b.recordStore == nil {
		return nil, fmt.Errorf("memory: record store is required")
	}
	if b.embedder == nil {
		return nil, fmt.Errorf("memory: embedder is required")
	}
	if b.splitter == nil {
		return nil, fmt.Errorf("memory: splitter is required")
	}
	if b.summarize && b.generator == nil {
		return nil, fmt.Errorf("memory: summarize requires a generator")
	}

	deps := handler.Deps{
		DocStore:    b.docStore,
		RecordStore: b.recordStore,
		Splitter:    b.splitter,
		Embedder:    b.embedder,
		Generator:   b.generator,
		Logger:      b.logger,
	}

	var orch orchestrator.Orchestrator
	var stop func()

	if b.queueFactory != nil {
		d := distributed.New(b.docStore, b.recordStore, b.queueFactory, b.distributedOpts)
		if err := registerHandlers(d, deps, b.summarize); err != nil {
			return nil, err
		}
		if err := d.Start(ctx); err != nil {
			return nil, fmt.Errorf("memory: start distributed orchestrator: %w", err)
		}
		orch, stop = d, d.Stop
	} else {
		o := inprocess.New(b.docStore, b.recordStore, b.orchestratorOpts)
		if err := registerHandlers(o, deps, b.summarize); err != nil {
			return nil, err
		}
		if err := o.Start(ctx); err != nil {
			return nil, fmt.Errorf("memory: start in-process orchestrator: %w", err)
		}
		orch, stop = o, o.Stop
	}

	steps := b.steps
	if len(steps) == 0 {
		steps = schema.DefaultSteps()
		if b.summarize {
			steps = append(append([]string{}, steps...), schema.StepSummarize)
		}
	}

	retrievalSvc := retrieval.New(b.recordStore, b.embedder, b.generator, b.retrievalOpts, b.logger)

	return &Memory{
		orch:      orch,
		retrieval: retrievalSvc,
		records:   b.recordStore,
		steps:     steps,
		stop:      stop,
	}, nil
}

// handlerRegistrar is the subset of AddHandler needed to wire the
// standard chain, implemented by both orchestrator variants.
type handlerRegistrar interface {
	AddHandler(step string, h handler.Handler) error
}

func registerHandlers(reg handlerRegistrar, deps handler.Deps, summarize bool) error {
	chain := map[string]handler.Handler{
		schema.StepExtract:       handler.NewExtractHandler(deps),
		schema.StepPartition:     handler.NewPartitionHandler(deps),
		schema.StepGenEmbeddings: handler.NewEmbedHandler(deps),
		schema.StepSaveRecords:   handler.NewSaveRecordsHandler(deps),
		schema.StepDeleteDocument: handler.NewDeleteDocumentHandler(deps),
		schema.StepDeleteIndex:    handler.NewDeleteIndexHandler(deps),
	}
	if summarize {
		chain[schema.StepSummarize] = handler.NewSummarizeHandler(deps)
	}
	for step, h := range chain {
		if err := reg.AddHandler(step, h); err != nil {
			return fmt.Errorf("memory: register handler %q: %w", step, err)
		}
	}
	return nil
}

// Memory is the facade a caller drives: Admit documents, Ask/Search
// against an index, track status, and manage index/document deletion.
type Memory struct {
	orch      orchestrator.Orchestrator
	retrieval *retrieval.Service
	records   recordstore.RecordStore
	steps     []string
	stop      func()
}

// Admit ingests req's files into index under the configured standard
// chain, returning the assigned documentID.
func (m *Memory) Admit(ctx context.Context, index string, req orchestrator.UploadRequest) (string, error) {
	if len(req.Steps) == 0 {
		req.Steps = m.steps
	}
	return m.orch.Admit(ctx, index, req)
}

// Status reports a document's current pipeline state.
func (m *Memory) Status(ctx context.Context, index, documentID string) (*schema.PipelineState, error) {
	return m.orch.Status(ctx, index, documentID)
}

// IsReady reports whether a document's pipeline has completed without
// a terminal error.
func (m *Memory) IsReady(ctx context.Context, index, documentID string) (bool, error) {
	return m.orch.IsReady(ctx, index, documentID)
}

// DeleteDocument cascades the removal of one document's state, source
// files, artifacts, and records.
func (m *Memory) DeleteDocument(ctx context.Context, index, documentID string) error {
	return m.orch.DeleteDocument(ctx, index, documentID)
}

// DeleteIndex removes every document in index plus the index container
// itself in both stores.
func (m *Memory) DeleteIndex(ctx context.Context, index string) error {
	return m.orch.DeleteIndex(ctx, index)
}

// ListIndexes lists every index known to the Record Store.
func (m *Memory) ListIndexes(ctx context.Context) ([]string, error) {
	return m.records.ListIndexes(ctx)
}

// Search returns up to limit citations for query within index.
func (m *Memory) Search(ctx context.Context, index, query string, f filter.Filter, limit int) ([]retrieval.Source, error) {
	return m.retrieval.Search(ctx, index, query, f, limit)
}

// Ask performs Search then generates a grounded answer over the
// results, falling back to the configured empty-answer response when
// Search returns nothing.
func (m *Memory) Ask(ctx context.Context, index, question string, f filter.Filter) (*retrieval.Answer, error) {
	return m.retrieval.Ask(ctx, index, question, f)
}

// Close stops the underlying orchestrator.
func (m *Memory) Close() {
	m.stop()
}
