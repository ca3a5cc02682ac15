// Package inprocess implements the in-process Orchestrator variant
// (spec §3, §4.1): a bounded worker pool drives documents through the
// handler chain synchronously within one process, using an
// InProcessQueue purely as the bounded admission gate ("a bounded
// in-memory channel provides backpressure") rather than as a durable
// retry mechanism — retries happen in-loop via pkg/fn.Retry, since a
// crashed process has no queue to resume from anyway.
package inprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"

	"github.com/kernelmemory/km/docstore"
	"github.com/kernelmemory/km/handler"
	"github.com/kernelmemory/km/internal/kmerr"
	"github.com/kernelmemory/km/orchestrator"
	"github.com/kernelmemory/km/pkg/fn"
	"github.com/kernelmemory/km/pkg/metrics"
	"github.com/kernelmemory/km/queue"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/schema"
)

var met = metrics.New()

var (
	mDocsAdmitted  = met.Counter("km_inprocess_documents_admitted_total", "Documents admitted to the in-process orchestrator")
	mActivePipelines = met.Gauge("km_inprocess_active_pipelines", "Pipelines currently running in the worker pool")
	mStepDuration  = func(step string) *metrics.Histogram { return met.Histogram(metrics.WithLabels("km_inprocess_step_duration_seconds", "step", step), "Per-step handler duration", nil) }
	mStepFailures  = func(step string) *metrics.Counter { return met.Counter(metrics.WithLabels("km_inprocess_step_failures_total", "step", step), "Terminal step failures") }
)

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds concurrent document pipelines (default: CPU count,
	// per spec §5's "bounded worker pool... default = CPU count").
	Workers int
	// QueueCapacity bounds the admission channel (spec §4.1's "bounded
	// in-memory channel provides backpressure").
	QueueCapacity int
	// MaxRetries before a pipeline is moved to Failed (spec §4.1,
	// default 10).
	MaxRetries int
	Logger     *slog.Logger
}

type workItem struct {
	Index      string `json:"index"`
	DocumentID string `json:"document_id"`
}

// Orchestrator is the in-process Orchestrator implementation.
type Orchestrator struct {
	docStore    docstore.DocStore
	recordStore recordstore.RecordStore

	mu       sync.Mutex
	sealed   bool
	handlers map[string]handler.Handler

	docsMu sync.Mutex
	docs   map[string]map[string]struct{} // index -> set of documentIDs, for DeleteIndex enumeration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // "index/docID" -> per-document serialization lock

	pool       *workerpool.WorkerPool
	admitQueue *queue.InProcessQueue
	sub        queue.Subscription

	maxRetries int
	logger     *slog.Logger
}

// New creates an in-process Orchestrator. Call AddHandler for every
// step, then Start before the first Admit.
func New(docStore docstore.DocStore, recordStore recordstore.RecordStore, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = orchestrator.DefaultMaxRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		docStore:    docStore,
		recordStore: recordStore,
		handlers:    make(map[string]handler.Handler),
		docs:        make(map[string]map[string]struct{}),
		locks:       make(map[string]*sync.Mutex),
		pool:        workerpool.New(opts.Workers),
		admitQueue:  queue.NewInProcessQueue(opts.QueueCapacity),
		maxRetries:  opts.MaxRetries,
		logger:      logger,
	}
}

// AddHandler registers h for step. Returns an error once Start has
// sealed the registry (spec §7 REDESIGN: "enforce with an explicit
// sealed flag rather than ad-hoc locking").
func (o *Orchestrator) AddHandler(step string, h handler.Handler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return fmt.Errorf("orchestrator: AddHandler(%s): registry sealed, Start already called", step)
	}
	o.handlers[step] = h
	return nil
}

// Start seals the handler registry and begins consuming the admission
// queue. Must be called exactly once, after all AddHandler calls.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.sealed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: Start called twice")
	}
	o.sealed = true
	o.mu.Unlock()

	sub, err := o.admitQueue.OnDequeue(ctx, o.dequeue, queue.DequeueOpts{MaxAttempts: 1})
	if err != nil {
		return fmt.Errorf("orchestrator: start dispatch: %w", err)
	}
	o.sub = sub
	return nil
}

// Stop drains in-flight work and releases the worker pool and queue.
func (o *Orchestrator) Stop() {
	if o.sub != nil {
		_ = o.sub.Unsubscribe()
	}
	_ = o.admitQueue.Dispose()
	o.pool.StopWait()
}

func (o *Orchestrator) dequeue(ctx context.Context, msg queue.Message) error {
	var item workItem
	if err := json.Unmarshal(msg.Body, &item); err != nil {
		o.logger.Error("orchestrator: malformed work item", "error", err)
		return nil // drop: a corrupt item can never be retried into validity
	}
	o.pool.Submit(func() {
		o.runDocument(ctx, item.Index, item.DocumentID)
	})
	return nil
}

func (o *Orchestrator) lockFor(index, docID string) *sync.Mutex {
	key := index + "/" + docID
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	if l, ok := o.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	o.locks[key] = l
	return l
}

func (o *Orchestrator) trackDocument(index, docID string) {
	o.docsMu.Lock()
	defer o.docsMu.Unlock()
	if o.docs[index] == nil {
		o.docs[index] = make(map[string]struct{})
	}
	o.docs[index][docID] = struct{}{}
}

func (o *Orchestrator) untrackDocument(index, docID string) {
	o.docsMu.Lock()
	defer o.docsMu.Unlock()
	delete(o.docs[index], docID)
}

func (o *Orchestrator) documentsOf(index string) []string {
	o.docsMu.Lock()
	defer o.docsMu.Unlock()
	out := make([]string, 0, len(o.docs[index]))
	for id := range o.docs[index] {
		out = append(out, id)
	}
	return out
}

// Admit implements orchestrator.Orchestrator.
func (o *Orchestrator) Admit(ctx context.Context, index string, req orchestrator.UploadRequest) (string, error) {
	index = orchestrator.NormalizeIndex(index)
	o.mu.Lock()
	sealed := o.sealed
	o.mu.Unlock()
	if !sealed {
		return "", fmt.Errorf("orchestrator: Admit called before Start")
	}

	docID := req.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}

	lock := o.lockFor(index, docID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.docStore.CreateIndex(ctx, index); err != nil {
		return "", fmt.Errorf("orchestrator: create index: %w", err)
	}
	if err := o.recordStore.CreateIndex(ctx, index, 0); err != nil {
		return "", fmt.Errorf("orchestrator: create record index: %w", err)
	}

	state, err := o.loadState(ctx, index, docID)
	if err != nil {
		return "", err
	}

	steps := req.Steps
	if len(steps) == 0 {
		steps = schema.DefaultSteps()
	}

	now := time.Now()
	if state == nil {
		if err := o.docStore.CreateDocument(ctx, index, docID); err != nil {
			return "", fmt.Errorf("orchestrator: create document: %w", err)
		}
		state = &schema.PipelineState{
			Index:      index,
			DocumentID: docID,
			Steps:      steps,
			Tags:       req.Tags,
			Creation:   now,
		}
		state.RecomputeRemaining()
	} else if state.TerminalError != nil || state.IsReady() {
		// Re-admission of a finished or failed document replaces Steps
		// and restarts the chain (spec §4.1's re-admission rule).
		state.Steps = steps
		state.CompletedSteps = nil
		state.TerminalError = nil
		state.FailedAttempts = 0
		state.RecomputeRemaining()
	}
	// Otherwise the pipeline is still running: merge the new files below
	// without touching Steps/CompletedSteps/RemainingSteps.

	if state.Tags == nil {
		state.Tags = schema.NewTagCollection()
	}
	state.Tags.Merge(req.Tags)
	state.ExecutionID = uuid.NewString()
	state.LastUpdate = now

	for _, f := range req.Files {
		n, err := o.docStore.WriteFile(ctx, index, docID, f.Name, f.Data)
		if err != nil {
			return "", fmt.Errorf("orchestrator: write %s: %w", f.Name, err)
		}
		state.Files = append(state.Files, schema.FileDescriptor{
			Name:         f.Name,
			Size:         n,
			ArtifactType: schema.ArtifactSource,
		})
	}

	if err := o.persistState(ctx, index, docID, state); err != nil {
		return "", err
	}
	o.trackDocument(index, docID)

	if err := o.enqueue(ctx, index, docID); err != nil {
		return "", err
	}
	mDocsAdmitted.Inc()
	return docID, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, index, docID string) error {
	body, err := json.Marshal(workItem{Index: index, DocumentID: docID})
	if err != nil {
		return fmt.Errorf("orchestrator: marshal work item: %w", err)
	}
	if err := o.admitQueue.Enqueue(ctx, body); err != nil {
		return fmt.Errorf("orchestrator: enqueue: %w", err)
	}
	return nil
}

func (o *Orchestrator) loadState(ctx context.Context, index, docID string) (*schema.PipelineState, error) {
	data, err := o.docStore.ReadState(ctx, index, docID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read state: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var state schema.PipelineState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("orchestrator: decode state: %w", err)
	}
	return &state, nil
}

func (o *Orchestrator) persistState(ctx context.Context, index, docID string, state *schema.PipelineState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("orchestrator: encode state: %w", err)
	}
	if err := o.docStore.WriteState(ctx, index, docID, data); err != nil {
		return fmt.Errorf("orchestrator: write state: %w", err)
	}
	return nil
}

// Status implements orchestrator.Orchestrator.
func (o *Orchestrator) Status(ctx context.Context, index, docID string) (*schema.PipelineState, error) {
	index = orchestrator.NormalizeIndex(index)
	state, err := o.loadState(ctx, index, docID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, kmerr.NewNotFound("document", docID)
	}
	return state, nil
}

// IsReady implements orchestrator.Orchestrator.
func (o *Orchestrator) IsReady(ctx context.Context, index, docID string) (bool, error) {
	state, err := o.Status(ctx, index, docID)
	if err != nil {
		if kmerr.ClassifyKind(err) == kmerr.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return state.IsReady(), nil
}

// DeleteDocument implements orchestrator.Orchestrator. It runs
// synchronously: by the time it returns, the deletion chain (and its
// cascade over the Record Store) has completed.
func (o *Orchestrator) DeleteDocument(ctx context.Context, index, docID string) error {
	index = orchestrator.NormalizeIndex(index)
	lock := o.lockFor(index, docID)
	lock.Lock()
	defer lock.Unlock()

	state, err := o.loadState(ctx, index, docID)
	if err != nil {
		return err
	}
	if state == nil {
		return kmerr.NewNotFound("document", docID)
	}
	state.Deleting = true
	state.Steps = schema.DeletionSteps()
	state.RecomputeRemaining()
	state.TerminalError = nil
	if err := o.persistState(ctx, index, docID, state); err != nil {
		return err
	}

	o.runDocumentLocked(ctx, index, docID)
	o.untrackDocument(index, docID)
	return nil
}

// DeleteIndex implements orchestrator.Orchestrator: deletes every known
// document in index synchronously, then drops the index container from
// both stores (spec §4.1).
func (o *Orchestrator) DeleteIndex(ctx context.Context, index string) error {
	index = orchestrator.NormalizeIndex(index)
	for _, docID := range o.documentsOf(index) {
		if err := o.DeleteDocument(ctx, index, docID); err != nil && kmerr.ClassifyKind(err) != kmerr.KindNotFound {
			return fmt.Errorf("orchestrator: delete document %s during DeleteIndex: %w", docID, err)
		}
	}
	if err := o.recordStore.DeleteIndex(ctx, index); err != nil {
		return fmt.Errorf("orchestrator: delete record index: %w", err)
	}
	if err := o.docStore.DeleteIndex(ctx, index); err != nil {
		return fmt.Errorf("orchestrator: delete doc index: %w", err)
	}
	o.docsMu.Lock()
	delete(o.docs, index)
	o.docsMu.Unlock()
	return nil
}

// runDocument is the worker-pool entry point for an admitted pipeline.
func (o *Orchestrator) runDocument(ctx context.Context, index, docID string) {
	lock := o.lockFor(index, docID)
	lock.Lock()
	defer lock.Unlock()
	o.runDocumentLocked(ctx, index, docID)
}

// runDocumentLocked drives a pipeline through every RemainingStep,
// persisting state after each (spec §4.1: "never advance the queue
// before the state file commit has returned success"). Caller must hold
// the per-document lock.
func (o *Orchestrator) runDocumentLocked(ctx context.Context, index, docID string) {
	state, err := o.loadState(ctx, index, docID)
	if err != nil || state == nil {
		o.logger.Error("orchestrator: run: load state", "index", index, "document_id", docID, "error", err)
		return
	}

	mActivePipelines.Inc()
	defer mActivePipelines.Dec()

	for {
		step := state.NextStep()
		if step == "" {
			return
		}

		o.mu.Lock()
		h, ok := o.handlers[step]
		o.mu.Unlock()
		if !ok {
			msg := fmt.Sprintf("no handler registered for step %q", step)
			terminal := msg
			state.TerminalError = &terminal
			_ = o.persistState(ctx, index, docID, state)
			o.logger.Error("orchestrator: handler missing", "step", step, "document_id", docID)
			return
		}

		stepStart := time.Now()
		retryCtx, stopRetry := context.WithCancel(ctx)
		var terminalErr error
		result := fn.Retry(retryCtx, fn.RetryOpts{MaxAttempts: o.maxRetries, InitialWait: 10 * time.Millisecond, MaxWait: time.Second}, func(ctx context.Context) fn.Result[schema.PipelineState] {
			ok, updated, err := h.Process(ctx, *state)
			if err != nil {
				if kmerr.ClassifyKind(err) == kmerr.KindTerminal {
					// Terminal errors are not retried.
					terminalErr = err
					stopRetry()
				}
				return fn.Err[schema.PipelineState](err)
			}
			if !ok {
				return fn.Errf[schema.PipelineState]("step %s: handler reported transient failure", step)
			}
			return fn.Ok(updated)
		})
		stopRetry()
		if terminalErr != nil {
			result = fn.Err[schema.PipelineState](terminalErr)
		}
		mStepDuration(step).Since(stepStart)

		if result.IsErr() {
			_, stepErr := result.Unwrap()
			state.FailedAttempts++
			msg := stepErr.Error()
			state.TerminalError = &msg
			_ = o.persistState(ctx, index, docID, state)
			mStepFailures(step).Inc()
			o.logger.Error("orchestrator: step failed terminally", "step", step, "document_id", docID, "error", stepErr)
			return
		}

		updated, _ := result.Unwrap()
		updated.AdvanceStep(step)
		updated.LastUpdate = time.Now()
		state = &updated

		if step == schema.StepDeleteDocument || step == schema.StepDeleteIndex {
			// The handler itself already removed the document directory
			// (and its state file) from the Document Store; writing state
			// here would resurrect an empty directory.
			return
		}
		if err := o.persistState(ctx, index, docID, state); err != nil {
			o.logger.Error("orchestrator: persist state", "step", step, "document_id", docID, "error", err)
			return
		}
	}
}

var _ orchestrator.Orchestrator = (*Orchestrator)(nil)

// Metrics exposes this package's registry for an operational
// metrics-snapshot endpoint.
func Metrics() *metrics.Registry { return met }
