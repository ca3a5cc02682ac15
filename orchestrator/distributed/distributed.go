// Package distributed implements the distributed Orchestrator variant
// (spec §3, §4.1): one named queue per step (`km-<step>`), workers bind
// to one or more step queues, and a pipeline advances by re-enqueuing a
// work item onto the next step's queue rather than looping in-process.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernelmemory/km/docstore"
	"github.com/kernelmemory/km/handler"
	"github.com/kernelmemory/km/internal/kmerr"
	"github.com/kernelmemory/km/orchestrator"
	"github.com/kernelmemory/km/pkg/metrics"
	"github.com/kernelmemory/km/queue"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/schema"
)

var met = metrics.New()

var (
	mStepDuration = func(step string) *metrics.Histogram {
		return met.Histogram(metrics.WithLabels("km_distributed_step_duration_seconds", "step", step), "Per-step handler duration", nil)
	}
	mStepFailures = func(step string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("km_distributed_step_failures_total", "step", step), "Terminal step failures")
	}
)

// QueueFactory builds and returns an unconnected queue.Queue for the
// transport a deployment uses (e.g. one backed by a shared *nats.Conn
// via queue/nats.New). Orchestrator calls ConnectTo itself.
type QueueFactory func(step string) (queue.Queue, error)

// queueName maps a step to its distributed queue name (spec §3:
// "km-<step>").
func queueName(step string) string { return "km-" + step }

// Options configures a distributed Orchestrator.
type Options struct {
	// DequeueOpts.MaxAttempts bounds the queue transport's own
	// redelivery count; MaxRetries bounds PipelineState.FailedAttempts.
	// Whichever budget a step exhausts first moves the pipeline to
	// Failed with a TerminalError (spec §4.1, §4.3).
	DequeueOpts queue.DequeueOpts
	MaxRetries  int
	// IndexDeleteTimeout bounds how long DeleteIndex waits for each
	// document's async deletion to finish before dropping the index
	// container (spec §4.1's DeleteIndex is otherwise unbounded in a
	// fully distributed deployment).
	IndexDeleteTimeout time.Duration
	Logger             *slog.Logger
}

type workItem struct {
	Index      string `json:"index"`
	DocumentID string `json:"document_id"`
}

// Orchestrator is the distributed Orchestrator implementation.
type Orchestrator struct {
	docStore    docstore.DocStore
	recordStore recordstore.RecordStore
	newQueue    QueueFactory

	mu       sync.Mutex
	sealed   bool
	handlers map[string]handler.Handler

	queuesMu sync.Mutex
	queues   map[string]queue.Queue
	subs     []queue.Subscription

	docsMu sync.Mutex
	docs   map[string]map[string]struct{}

	opts Options
}

// New creates a distributed Orchestrator. newQueue is called once per
// registered step to obtain its dedicated queue.
func New(docStore docstore.DocStore, recordStore recordstore.RecordStore, newQueue QueueFactory, opts Options) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = orchestrator.DefaultMaxRetries
	}
	if opts.DequeueOpts.MaxAttempts <= 0 {
		opts.DequeueOpts = queue.DefaultDequeueOpts()
	}
	if opts.IndexDeleteTimeout <= 0 {
		opts.IndexDeleteTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		docStore:    docStore,
		recordStore: recordStore,
		newQueue:    newQueue,
		handlers:    make(map[string]handler.Handler),
		queues:      make(map[string]queue.Queue),
		docs:        make(map[string]map[string]struct{}),
		opts:        opts,
	}
}

// AddHandler registers h for step (spec §4.1). Must precede Start.
func (o *Orchestrator) AddHandler(step string, h handler.Handler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return fmt.Errorf("orchestrator: AddHandler(%s): registry sealed, Start already called", step)
	}
	o.handlers[step] = h
	return nil
}

// Start seals the registry, binds one queue per registered step, and
// begins consuming each.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.sealed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: Start called twice")
	}
	o.sealed = true
	handlers := make(map[string]handler.Handler, len(o.handlers))
	for k, v := range o.handlers {
		handlers[k] = v
	}
	o.mu.Unlock()

	for step, h := range handlers {
		q, err := o.newQueue(step)
		if err != nil {
			return fmt.Errorf("orchestrator: build queue for %s: %w", step, err)
		}
		if err := q.ConnectTo(ctx, queueName(step)); err != nil {
			return fmt.Errorf("orchestrator: connect queue for %s: %w", step, err)
		}
		sub, err := q.OnDequeue(ctx, o.makeDequeueHandler(step, h), o.opts.DequeueOpts)
		if err != nil {
			return fmt.Errorf("orchestrator: subscribe %s: %w", step, err)
		}
		o.queuesMu.Lock()
		o.queues[step] = q
		o.subs = append(o.subs, sub)
		o.queuesMu.Unlock()
	}
	return nil
}

// Stop unsubscribes and disposes every step queue.
func (o *Orchestrator) Stop() {
	o.queuesMu.Lock()
	defer o.queuesMu.Unlock()
	for _, sub := range o.subs {
		_ = sub.Unsubscribe()
	}
	for _, q := range o.queues {
		_ = q.Dispose()
	}
}

func (o *Orchestrator) queueFor(step string) (queue.Queue, error) {
	o.queuesMu.Lock()
	defer o.queuesMu.Unlock()
	q, ok := o.queues[step]
	if !ok {
		return nil, kmerr.NewTerminal(step, fmt.Errorf("%w: %s", kmerr.ErrHandlerMissing, step))
	}
	return q, nil
}

// makeDequeueHandler binds one step's queue.Handler: run exactly one
// step, persist, and enqueue the next step's queue (spec §4.1's
// distributed execution contract).
func (o *Orchestrator) makeDequeueHandler(step string, h handler.Handler) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		var item workItem
		if err := json.Unmarshal(msg.Body, &item); err != nil {
			o.opts.Logger.Error("orchestrator: malformed work item", "error", err)
			return nil // a corrupt message can never become valid on retry
		}

		state, err := o.loadState(ctx, item.Index, item.DocumentID)
		if err != nil {
			return err // transient: let the queue redeliver
		}
		if state == nil {
			return fmt.Errorf("orchestrator: no pipeline state for %s/%s", item.Index, item.DocumentID)
		}
		if state.NextStep() != step {
			// Stale redelivery of an already-advanced step: ack without
			// repeating side effects.
			return nil
		}

		stepStart := time.Now()
		ok, updated, procErr := h.Process(ctx, *state)
		mStepDuration(step).Since(stepStart)
		if procErr != nil && kmerr.ClassifyKind(procErr) == kmerr.KindTerminal {
			msg := procErr.Error()
			updated.TerminalError = &msg
			mStepFailures(step).Inc()
			return o.persistState(ctx, item.Index, item.DocumentID, &updated)
		}
		if procErr != nil || !ok {
			// Transient failure: charge it against the pipeline's own
			// retry budget (opts.MaxRetries), not just the queue
			// transport's redelivery count — a message surviving past
			// msg.Attempt == DequeueOpts.MaxAttempts is about to be
			// escalated to the poison subject with no way back into
			// PipelineState, so the orchestrator must mark TerminalError
			// itself before that happens (spec §4.1 step 6, S7).
			reason := fmt.Sprintf("step %s: handler reported transient failure", step)
			if procErr != nil {
				reason = procErr.Error()
			}
			updated.FailedAttempts++
			exhausted := updated.FailedAttempts >= o.opts.MaxRetries || msg.Attempt >= o.opts.DequeueOpts.MaxAttempts
			if exhausted {
				updated.TerminalError = &reason
				mStepFailures(step).Inc()
				return o.persistState(ctx, item.Index, item.DocumentID, &updated)
			}
			if err := o.persistState(ctx, item.Index, item.DocumentID, &updated); err != nil {
				return err
			}
			return fmt.Errorf("%s", reason) // transient: redeliver
		}

		updated.FailedAttempts = 0
		updated.AdvanceStep(step)
		updated.LastUpdate = time.Now()

		if step == schema.StepDeleteDocument || step == schema.StepDeleteIndex {
			// The handler already removed the document from the Document
			// Store; there is no state left to persist.
			o.untrackDocument(item.Index, item.DocumentID)
			return nil
		}
		if err := o.persistState(ctx, item.Index, item.DocumentID, &updated); err != nil {
			return err
		}

		next := updated.NextStep()
		if next == "" {
			return nil
		}
		nq, err := o.queueFor(next)
		if err != nil {
			msg := err.Error()
			updated.TerminalError = &msg
			return o.persistState(ctx, item.Index, item.DocumentID, &updated)
		}
		body, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("orchestrator: marshal work item: %w", err)
		}
		return nq.Enqueue(ctx, body)
	}
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

// Admit implements orchestrator.Orchestrator: writes source files and
// initial state, then enqueues the first step's queue.
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
		state = &schema.PipelineState{Index: index, DocumentID: docID, Steps: steps, Tags: req.Tags, Creation: now}
		state.RecomputeRemaining()
	} else if state.TerminalError != nil || state.IsReady() {
		state.Steps = steps
		state.CompletedSteps = nil
		state.TerminalError = nil
		state.FailedAttempts = 0
		state.RecomputeRemaining()
	}

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
		state.Files = append(state.Files, schema.FileDescriptor{Name: f.Name, Size: n, ArtifactType: schema.ArtifactSource})
	}

	if err := o.persistState(ctx, index, docID, state); err != nil {
		return "", err
	}
	o.trackDocument(index, docID)

	first := state.NextStep()
	if first == "" {
		return docID, nil
	}
	q, err := o.queueFor(first)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(workItem{Index: index, DocumentID: docID})
	if err != nil {
		return "", fmt.Errorf("orchestrator: marshal work item: %w", err)
	}
	if err := q.Enqueue(ctx, body); err != nil {
		return "", fmt.Errorf("orchestrator: enqueue: %w", err)
	}
	return docID, nil
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

// DeleteDocument implements orchestrator.Orchestrator: switches the
// pipeline to the deletion chain and enqueues it. Unlike the in-process
// variant this is asynchronous — callers poll Status/IsReady to observe
// completion, matching the distributed queue's own delivery latency.
func (o *Orchestrator) DeleteDocument(ctx context.Context, index, docID string) error {
	index = orchestrator.NormalizeIndex(index)
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

	first := state.NextStep()
	q, err := o.queueFor(first)
	if err != nil {
		return err
	}
	body, err := json.Marshal(workItem{Index: index, DocumentID: docID})
	if err != nil {
		return fmt.Errorf("orchestrator: marshal work item: %w", err)
	}
	return q.Enqueue(ctx, body)
}

// DeleteIndex implements orchestrator.Orchestrator: enqueues deletion
// for every tracked document, waits (bounded by IndexDeleteTimeout) for
// each to finish, then drops the index container from both stores.
func (o *Orchestrator) DeleteIndex(ctx context.Context, index string) error {
	index = orchestrator.NormalizeIndex(index)
	docIDs := o.documentsOf(index)
	for _, docID := range docIDs {
		if err := o.DeleteDocument(ctx, index, docID); err != nil && kmerr.ClassifyKind(err) != kmerr.KindNotFound {
			return fmt.Errorf("orchestrator: delete document %s during DeleteIndex: %w", docID, err)
		}
	}

	deadline := time.Now().Add(o.opts.IndexDeleteTimeout)
	for _, docID := range docIDs {
		for {
			state, err := o.loadState(ctx, index, docID)
			if err != nil {
				return err
			}
			if state == nil {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("orchestrator: DeleteIndex: timed out waiting for document %s to finish deleting", docID)
			}
			time.Sleep(10 * time.Millisecond)
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

var _ orchestrator.Orchestrator = (*Orchestrator)(nil)

// Metrics exposes this package's registry for an operational
// metrics-snapshot endpoint.
func Metrics() *metrics.Registry { return met }
