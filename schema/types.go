// Package schema defines the Kernel Memory data model: indexes, documents,
// pipeline state, artifacts and records.
package schema

import "time"

// Reserved tag keys written by the pipeline itself. Callers may read but
// must not set these directly; Admit and the standard handler chain own
// them.
const (
	TagDocumentID = "__document_id"
	TagFileID     = "__file_id"
	TagPartN      = "__part_n"
	TagSectN      = "__sect_n"
	TagSynthetic  = "__synthetic"
)

// SyntheticSummary marks records produced by the summarize step.
const SyntheticSummary = "summary"

// Standard step names, in their default execution order.
const (
	StepExtract            = "extract"
	StepPartition           = "partition"
	StepGenEmbeddings       = "gen_embeddings"
	StepGenEmbeddingsParallel = "gen_embeddings_parallel"
	StepSaveRecords         = "save_records"
	StepSummarize           = "summarize"
	StepDeleteDocument      = "delete_document"
	StepDeleteIndex         = "delete_index"
)

// DefaultSteps is the standard ingestion chain used when a Document does
// not declare its own.
func DefaultSteps() []string {
	return []string{StepExtract, StepPartition, StepGenEmbeddings, StepSaveRecords}
}

// DeletionSteps is the chain an Orchestrator switches a pipeline to on
// DeleteDocument.
func DeletionSteps() []string {
	return []string{StepDeleteDocument}
}

// PipelineStatus is the coarse state-machine position of a pipeline,
// derived from PipelineState fields for reporting purposes.
type PipelineStatus string

const (
	StatusAdmitted PipelineStatus = "admitted"
	StatusRunning  PipelineStatus = "running"
	StatusComplete PipelineStatus = "completed"
	StatusFailed   PipelineStatus = "failed"
	StatusDeleting PipelineStatus = "deleting"
	StatusDeleted  PipelineStatus = "deleted"
)

// ArtifactType distinguishes the kind of file a FileDescriptor points at.
type ArtifactType string

const (
	ArtifactSource    ArtifactType = "source"
	ArtifactExtracted ArtifactType = "extracted"
	ArtifactPartition ArtifactType = "partition"
	ArtifactEmbedding ArtifactType = "embedding"
	ArtifactSynthetic ArtifactType = "synthetic"
)

// FileDescriptor describes one file attached to a Document: a source
// upload or an artifact generated by a handler. GeneratedByStep is the
// back-reference handlers use to detect already-produced artifacts and
// stay idempotent across retries.
type FileDescriptor struct {
	Name            string       `json:"name"`
	Size            int64        `json:"size"`
	MimeType        string       `json:"mime_type"`
	ArtifactType    ArtifactType `json:"artifact_type"`
	GeneratedByStep string       `json:"generated_by,omitempty"`
	SourceFile      string       `json:"source_file,omitempty"`
	PartitionNumber *int         `json:"part_n,omitempty"`
	SectionNumber   *int         `json:"sect_n,omitempty"`
	ContentSHA      string       `json:"content_sha,omitempty"`
}

// TagCollection maps a tag key to an ordered set of values. Duplicates are
// dropped; insertion order is preserved for display.
type TagCollection map[string][]string

// NewTagCollection returns an empty TagCollection.
func NewTagCollection() TagCollection {
	return make(TagCollection)
}

// Add appends a value under key if not already present.
func (t TagCollection) Add(key, value string) {
	for _, v := range t[key] {
		if v == value {
			return
		}
	}
	t[key] = append(t[key], value)
}

// Set replaces all values for key, deduplicating while preserving order.
func (t TagCollection) Set(key string, values ...string) {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	t[key] = out
}

// Has reports whether key=value is present.
func (t TagCollection) Has(key, value string) bool {
	for _, v := range t[key] {
		if v == value {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (t TagCollection) Clone() TagCollection {
	out := make(TagCollection, len(t))
	for k, v := range t {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Merge adds every key/value from other, preserving existing order and
// skipping duplicates. Reserved keys in other do not overwrite ones
// already set in t — the pipeline, not the caller, owns reserved tags.
func (t TagCollection) Merge(other TagCollection) {
	for k, values := range other {
		for _, v := range values {
			t.Add(k, v)
		}
	}
}

// PipelineState is the durable record of a document's ingestion progress.
// Its JSON shape is a compatibility surface (see spec §6) and must not
// change field names or omit fields silently.
type PipelineState struct {
	Index           string           `json:"index"`
	DocumentID      string           `json:"document_id"`
	ExecutionID     string           `json:"execution_id"`
	Steps           []string         `json:"steps"`
	RemainingSteps  []string         `json:"remaining_steps"`
	CompletedSteps  []string         `json:"completed_steps"`
	Files           []FileDescriptor `json:"files"`
	Tags            TagCollection    `json:"tags"`
	Creation        time.Time        `json:"creation"`
	LastUpdate      time.Time        `json:"last_update"`
	FailedAttempts  int              `json:"failed_attempts"`
	TerminalError   *string          `json:"terminal_error,omitempty"`
	Deleting        bool             `json:"-"`
	Version         int64            `json:"-"` // optimistic-concurrency ETag, not persisted in the JSON body
}

// Status derives the coarse PipelineStatus from state fields.
func (p *PipelineState) Status() PipelineStatus {
	switch {
	case p.Deleting:
		return StatusDeleting
	case p.TerminalError != nil:
		return StatusFailed
	case len(p.RemainingSteps) == 0:
		return StatusComplete
	case len(p.CompletedSteps) == 0:
		return StatusAdmitted
	default:
		return StatusRunning
	}
}

// IsReady mirrors Orchestrator.IsReady: state exists, nothing remains,
// and no terminal error was recorded.
func (p *PipelineState) IsReady() bool {
	return p != nil && len(p.RemainingSteps) == 0 && p.TerminalError == nil
}

// NextStep returns the first remaining step, or "" if none remain.
func (p *PipelineState) NextStep() string {
	if len(p.RemainingSteps) == 0 {
		return ""
	}
	return p.RemainingSteps[0]
}

// AdvanceStep moves step from RemainingSteps to CompletedSteps. It is the
// only mutator of those two fields — handlers must never call it
// themselves; the orchestrator owns this transition (§4.2).
func (p *PipelineState) AdvanceStep(step string) {
	if len(p.RemainingSteps) == 0 || p.RemainingSteps[0] != step {
		return
	}
	p.CompletedSteps = append(p.CompletedSteps, step)
	p.RemainingSteps = p.RemainingSteps[1:]
}

// RecomputeRemaining rebuilds RemainingSteps as Steps \ CompletedSteps,
// preserving order. Used when Steps is replaced (e.g. switched to the
// deletion chain).
func (p *PipelineState) RecomputeRemaining() {
	completed := make(map[string]struct{}, len(p.CompletedSteps))
	for _, s := range p.CompletedSteps {
		completed[s] = struct{}{}
	}
	remaining := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if _, ok := completed[s]; !ok {
			remaining = append(remaining, s)
		}
	}
	p.RemainingSteps = remaining
}

// Document is the logical grouping identified by (Index, DocumentID).
type Document struct {
	Index       string        `json:"index"`
	DocumentID  string        `json:"document_id"`
	SourceFiles []string      `json:"source_files"`
	Tags        TagCollection `json:"tags"`
	Steps       []string      `json:"steps"`
	Creation    time.Time     `json:"creation"`
}

// Record is the addressable {vector, tags, payload} tuple persisted by
// the Record Store.
type Record struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Tags    TagCollection  `json:"tags"`
	Payload map[string]any `json:"payload"`
}
