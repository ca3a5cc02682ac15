// Package orchestrator defines the shared contract implemented by the
// in-process and distributed orchestrator variants (spec §4.1): admit,
// report status, and drive a document through deletion, on top of a
// Document Store, Record Store and a registered Handler chain.
package orchestrator

import (
	"context"
	"io"
	"regexp"
	"strings"

	"github.com/kernelmemory/km/handler"
	"github.com/kernelmemory/km/schema"
)

// DefaultIndex is the namespace an empty index name maps to.
const DefaultIndex = "default"

// DefaultMaxRetries bounds transient-failure retries before a pipeline
// is moved to Failed with a TerminalError (spec §4.1, §4.8).
const DefaultMaxRetries = 10

// NamedFile is one source file attached to an Admit call.
type NamedFile struct {
	Name string
	Data io.Reader
}

// UploadRequest is the input to Admit. DocumentID is generated if empty.
// Steps defaults to schema.DefaultSteps() if nil.
type UploadRequest struct {
	DocumentID string
	Files      []NamedFile
	Tags       schema.TagCollection
	Steps      []string
}

// Orchestrator is the capability set shared by the in-process and
// distributed variants (spec §4.1).
type Orchestrator interface {
	// Admit validates and normalizes index, writes source files and the
	// initial PipelineState, then dispatches step execution. Idempotent
	// on (index, documentId): see spec §4.1 for the re-admission rule.
	Admit(ctx context.Context, index string, req UploadRequest) (documentID string, err error)

	Status(ctx context.Context, index, documentID string) (*schema.PipelineState, error)

	// IsReady ≡ state exists ∧ RemainingSteps empty ∧ TerminalError nil.
	IsReady(ctx context.Context, index, documentID string) (bool, error)

	// DeleteDocument switches the pipeline to the deletion chain,
	// cascading to the Record Store. The in-process variant returns once
	// the chain has run; the distributed variant returns once the chain
	// is enqueued.
	DeleteDocument(ctx context.Context, index, documentID string) error

	// DeleteIndex deletes every document in index, then drops the index
	// container from both stores.
	DeleteIndex(ctx context.Context, index string) error

	// AddHandler registers h for step. Must be called before the
	// orchestrator starts dispatching that step's work (spec §4.1).
	AddHandler(step string, h handler.Handler) error
}

var normalizeRunRE = regexp.MustCompile(`[\s\\/._:|]+`)

// NormalizeIndex case-folds and normalizes an index name per spec §3:
// lowercase, collapse any run of whitespace/`\/._:|` into a single `-`,
// and map the empty name to DefaultIndex. Idempotent:
// NormalizeIndex(NormalizeIndex(x)) == NormalizeIndex(x).
func NormalizeIndex(index string) string {
	index = strings.TrimSpace(index)
	if index == "" {
		return DefaultIndex
	}
	index = strings.ToLower(index)
	index = normalizeRunRE.ReplaceAllString(index, "-")
	index = strings.Trim(index, "-")
	if index == "" {
		return DefaultIndex
	}
	return index
}
