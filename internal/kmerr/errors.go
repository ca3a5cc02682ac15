// Package kmerr defines the Kernel Memory error-kind taxonomy (spec §7):
// Validation, NotFound, Conflict, Transient, Terminal and auth failures,
// each distinguishable so the orchestrator and HTTP layer can translate
// them into the right retry/status behavior.
package kmerr

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can compare against with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrHandlerMissing  = errors.New("handler not registered for step")
	ErrUnsupportedMime = errors.New("unsupported mime type")
)

// Kind classifies an error for orchestrator/HTTP translation.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindTerminal     Kind = "terminal"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindUnknown      Kind = "unknown"
)

// ValidationError wraps a sentinel with the offending field/value (bad
// input: unknown index chars, empty documentId, oversized file).
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// TransientError marks a retriable failure (network timeout, 5xx,
// throttling). The orchestrator retries with backoff until MaxRetries,
// then escalates to the poison queue.
type TransientError struct {
	Op      string
	Wrapped error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %s", e.Op, e.Wrapped)
}

func (e *TransientError) Unwrap() error { return e.Wrapped }

// NewTransient wraps err as a TransientError for op.
func NewTransient(op string, err error) *TransientError {
	return &TransientError{Op: op, Wrapped: err}
}

// TerminalErr marks a non-retriable failure (unsupported format,
// malformed document, unknown step). The orchestrator records it on the
// pipeline state and does not enqueue further steps.
type TerminalErr struct {
	Op      string
	Wrapped error
}

func (e *TerminalErr) Error() string {
	return fmt.Sprintf("terminal: %s: %s", e.Op, e.Wrapped)
}

func (e *TerminalErr) Unwrap() error { return e.Wrapped }

// NewTerminal wraps err as a TerminalErr for op.
func NewTerminal(op string, err error) *TerminalErr {
	return &TerminalErr{Op: op, Wrapped: err}
}

// ConflictError marks a concurrent re-admit with incompatible Steps, or
// a stale optimistic-concurrency write.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict: %s", e.Reason) }
func (e *ConflictError) Unwrap() error { return ErrConflict }

// NewConflict creates a ConflictError.
func NewConflict(reason string) *ConflictError {
	return &ConflictError{Reason: reason}
}

// NotFoundErr marks a missing index/document on a read.
type NotFoundErr struct {
	Resource string
	ID       string
}

func (e *NotFoundErr) Error() string {
	return fmt.Sprintf("not found: %s %q", e.Resource, e.ID)
}
func (e *NotFoundErr) Unwrap() error { return ErrNotFound }

// NewNotFound creates a NotFoundErr.
func NewNotFound(resource, id string) *NotFoundErr {
	return &NotFoundErr{Resource: resource, ID: id}
}

// ClassifyKind inspects err and returns its Kind for the HTTP layer and
// orchestrator retry decisions.
func ClassifyKind(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		ve *ValidationError
		te *TransientError
		tm *TerminalErr
		ce *ConflictError
		nf *NotFoundErr
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &te):
		return KindTransient
	case errors.As(err, &tm):
		return KindTerminal
	case errors.As(err, &ce):
		return KindConflict
	case errors.As(err, &nf):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindUnknown
	}
}
