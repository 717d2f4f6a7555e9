// Package exception provides the error types and classification helpers used
// throughout capflow. Errors are categorized into a small taxonomy so that
// callers can decide between synchronous rejection, retry with backoff, and
// partial-failure accounting without inspecting error strings.
package exception

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies a CoreError into one of the failure categories the
// ingestion core distinguishes.
type Kind int

const (
	// KindInternal is the default category for unclassified failures.
	KindInternal Kind = iota
	// KindValidation marks malformed input. Rejected synchronously, never retried.
	KindValidation
	// KindCapacity marks an admission-gate rejection under memory pressure.
	// Callers are expected to back off and retry later.
	KindCapacity
	// KindTransientStore marks a temporarily unreachable relational or
	// key-value store. Background loops retry these with backoff.
	KindTransientStore
	// KindPartialBatch marks a batch in which a subset of rows failed.
	// Counted in structured results, processing continues.
	KindPartialBatch
	// KindSchemaEvolution marks a failed partition DDL operation. The
	// affected day stays unpartitioned and is retried on next ingestion.
	KindSchemaEvolution
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCapacity:
		return "capacity"
	case KindTransientStore:
		return "transient_store"
	case KindPartialBatch:
		return "partial_batch"
	case KindSchemaEvolution:
		return "schema_evolution"
	default:
		return "internal"
	}
}

// CoreError is the error type produced by the ingestion core. It carries the
// component where the error occurred, a message, the wrapped original error,
// and its taxonomy kind.
type CoreError struct {
	// Module indicates the component where the error occurred
	// (e.g., "partition", "dedup", "taskmgr").
	Module string
	// Message is a concise description of the error.
	Message string
	// OriginalErr is the wrapped original error, if any.
	OriginalErr error
	// kind is the taxonomy category of this error.
	kind Kind
	// StackTrace is the stack captured at construction time (for debugging).
	StackTrace string
}

// NewCoreError creates a new CoreError of the given kind.
func NewCoreError(module, message string, originalErr error, kind Kind) *CoreError {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)

	return &CoreError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		kind:        kind,
		StackTrace:  string(buf[:n]),
	}
}

// NewValidationError creates a CoreError for malformed input.
func NewValidationError(module, format string, a ...interface{}) *CoreError {
	return NewCoreError(module, fmt.Sprintf(format, a...), nil, KindValidation)
}

// NewCapacityError creates a CoreError signalling that the shared cache's
// memory-pressure gate rejected the request. ratio is the observed memory
// usage percentage.
func NewCapacityError(module string, ratio float64) *CoreError {
	return NewCoreError(module, fmt.Sprintf("memory ratio %.2f%% is at or above the admission high-water mark", ratio), nil, KindCapacity)
}

// NewTransientStoreError creates a CoreError for a temporarily failing store call.
func NewTransientStoreError(module, message string, originalErr error) *CoreError {
	return NewCoreError(module, message, originalErr, KindTransientStore)
}

// NewSchemaEvolutionError creates a CoreError for a failed partition DDL operation.
func NewSchemaEvolutionError(module, message string, originalErr error) *CoreError {
	return NewCoreError(module, message, originalErr, KindSchemaEvolution)
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the original error for errors.Unwrap.
func (e *CoreError) Unwrap() error {
	return e.OriginalErr
}

// Kind returns the taxonomy category of this error.
func (e *CoreError) Kind() Kind {
	return e.kind
}

// IsRetryable reports whether the error category is expected to succeed on a
// later attempt. Only transient store failures qualify.
func (e *CoreError) IsRetryable() bool {
	return e.kind == KindTransientStore
}

// IsKind reports whether err is, or wraps, a CoreError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CoreError
	return errors.As(err, &ce) && ce.kind == kind
}

// IsCapacity reports whether err is a capacity rejection.
func IsCapacity(err error) bool { return IsKind(err, KindCapacity) }

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsCoreError determines if the given error is, or wraps, a CoreError.
func IsCoreError(err error) bool {
	var ce *CoreError
	return errors.As(err, &ce)
}

// IsTemporary determines if an error is temporary (network error, temporary
// store connection issue). Used by the background loops' retry logic.
// For a CoreError, the kind takes precedence.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF")
}
