// Package errs defines the error taxonomy shared by every subsystem of the
// media search engine. Every error that crosses a component boundary is
// wrapped in an *Error carrying one of the Kind values below so that
// callers can make a retry/abort decision without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation purposes.
type Kind int

const (
	// Unknown is the zero value; it should never be constructed deliberately.
	Unknown Kind = iota
	// Config marks malformed or incompatible configuration. Fatal at startup,
	// never raised mid-run.
	Config
	// ModelNotReady marks an embedding request made before the backing model
	// finished loading. Callers wait or fail the current task as retryable.
	ModelNotReady
	// Codec marks a preprocessor's inability to decode a particular source.
	// Permanently fails the ingestion task and sets the file state to skipped.
	Codec
	// IO marks a transient filesystem or storage failure. Retried.
	IO
	// Integrity marks a metadata/vector invariant violation (e.g. a vector
	// with no binding). Not retried; the orphan sweeper repairs it.
	Integrity
	// Capacity marks a bounded queue being full. Callers back off.
	Capacity
	// Cancelled marks cooperative cancellation having been observed. Never
	// retried.
	Cancelled
	// NotFound marks a lookup against a nonexistent entity.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case ModelNotReady:
		return "model_not_ready"
	case Codec:
		return "codec"
	case IO:
		return "io"
	case Integrity:
		return "integrity"
	case Capacity:
		return "capacity"
	case Cancelled:
		return "cancelled"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Retryable reports whether a task failing with this Kind should be retried
// with backoff rather than marked permanently failed.
func (k Kind) Retryable() bool {
	switch k {
	case IO, ModelNotReady, Capacity:
		return true
	default:
		return false
	}
}

// Error is the concrete wrapped error type used across the engine.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "contentstore.put"
	Reason string // human-readable detail
	Err    error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap constructs an *Error wrapping cause. If cause is already an *Error
// and kind is Unknown, the original kind is preserved.
func Wrap(kind Kind, op, reason string, cause error) *Error {
	if kind == Unknown {
		var inner *Error
		if errors.As(cause, &inner) {
			kind = inner.Kind
		}
	}
	return &Error{Kind: kind, Op: op, Reason: reason, Err: cause}
}

// KindOf extracts the Kind from err, returning Unknown when err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}
