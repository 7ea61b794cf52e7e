// Package failure defines the error taxonomy shared by extractors, merge engines and the coordinator.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Taxonomy sentinels. Concrete errors wrap one of these so callers can classify with errors.Is.
var (
	// ErrTransient marks source/sink I/O failures that are worth retrying
	ErrTransient = errors.New("transient I/O failure")
	// ErrSchemaMismatch marks records whose shape does not match the source declaration
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrWatermarkRegression marks a commit that would move a watermark backwards
	ErrWatermarkRegression = errors.New("watermark regression")
	// ErrMergeConflict marks an integrity violation detected while merging
	ErrMergeConflict = errors.New("merge conflict")
)

// Kind is the classification recorded on a failed run node
type Kind string

const (
	// KindTransient is retried with backoff before surfacing
	KindTransient Kind = "transient"
	// KindSchemaMismatch fails immediately
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindWatermarkRegression is a correctness guard
	KindWatermarkRegression Kind = "watermark_regression"
	// KindMergeConflict is a fatal integrity violation
	KindMergeConflict Kind = "merge_conflict"
	// KindCanceled is recorded when the run context was canceled
	KindCanceled Kind = "canceled"
	// KindInternal covers everything else
	KindInternal Kind = "internal"
)

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrTransient) {
		return err
	}

	return &transientError{err: err}
}

// SchemaMismatch builds an error classified as a schema mismatch
func SchemaMismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err should be retried.
// Network errors and unexpected EOFs count as transient even when a connector did not mark them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransient) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// KindOf classifies err into the run-node taxonomy
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWatermarkRegression):
		return KindWatermarkRegression
	case errors.Is(err, ErrMergeConflict):
		return KindMergeConflict
	case errors.Is(err, ErrSchemaMismatch):
		return KindSchemaMismatch
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindInternal
	}
}
