// Package errors provides error handling for tally.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints for operators
//
// Usage:
//
//	if err := store.CreateJob(ctx, job); err != nil {
//	    return errors.Wrap(err, "failed to create job")
//	}
//
//	if errors.Is(err, errors.ErrNotReady) {
//	    // output not available yet
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Sentinel errors shared across tally.
// Wrap these with errors.Wrap() or errors.Mark() to add context while
// preserving identity for errors.Is().
var (
	// ErrNotFound indicates the requested job does not exist
	ErrNotFound = New("not found")

	// ErrNotReady indicates a job's output was requested before it succeeded
	ErrNotReady = New("not ready")

	// ErrIngestionAborted indicates a chunk stream ended before completion.
	// No job exists for an aborted stream.
	ErrIngestionAborted = New("ingestion aborted")

	// ErrSubmissionFailure indicates the queue or store could not accept a job
	ErrSubmissionFailure = New("submission failure")

	// ErrProcessing indicates a job's input could not be read at the stream level
	ErrProcessing = New("processing error")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate job id)
	ErrConflict = New("resource conflict")

	// ErrInvalidTransition indicates a job update would violate the state machine
	ErrInvalidTransition = New("invalid state transition")

	// ErrQueueClosed indicates the work queue no longer accepts or hands out jobs
	ErrQueueClosed = New("queue closed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsNotReadyError checks if an error is or wraps ErrNotReady
func IsNotReadyError(err error) bool {
	return err != nil && Is(err, ErrNotReady)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewNotReadyError creates a not-ready error with a formatted message
func NewNotReadyError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotReady)
}
