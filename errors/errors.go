// Package errors provides error handling for postpulse.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details that travel with the error
//
// Usage:
//
//	if err := store.SaveJob(ctx, job); err != nil {
//	    return errors.Wrap(err, "failed to persist job state")
//	}
//
//	// Classify with sentinels
//	if errors.Is(err, errors.ErrNotFound) {
//	    // 404
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
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
	Mark        = crdb.Mark
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors shared by the scheduler, stores and API layers.
// Wrap these with errors.Wrap() or Mark() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested job, post or log does not exist
	ErrNotFound = New("not found")

	// ErrInvalidArgument indicates a malformed create/update request
	ErrInvalidArgument = New("invalid argument")

	// ErrUnsupportedRecurrenceType indicates a recurrence type outside once/daily/weekly/monthly
	ErrUnsupportedRecurrenceType = New("unsupported recurrence type")

	// ErrConflict indicates the operation does not apply to the job's current state
	ErrConflict = New("conflict")

	// ErrPayloadMissing indicates the referenced post no longer exists
	ErrPayloadMissing = New("payload missing")

	// ErrPayloadInvalid indicates the referenced post cannot be published as-is
	ErrPayloadInvalid = New("payload invalid")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidArgumentError checks if an error is a configuration error surfaced to the caller.
// Unsupported recurrence types count as invalid arguments.
func IsInvalidArgumentError(err error) bool {
	return err != nil && IsAny(err, ErrInvalidArgument, ErrUnsupportedRecurrenceType)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidArgumentError creates an invalid-argument error with a formatted message
func NewInvalidArgumentError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidArgument)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}
