// Package errors provides error handling for rollout.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - User-facing hints and details
//
// Usage:
//
//	if err := cache.Fetch(ctx, cached, false); err != nil {
//	    return errors.Wrap(err, "failed to refresh repository cache")
//	}
//
//	// Check the class of a failure
//	if errors.Is(err, errors.ErrRefNotFound) {
//	    // the job is errored, not failed
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
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails

	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors shared by the repository cache, the engine and the lock manager.
// Wrap them with errors.Wrap() to add context while preserving errors.Is().
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrPrivilegeDenied indicates the caller lacks the role the operation needs
	ErrPrivilegeDenied = New("privilege denied")

	// ErrLockConflict indicates the scope already holds an active hard lock
	ErrLockConflict = New("lock conflict")

	// ErrRepositoryUnreachable indicates the remote could not be cloned or fetched
	ErrRepositoryUnreachable = New("repository unreachable")

	// ErrRepositoryCorrupt indicates the local cache cannot be read and must be re-created
	ErrRepositoryCorrupt = New("repository cache corrupt")

	// ErrRefNotFound indicates a branch, tag or commit could not be resolved after a fetch
	ErrRefNotFound = New("reference not found")

	// ErrCommandFailed indicates a job command exited with a non-zero status
	ErrCommandFailed = New("command failed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsPrivilegeDeniedError checks if an error is or wraps ErrPrivilegeDenied
func IsPrivilegeDeniedError(err error) bool {
	return err != nil && Is(err, ErrPrivilegeDenied)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewPrivilegeDeniedError creates a privilege-denied error with a formatted message
func NewPrivilegeDeniedError(format string, args ...interface{}) error {
	return Wrap(ErrPrivilegeDenied, Newf(format, args...).Error())
}
