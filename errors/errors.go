// Package errors provides the typed error values used across the conflict
// kit. Absence conditions (missing record, already resolved) are not errors
// in this codebase; ConflictError covers genuine failures only.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the category of failure that occurred
type ErrorCode string

const (
	ErrCodeStorageFailure       ErrorCode = "STORAGE_FAILURE"
	ErrCodeSerializationFailure ErrorCode = "SERIALIZATION_FAILURE"
	ErrCodeValidationFailure    ErrorCode = "VALIDATION_FAILURE"
	ErrCodeResolutionFailure    ErrorCode = "RESOLUTION_FAILURE"
)

// Operation represents the conflict-kit operation during which a failure
// occurred
type Operation string

const (
	OpDetect        Operation = "detect"
	OpHandle        Operation = "handle_conflict"
	OpCreate        Operation = "create_record"
	OpResolve       Operation = "resolve"
	OpResolveBatch  Operation = "resolve_batch"
	OpQuery         Operation = "query"
	OpStats         Operation = "stats"
	OpTrend         Operation = "trend"
	OpSearch        Operation = "search"
	OpExport        Operation = "export"
	OpCleanup       Operation = "cleanup"
	OpRegisterRules Operation = "register_rules"
	OpClose         Operation = "close"
)

// ConflictError represents an error that occurred inside the conflict kit
type ConflictError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "resolver")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *ConflictError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage-related ConflictError
func NewStorageError(op Operation, cause error) *ConflictError {
	return &ConflictError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewSerializationError creates a ConflictError for a stored snapshot that
// can no longer be decoded. Corrupted records cannot be safely merged, so
// these are never retryable.
func NewSerializationError(op Operation, cause error) *ConflictError {
	return &ConflictError{
		Code:      ErrCodeSerializationFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related ConflictError
func NewValidationError(op Operation, cause error) *ConflictError {
	return &ConflictError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewResolutionError creates a new resolution-related ConflictError
func NewResolutionError(op Operation, cause error) *ConflictError {
	return &ConflictError{
		Code:      ErrCodeResolutionFailure,
		Op:        op,
		Component: "resolver",
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new ConflictError
func New(op Operation, err error) *ConflictError {
	return &ConflictError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new ConflictError with component information
func NewWithComponent(op Operation, component string, err error) *ConflictError {
	return &ConflictError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable ConflictError
func IsRetryable(err error) bool {
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return conflictErr.Retryable
	}
	return false
}
