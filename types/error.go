package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the fabric.
type ErrorCode string

// Workflow error codes
const (
	ErrMutexAcquisitionFailed ErrorCode = "MUTEX_ACQUISITION_FAILED"
	ErrAccumulationAborted    ErrorCode = "ACCUMULATION_ABORTED"
	ErrPipelineError          ErrorCode = "PIPELINE_ERROR"
	ErrToolExecutionFailure   ErrorCode = "TOOL_EXECUTION_FAILURE"
	ErrUnknownOutcome         ErrorCode = "UNKNOWN_OUTCOME"
	ErrTurnSuperseded         ErrorCode = "TURN_SUPERSEDED"
)

// Idempotency error codes
const (
	ErrDuplicateRequest ErrorCode = "DUPLICATE_REQUEST"
	ErrDuplicateTurn    ErrorCode = "DUPLICATE_TURN"
)

// Data model error codes
const (
	ErrInvalidSessionKey ErrorCode = "INVALID_SESSION_KEY"
	ErrInvalidMessage    ErrorCode = "INVALID_MESSAGE"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrTurnNotFound      ErrorCode = "TURN_NOT_FOUND"
)

// Infrastructure error codes
const (
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a structured error wrapping a cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithRetryable marks the error retryable and returns it.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// WithHTTPStatus attaches an HTTP status and returns the error.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// CodeOf extracts the ErrorCode from err, or ErrInternalError when err is
// not a structured fabric error.
func CodeOf(err error) ErrorCode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrInternalError
}

// IsRetryable reports whether err is a structured error marked retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
