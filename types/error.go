package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across agentgate.
type ErrorCode string

// Turn error codes
const (
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrStorageFailure   ErrorCode = "STORAGE_FAILURE"
	ErrAgentFailure     ErrorCode = "AGENT_FAILURE"
	ErrToolFailure      ErrorCode = "TOOL_FAILURE"
	ErrMisconfiguration ErrorCode = "MISCONFIGURATION"
)

// Request error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
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

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// The HTTP status defaults to the code's canonical status.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: defaultHTTPStatus(code)}
}

// WrapError wraps cause into an Error. A nil cause returns nil.
func WrapError(code ErrorCode, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return NewError(code, message).WithCause(cause)
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// NewStorageError reports a durable read or write that could not complete.
func NewStorageError(op string, cause error) *Error {
	return NewError(ErrStorageFailure, op).WithCause(cause).WithRetryable(true)
}

// NewAgentError reports a model call that failed or stayed unusable.
func NewAgentError(message string, cause error) *Error {
	return NewError(ErrAgentFailure, message).WithCause(cause).WithRetryable(true)
}

// NewMisconfigurationError reports an inconsistent tool table.
func NewMisconfigurationError(message string) *Error {
	return NewError(ErrMisconfiguration, message)
}

// NewInvalidRequestError reports a malformed caller request.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message)
}

func defaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrAgentFailure:
		return http.StatusBadGateway
	case ErrStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
