package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the coordinator.
type ErrorCode string

// Input and feasibility error codes
const (
	ErrMalformedInput     ErrorCode = "MALFORMED_INPUT"
	ErrInfeasibleRequest  ErrorCode = "INFEASIBLE_REQUEST"
	ErrNodeNotFound       ErrorCode = "NODE_NOT_FOUND"
	ErrSelectionNotFound  ErrorCode = "SELECTION_NOT_FOUND"
	ErrUnknownStrategy    ErrorCode = "UNKNOWN_STRATEGY"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Resolution error codes
const (
	ErrStrategyTimeout     ErrorCode = "STRATEGY_TIMEOUT"
	ErrStrategyUnavailable ErrorCode = "STRATEGY_UNAVAILABLE"
	ErrInsufficientVotes   ErrorCode = "INSUFFICIENT_VOTES"
	ErrEngineNotRunning    ErrorCode = "ENGINE_NOT_RUNNING"
)

// Registry error codes
const (
	ErrRegistrySourceFailure ErrorCode = "REGISTRY_SOURCE_FAILURE"
	ErrRefreshThrottled      ErrorCode = "REFRESH_THROTTLED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component,omitempty"`
	Cause     error     `json:"-"`
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
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Malformed is shorthand for a MALFORMED_INPUT error with a formatted message.
func Malformed(format string, args ...any) *Error {
	return NewError(ErrMalformedInput, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithComponent sets the component that raised the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, looking through wrapping.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}

// IsMalformed reports whether err is a MALFORMED_INPUT error.
func IsMalformed(err error) bool {
	return IsCode(err, ErrMalformedInput)
}
