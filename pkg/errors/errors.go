package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different types of errors in the system
type ErrorType string

const (
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeInternal indicates an internal server error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeProvider indicates an upstream embedding/generation provider
	// failure. Retryable by the caller; not auto-retried internally beyond
	// one bounded attempt.
	ErrorTypeProvider ErrorType = "PROVIDER"

	// ErrorTypeInvalidModel indicates the configured model name was rejected
	// by the provider. A configuration error, not retryable.
	ErrorTypeInvalidModel ErrorType = "INVALID_MODEL"

	// ErrorTypeDimensionMismatch indicates a query vector whose
	// dimensionality does not match the index. Fatal configuration error.
	ErrorTypeDimensionMismatch ErrorType = "DIMENSION_MISMATCH"

	// ErrorTypeTimeout indicates a per-call or per-request deadline was
	// exceeded. The message names the stage that timed out.
	ErrorTypeTimeout ErrorType = "TIMEOUT"

	// ErrorTypeStreamTerminated indicates a stream ended before its terminal
	// event was delivered.
	ErrorTypeStreamTerminated ErrorType = "STREAM_TERMINATED"
)

// ErrNoRelevantContext is the explicit empty-retrieval state. It is not a
// failure: callers must render it distinctly instead of letting the model
// answer from prior knowledge.
var ErrNoRelevantContext = errors.New("no relevant patient context found")

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// IsType reports whether err is an AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewProviderError creates a new upstream provider error
func NewProviderError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeProvider,
		Message: message,
		Err:     err,
	}
}

// NewInvalidModelError creates a new invalid model configuration error
func NewInvalidModelError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInvalidModel,
		Message: message,
		Err:     err,
	}
}

// NewDimensionMismatchError creates a new embedding dimension error
func NewDimensionMismatchError(got, want int) *AppError {
	return &AppError{
		Type:    ErrorTypeDimensionMismatch,
		Message: fmt.Sprintf("query vector has %d dimensions, index expects %d", got, want),
	}
}

// NewTimeoutError creates a new timeout error naming the stage that timed out
func NewTimeoutError(stage string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeTimeout,
		Message: fmt.Sprintf("%s timed out", stage),
		Err:     err,
	}
}

// NewStreamTerminatedError creates a new early stream termination error
func NewStreamTerminatedError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeStreamTerminated,
		Message: message,
		Err:     err,
	}
}
