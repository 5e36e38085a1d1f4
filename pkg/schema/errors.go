package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeGraphValidation = "GRAPH_VALIDATION_ERROR"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeConcurrentMod   = "CONCURRENT_MODIFICATION"
	ErrCodeStepLimit       = "STEP_LIMIT_EXCEEDED"
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeActionFailed    = "ACTION_FAILED"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeStore           = "STORE_ERROR"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeInterpolation   = "INTERPOLATION_ERROR"
)

// JourneyError is the structured error type for all engine operations.
type JourneyError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *JourneyError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *JourneyError) Unwrap() error {
	return e.Cause
}

// NewError creates a new JourneyError.
func NewError(code, message string) *JourneyError {
	return &JourneyError{Code: code, Message: message}
}

// NewErrorf creates a new JourneyError with a formatted message.
func NewErrorf(code, format string, args ...any) *JourneyError {
	return &JourneyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *JourneyError) WithNode(nodeID string) *JourneyError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *JourneyError) WithCause(err error) *JourneyError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *JourneyError) WithDetails(details map[string]any) *JourneyError {
	e.Details = details
	return e
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	var jErr *JourneyError
	return errors.As(err, &jErr) && jErr.Code == code
}

// IsRetryable reports whether the error code indicates a transient condition
// worth retrying from the caller's side.
func (e *JourneyError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}
