package schema

import (
	"fmt"
	"maps"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodePluginUnavailable = "PLUGIN_UNAVAILABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
)

// nonRetryableCodes lists error codes that a retry can never fix.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeNotFound:          true,
	ErrCodeConflict:          true,
	ErrCodeInvalidTransition: true,
	ErrCodeCancelled:         true,
	ErrCodePluginUnavailable: true,
	ErrCodeCircuitOpen:       true,
	ErrCodeRetryExhausted:    true,
}

// ChainError is the structured error type for all chain operations.
// StepIndex is -1 when the error is not attributable to a single step.
type ChainError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex int            `json:"step_index"`
	Target    string         `json:"target,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ChainError) Error() string {
	if e.StepIndex >= 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code permits another attempt.
func (e *ChainError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// Clone returns a copy of e with its own Details map. The With* methods mutate
// their receiver, so errors handed out of shared state must be cloned first.
func (e *ChainError) Clone() *ChainError {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Details = maps.Clone(e.Details)
	return &cp
}

// NewError creates a new ChainError.
func NewError(code, message string) *ChainError {
	return &ChainError{Code: code, Message: message, StepIndex: -1}
}

// NewErrorf creates a new ChainError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainError {
	return &ChainError{Code: code, Message: fmt.Sprintf(format, args...), StepIndex: -1}
}

// WithStep attaches the index and target of the step that raised the error.
func (e *ChainError) WithStep(index int, target string) *ChainError {
	e.StepIndex = index
	e.Target = target
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainError) WithCause(err error) *ChainError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainError) WithDetails(details map[string]any) *ChainError {
	e.Details = details
	return e
}
