package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeSchema            = "SCHEMA_ERROR"      // malformed definition, fails before execution
	ErrCodeCycle             = "CYCLE_ERROR"       // dependency graph contains a cycle
	ErrCodeUnknownAgent      = "UNKNOWN_AGENT"     // registry miss
	ErrCodeProcessing        = "PROCESSING_ERROR"  // agent failure, retryable per policy
	ErrCodeShape             = "SHAPE_ERROR"       // output/input projection mismatch
	ErrCodeIdentity          = "IDENTITY_ERROR"    // run id collision
	ErrCodePersistence       = "PERSISTENCE_ERROR" // storage write failure
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeValidation        = "VALIDATION_ERROR" // option/config validation outside the definition
)

// Error is the structured error type for all engine operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Retries int            `json:"retries,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRetries records how many retry attempts preceded the failure.
func (e *Error) WithRetries(n int) *Error {
	e.Retries = n
	return e
}

// IsRetryable reports whether the code identifies a transient failure.
// Only processing failures and step timeouts are retried; every other
// code is a definition, identity or storage problem retries cannot fix.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeProcessing, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
