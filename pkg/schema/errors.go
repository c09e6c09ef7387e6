package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnknownParameter   = "UNKNOWN_PARAMETER"
	ErrCodeParameterSyntax    = "PARAMETER_SYNTAX"
	ErrCodeNodeNotInWorkcell  = "NODE_NOT_IN_WORKCELL"
	ErrCodeActionNotFound     = "ACTION_NOT_FOUND"
	ErrCodeMissingArgument    = "MISSING_ARGUMENT"
	ErrCodeMissingFile        = "MISSING_FILE"
	ErrCodeDuplicateDataLabel = "DUPLICATE_DATA_LABEL"
	ErrCodeNoClient           = "NO_CLIENT"
	ErrCodeTransport          = "TRANSPORT_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeLockTimeout        = "LOCK_TIMEOUT"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeExpression         = "EXPRESSION_ERROR"
)

// WorkcellError is the structured error type for all workcell operations.
type WorkcellError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WorkcellError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WorkcellError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WorkcellError.
func NewError(code, message string) *WorkcellError {
	return &WorkcellError{Code: code, Message: message}
}

// NewErrorf creates a new WorkcellError with a formatted message.
func NewErrorf(code, format string, args ...any) *WorkcellError {
	return &WorkcellError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *WorkcellError) WithStep(stepID string) *WorkcellError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *WorkcellError) WithCause(err error) *WorkcellError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WorkcellError) WithDetails(details map[string]any) *WorkcellError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) a WorkcellError with the given code.
func HasCode(err error, code string) bool {
	var wErr *WorkcellError
	if errors.As(err, &wErr) {
		return wErr.Code == code
	}
	return false
}
