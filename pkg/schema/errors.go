package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeLogic       = "LOGIC_ERROR"
	ErrCodeTimeout     = "TIMEOUT_ERROR"
	ErrCodeStore       = "STORE_ERROR"
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeCircuitOpen = "CIRCUIT_OPEN"
)

// RuleflowError is the structured error type for all ruleflow operations.
type RuleflowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *RuleflowError) Error() string {
	if e.WorkflowID != "" {
		return fmt.Sprintf("[%s] workflow %s: %s", e.Code, e.WorkflowID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RuleflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RuleflowError.
func NewError(code, message string) *RuleflowError {
	return &RuleflowError{Code: code, Message: message}
}

// NewErrorf creates a new RuleflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *RuleflowError {
	return &RuleflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches a workflow ID to the error.
func (e *RuleflowError) WithWorkflow(workflowID string) *RuleflowError {
	e.WorkflowID = workflowID
	return e
}

// WithCause attaches an underlying cause.
func (e *RuleflowError) WithCause(err error) *RuleflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RuleflowError) WithDetails(details map[string]any) *RuleflowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first RuleflowError in err's chain, or "".
func CodeOf(err error) string {
	var rfErr *RuleflowError
	if errors.As(err, &rfErr) {
		return rfErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// MessageOf returns the bare message of a RuleflowError, or err.Error() otherwise.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var rfErr *RuleflowError
	if errors.As(err, &rfErr) {
		return rfErr.Message
	}
	return err.Error()
}
