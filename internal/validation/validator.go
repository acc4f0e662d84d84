package validation

import (
	"fmt"

	"github.com/rendis/chainrun/pkg/schema"
)

// Validator checks chain definitions before execution and plugin inputs at
// dispatch time. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.ChainDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation problem with location context.
type Issue struct {
	Path     string   `json:"path"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result aggregates all issues from the validation pipeline.
type Result struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *Result) AddError(path, code, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddWarning appends a warning-severity issue.
func (r *Result) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge combines another Result into this one.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a ChainError if invalid, nil if valid.
func (r *Result) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Errors[0].Path + ": " + r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count": len(r.Errors),
			"errors":      r.Errors,
			"warnings":    r.Warnings,
		})
}
