package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Add appends a field error.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns e when it holds errors, or nil.
func (e *ValidationError) Err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, format string, args ...any) *ValidationError {
	ve := &ValidationError{}
	ve.Add(field, format, args...)
	return ve
}

// ValidateMessageDraft checks an outbound chat message before it is sent.
func ValidateMessageDraft(roomID, body string) error {
	var ve ValidationError
	if strings.TrimSpace(roomID) == "" {
		ve.Add("room_id", "is required")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		ve.Add("body", "is required")
	} else if len([]rune(body)) > 5000 {
		ve.Add("body", "must be 5000 characters or fewer")
	}
	return ve.Err()
}

// ValidateAmount rejects zero, negative and unresolved payment amounts.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewValidationError("amount", "must be a positive number, got %s", amount.String())
	}
	return nil
}

// ValidateDispute checks the user-supplied fields of a dispute.
func ValidateDispute(transactionID, reason string, role Role) error {
	var ve ValidationError
	if strings.TrimSpace(transactionID) == "" {
		ve.Add("transaction_id", "is required")
	}
	if strings.TrimSpace(reason) == "" {
		ve.Add("reason", "is required")
	}
	if !role.IsValid() {
		ve.Add("role", "invalid value %q", role)
	}
	return ve.Err()
}
