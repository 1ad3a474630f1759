/*
errors.go - Error types for the fee engine

ERROR CATEGORIES:
  1. Validation errors - bad intake input, rejected before any write
  2. Guard errors - intake aimed at a cell that already has an event
  3. Lookup errors - unknown event or student
  4. Store errors - wrapped with %w by the store implementations

Data-integrity anomalies are NOT errors. See status.go.
*/
package fees

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrCellOccupied is returned when a write targets a month that already
	// resolves to PAYMENT, NEW_ADMISSION or EXEMPTED.
	ErrCellOccupied = errors.New("fees month already has an event")

	ErrEventNotFound   = errors.New("fee event not found")
	ErrStudentNotFound = errors.New("student not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// FieldError names one invalid input field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Error
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError reports a single invalid field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Error: msg}}}
}

// CellOccupiedError reports which month blocked a write and what holds it.
type CellOccupiedError struct {
	Enrollment Enrollment
	Month      MonthKey
	Existing   CellStatus
}

func (e *CellOccupiedError) Error() string {
	return fmt.Sprintf("fees month %s of %s is already %s (event %s)",
		e.Month, e.Enrollment, e.Existing.Kind, e.Existing.EventID)
}

func (e *CellOccupiedError) Unwrap() error { return ErrCellOccupied }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrCellOccupied)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrStudentNotFound)
}
