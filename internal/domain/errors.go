package domain

import "fmt"

// ValidationError marks a configuration value rejected at construction time,
// as opposed to a runtime condition.
type ValidationError struct {
	Field string
	Msg   string
}

// NewValidationError constructs a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}
