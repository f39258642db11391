// Package mapper projects FHIR bundles onto the PIQI output schema.
package mapper

import "fmt"

// Error codes
const (
	CodeInvalidBundle      = "INVALID_BUNDLE"
	CodeUnsupportedMapping = "UNSUPPORTED_MAPPING"
	CodeNilInput           = "NULL_INPUT"
)

// MapError represents a mapping error with context
type MapError struct {
	Field   string
	Code    string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// Terminal reports whether retrying the same input can never succeed.
func (e *MapError) Terminal() bool {
	switch e.Code {
	case CodeInvalidBundle, CodeUnsupportedMapping, CodeNilInput:
		return true
	}
	return false
}
