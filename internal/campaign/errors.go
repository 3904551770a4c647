package campaign

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation   = errors.New("campaign: validation failed")
	ErrNotFound     = errors.New("campaign: not found")
	ErrInvalidState = errors.New("campaign: invalid state")
	// ErrVersionConflict is returned by a Store when the expected version no longer matches.
	ErrVersionConflict = errors.New("campaign: version conflict")
)

// FieldError names one violated field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violation found, not just the first.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "campaign: invalid: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Has reports whether field is among the violations.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string        { return fmt.Sprintf("campaign %s not found", e.ID) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidStateError rejects an operation for the campaign's current status.
// A caller that lost a compare-and-set race receives one too.
type InvalidStateError struct {
	ID     string
	Op     string
	Status Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("campaign %s: cannot %s while %s", e.ID, e.Op, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
