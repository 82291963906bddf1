package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned for malformed input to creation and registration calls.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown job, host or service ids.
	ErrNotFound = errors.New("not found")
	// ErrConcurrentModification is returned when a write carries a stale version.
	// Callers re-read and retry.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInvalidState is returned for an illegal transition or a violated
	// deletion/deregistration precondition.
	ErrInvalidState = errors.New("invalid state")
)

var (
	ErrJobNotFound     = fmt.Errorf("job %w", ErrNotFound)
	ErrHostNotFound    = fmt.Errorf("host %w", ErrNotFound)
	ErrServiceNotFound = fmt.Errorf("service %w", ErrNotFound)
)

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Fields, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError from field messages.
func NewValidationError(fields ...string) error {
	return &ValidationError{Fields: fields}
}

// InvalidTransitionError reports a rejected state machine edge.
func InvalidTransitionError(id string, from, to Status) error {
	return fmt.Errorf("%w: job %s cannot move from %s to %s", ErrInvalidState, id, from, to)
}
