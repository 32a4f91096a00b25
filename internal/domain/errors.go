package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is usually wrapped in a ValidationError naming the field.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a state change is not allowed
	// by the task state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrExternalRefImmutable is returned when an update tries to replace an
	// already recorded external reference.
	ErrExternalRefImmutable = errors.New("external reference already set")

	// ErrAttemptsExceeded is returned when an update would push the attempt
	// counter past the task's ceiling.
	ErrAttemptsExceeded = errors.New("attempt exceeds max attempts")

	// ErrTerminalPayload is returned when a result or error is attached to a
	// transition whose target state does not carry one.
	ErrTerminalPayload = errors.New("result and error are only valid on completed or failed")
)

// ValidationError describes invalid input for a single field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
