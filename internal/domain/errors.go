package domain

import (
	"errors"
	"fmt"
)

// Error classes shared by all packages. Callers match them with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrTransient   = errors.New("transient store failure")
	ErrDelivery    = errors.New("notification delivery failed")
	ErrUnavailable = errors.New("collaborator unavailable")
	ErrConflict    = errors.New("concurrent modification")
	ErrUnexpected  = errors.New("unexpected error")
)

// ValidationError describes malformed or missing input.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a validation error for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is makes ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DeliveryError reports that a message exhausted or failed a delivery round.
type DeliveryError struct {
	MessageID string
	Attempts  int
	Final     bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Final {
		return fmt.Sprintf("delivery of message %s failed permanently after %d attempts: %v", e.MessageID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("delivery of message %s failed (attempt %d): %v", e.MessageID, e.Attempts, e.Err)
}

// Is makes DeliveryError match ErrDelivery.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
