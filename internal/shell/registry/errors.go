// Package registry implements the deployment and extension lifecycle
// operations on top of the store: activation bookkeeping, rollback,
// sub-resource provisioning plans and cleanup scheduling.
package registry

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrValidation is returned when a request field fails validation.
	ErrValidation = errors.New("validation failed")

	// ErrQuotaExceeded is returned when a project is at its live deployment
	// limit.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNoCredentials is returned when a sub-resource has no credentials
	// recorded yet.
	ErrNoCredentials = errors.New("no credentials recorded")
)

// RegistryError wraps errors with operation context.
type RegistryError struct {
	Op      string // Operation that failed (e.g., "AdvanceStatus")
	Entity  string // Entity type (e.g., "deployment", "extension instance")
	ID      string // Entity ID or reference if applicable
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(op, entity, id, message string, err error) *RegistryError {
	return &RegistryError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// ValidationError names the request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
