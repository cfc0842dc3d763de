// Package zterr defines the engine's error taxonomy. Callers classify with
// errors.Is against the four sentinels; the HTTP layer maps each category to
// a status code. An engine failure is always distinguishable from a clean
// denied decision: denials are values, these are errors.
package zterr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input, rejected before any
	// state change.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a lookup of an unknown identity, device, session,
	// policy, or resource. Unknown entities are never treated as defaults.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks a registry/storage failure. Retryable by the
	// caller and never interpreted as a security decision.
	ErrTransient = errors.New("transient infrastructure error")

	// ErrPolicyConflict marks two applicable policies with contradictory,
	// non-combinable configurations. Surfaced to operators, never silently
	// resolved.
	ErrPolicyConflict = errors.New("policy conflict")
)

// Validationf wraps a formatted message as a validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Transientf wraps a formatted message as a transient infrastructure error.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrTransient}, args...)...)
}

// Conflictf wraps a formatted message as a policy conflict.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPolicyConflict}, args...)...)
}

// NotFoundError reports an unknown entity by kind and id.
type NotFoundError struct {
	Kind string // "identity", "device", "session", "policy", "resource"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError for the given entity.
func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }
