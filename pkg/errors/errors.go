// Package errors defines the closed error taxonomy used across the registry.
// Core packages attach a kind and structured context; the HTTP layer is the
// only place that maps kinds to status codes.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds
const (
	// ErrValidation is returned when a manifest or input is rejected before any write
	ErrValidation = "validation"

	// ErrNotFound is returned when a URN or manifest id is absent
	ErrNotFound = "not_found"

	// ErrConflict is returned when a URN is already present, a state-machine
	// event is not legal from the current state, or an optimistic-lock
	// version mismatch survives all retries
	ErrConflict = "conflict"

	// ErrGuardFailed is returned when a state-machine guard denies a transition
	ErrGuardFailed = "guard_failed"

	// ErrCycleDetected is returned when a build order is requested on a graph with cycles
	ErrCycleDetected = "cycle_detected"

	// ErrIntegrity is returned when both the snapshot and the event log are irrecoverable
	ErrIntegrity = "integrity"

	// ErrProvenanceInvalid is returned when DSSE verification fails
	ErrProvenanceInvalid = "provenance_invalid"

	// ErrUnauthorized is returned on a missing or wrong API key
	ErrUnauthorized = "unauthorized"

	// ErrRateLimited is returned when the per-IP window is exhausted
	ErrRateLimited = "rate_limited"

	// ErrRetryExhausted is returned when optimistic-lock retries run out
	ErrRetryExhausted = "retry_exhausted"

	// ErrCancelled is returned when the caller's context is cancelled at a suspension point
	ErrCancelled = "cancelled"

	// ErrInternal is returned for anything else
	ErrInternal = "internal"
)

// Error represents an error in the registry.
type Error struct {
	// Type is the error kind, one of the constants above
	Type string

	// Message is the human-readable error message
	Message string

	// Context carries structured detail (urn, manifest id, state, ...)
	Context map[string]any

	// Cause is the underlying error
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key-value pair to the error context and returns the
// same error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewError creates a new error of the given kind.
func NewError(kind, message string, cause error) *Error {
	return &Error{
		Type:    kind,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewGuardFailedError creates a new guard failed error.
func NewGuardFailedError(message string, cause error) *Error {
	return NewError(ErrGuardFailed, message, cause)
}

// NewCycleDetectedError creates a new cycle detected error.
func NewCycleDetectedError(message string, cause error) *Error {
	return NewError(ErrCycleDetected, message, cause)
}

// NewIntegrityError creates a new integrity error.
func NewIntegrityError(message string, cause error) *Error {
	return NewError(ErrIntegrity, message, cause)
}

// NewProvenanceInvalidError creates a new provenance invalid error.
func NewProvenanceInvalidError(message string, cause error) *Error {
	return NewError(ErrProvenanceInvalid, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error.
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(ErrUnauthorized, message, cause)
}

// NewRateLimitedError creates a new rate limited error.
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewRetryExhaustedError creates a new retry exhausted error.
func NewRetryExhaustedError(message string, cause error) *Error {
	return NewError(ErrRetryExhausted, message, cause)
}

// NewCancelledError creates a new cancelled error.
func NewCancelledError(message string, cause error) *Error {
	return NewError(ErrCancelled, message, cause)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// Kind returns the kind of err, or ErrInternal if err is not a registry error.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// Is checks whether err is a registry error of the given kind.
func Is(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == kind
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool { return Is(err, ErrValidation) }

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return Is(err, ErrNotFound) }

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool { return Is(err, ErrConflict) }

// IsGuardFailed checks if the error is a guard failed error.
func IsGuardFailed(err error) bool { return Is(err, ErrGuardFailed) }

// IsCycleDetected checks if the error is a cycle detected error.
func IsCycleDetected(err error) bool { return Is(err, ErrCycleDetected) }

// IsIntegrity checks if the error is an integrity error.
func IsIntegrity(err error) bool { return Is(err, ErrIntegrity) }

// IsProvenanceInvalid checks if the error is a provenance invalid error.
func IsProvenanceInvalid(err error) bool { return Is(err, ErrProvenanceInvalid) }

// IsUnauthorized checks if the error is an unauthorized error.
func IsUnauthorized(err error) bool { return Is(err, ErrUnauthorized) }

// IsRateLimited checks if the error is a rate limited error.
func IsRateLimited(err error) bool { return Is(err, ErrRateLimited) }

// IsRetryExhausted checks if the error is a retry exhausted error.
func IsRetryExhausted(err error) bool { return Is(err, ErrRetryExhausted) }

// IsCancelled checks if the error is a cancelled error.
func IsCancelled(err error) bool { return Is(err, ErrCancelled) }

// IsInternal checks if the error is an internal error.
func IsInternal(err error) bool { return Is(err, ErrInternal) }
