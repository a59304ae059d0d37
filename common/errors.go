package common

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen returned on fail-fast when a circuit breaker refuses a call
var ErrCircuitOpen = errors.New("circuit breaker open")

// ValidationError a malformed payload or identifier from a client. Reported
// only to the originating connection, never logged as a system fault.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string {
	return e.Msg
}

// NewValidationError define a new ValidationError
func NewValidationError(format string, args ...interface{}) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// RateLimitError a client exceeded its admission quota
type RateLimitError struct {
	Key string
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for '%s'", e.Key)
}

// AuthenticationError a connection failed authentication and is never admitted
type AuthenticationError struct {
	Msg   string
	Cause error
}

func (e AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Cause)
	}
	return e.Msg
}

// Unwrap support errors.Is / errors.As
func (e AuthenticationError) Unwrap() error {
	return e.Cause
}

// DependencyError a business collaborator call failed. A breaker fail-fast is
// a DependencyError wrapping ErrCircuitOpen.
type DependencyError struct {
	Dependency string
	Cause      error
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("dependency '%s' failed: %s", e.Dependency, e.Cause)
}

// Unwrap support errors.Is / errors.As
func (e DependencyError) Unwrap() error {
	return e.Cause
}

// IsCircuitOpen whether an error chain ends at a breaker fail-fast
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
