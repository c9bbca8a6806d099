// Package apperr defines the error taxonomy shared by the pipeline components.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when an insert loses a unique-key race.
	// Callers treat it as "already exists" and retry the step as an update.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrCapExceeded halts consumption of one resource for the rest of a run.
	ErrCapExceeded = errors.New("usage cap exceeded")
)

// ConfigurationError reports missing or invalid credentials/settings.
// It is fatal for the request and never retried.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

// ValidationError reports bad input, rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

// TransientError wraps a provider failure that may succeed on a later attempt
// (timeouts, 5xx, 429).
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
