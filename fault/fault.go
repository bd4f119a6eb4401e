// Package fault defines the error taxonomy shared by the pipeline, the
// retrieval engine, and the storage facades, together with retry and
// backoff helpers. Errors fall into five classes: validation (rejected at
// the boundary, never retried), transient I/O (retried with capped
// exponential backoff), permanent I/O (dead-lettered), logical
// inconsistency (failed fast), and budget/rate-limit (rejected with a
// structured reason and reset time).
package fault

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects malformed input at a component boundary. It is
// never retried.
type ValidationError struct {
	// Code identifies the validation failure (e.g. "missing_session_id").
	Code string
	// Field names the offending field when one exists.
	Field string
	// Message is the human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed (%s): %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RateLimitError rejects an operation because a per-user quota or budget
// was exceeded. ResetAt tells the caller when capacity returns.
type RateLimitError struct {
	// Reason describes which limit fired.
	Reason string
	// ResetAt is when the window rolls over.
	ResetAt time.Time
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (resets %s)", e.Reason, e.ResetAt.Format(time.RFC3339))
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// transientError marks a wrapped error as retryable regardless of its
// concrete type.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsRetryable treats it as retryable. Storage
// backends use it to mark recoverable I/O failures whose concrete types
// the classifier does not know.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// HTTPStatusError carries an HTTP status from an outbound call so the
// classifier can decide retryability.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}
