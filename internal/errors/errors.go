// Package errors consolidates error definitions for the collector.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Transient storage error classification
// - Error wrapping utilities
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound       = errors.New("not found")
	ErrRowNotFound    = errors.New("row not found")
	ErrColumnNotFound = errors.New("column not found")
	ErrSegmentMissing = errors.New("journal segment not found")

	// Validation errors
	ErrInvalidKey         = errors.New("invalid aggregate key")
	ErrInvalidID          = errors.New("invalid row identifier")
	ErrInvalidBucket      = errors.New("invalid time bucket")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingField       = errors.New("missing required field")
	ErrTypeMismatch       = errors.New("column type mismatch")
	ErrSchemaMismatch     = errors.New("row schema mismatch")
	ErrCounterInvariant   = errors.New("counter invariant violated")
	ErrUnsupportedBackend = errors.New("unsupported storage backend")

	// State errors
	ErrNotRunning     = errors.New("not running")
	ErrAlreadyRunning = errors.New("already running")
	ErrPassInProgress = errors.New("reconciliation pass already in progress")
	ErrClosed         = errors.New("closed")
	ErrRowExists      = errors.New("row already exists")

	// Transient errors
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrBusy             = errors.New("storage busy")

	// Fatal errors
	ErrIDCollision = errors.New("identifier collision")
	ErrCorrupt     = errors.New("corrupt data")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRowNotFound) ||
		errors.Is(err, ErrColumnNotFound) ||
		errors.Is(err, ErrSegmentMissing)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidBucket) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrSchemaMismatch)
}

// IsFatal returns true for errors that indicate an encoding or configuration
// bug. These are never retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIDCollision) ||
		errors.Is(err, ErrCorrupt) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrCounterInvariant)
}

// IsRetriable returns true if the error is transient and worth retrying.
//
// Driver errors rarely wrap a sentinel, so the message is also matched
// against the transient patterns DuckDB, SQLite and Redis report.
func IsRetriable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}

	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

var retryablePatterns = []string{
	"database is locked",
	"busy",
	"timeout",
	"i/o timeout",
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporary failure",
	"sqlite_busy",
	"sqlite_locked",
	"i/o error",
	"loading dataset",
	"eof",
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewIDCollision reports that the row stored under id does not belong to the
// key that derived it.
func NewIDCollision(id, want, got string) error {
	return fmt.Errorf("id %q: want key %s, stored key %s: %w", id, want, got, ErrIDCollision)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
