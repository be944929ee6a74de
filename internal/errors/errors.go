// Package errors provides sentinel errors and helpers for the tickvault engine.
//
// All components surface failures through these sentinels so that callers can
// branch with errors.Is without depending on message text.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// Ingestion errors
	ErrDuplicateKey   = errors.New("duplicate candle key")
	ErrChunkImmutable = errors.New("chunk is immutable")
	ErrTableNotFound  = errors.New("table not found")
	ErrWriterClosed   = errors.New("writer is closed")

	// Query errors
	ErrInvalidArgument = errors.New("invalid argument")

	// Rollup errors
	ErrRefreshSkipped     = errors.New("refresh skipped: previous run still in progress")
	ErrUnknownAggregate   = errors.New("unknown aggregate definition")
	ErrDuplicateAggregate = errors.New("aggregate definition already exists")
	ErrUnknownSource      = errors.New("unknown aggregate source")

	// Configuration / state errors
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrServiceNotRunning = errors.New("service not running")
	ErrAlreadyRunning    = errors.New("already running")
)

// Is is a convenience wrapper for errors.Is.
var Is = errors.Is

// As is a convenience wrapper for errors.As.
var As = errors.As

// IsRetriable returns true if the operation may succeed on a later pass.
// Refresh skips resolve themselves on the next scheduled tick.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRefreshSkipped)
}

// IsImmutable returns true if the error indicates a write into a chunk that
// has already been compressed or expired.
func IsImmutable(err error) bool {
	return errors.Is(err, ErrChunkImmutable)
}

// IsInvalidArgument returns true for caller-supplied malformed input.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrInvalidConfig)
}

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

// NewInvalidArgument creates an invalid-argument error with context.
func NewInvalidArgument(field, reason string) error {
	return fmt.Errorf("%s: %s: %w", field, reason, ErrInvalidArgument)
}

// NewInvalidValue creates a configuration error for a rejected value.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewTableNotFound creates a table-not-found error with context.
func NewTableNotFound(table string) error {
	return fmt.Errorf("table '%s': %w", table, ErrTableNotFound)
}
