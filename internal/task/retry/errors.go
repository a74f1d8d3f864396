package retry

import (
	"errors"
	"fmt"
	"time"
)

// Category is a stable failure class used by the retry policy. Work executors
// should return typed errors via WithCategory; the string classifier exists
// only for untyped errors from external boundaries.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryNotFound   Category = "not_found"
	CategoryValidation Category = "validation"
	CategoryQuota      Category = "quota"
	CategoryTimeout    Category = "timeout"
	CategoryNetwork    Category = "network"
	CategoryTransient  Category = "transient"
	CategoryUnknown    Category = "unknown"
)

// Retriable reports whether failures in this category are worth retrying.
// Retrying a permission or validation error wastes the retry budget and
// delays correct error surfacing to the user.
func (c Category) Retriable() bool {
	switch c {
	case CategoryAuth, CategoryNotFound, CategoryValidation, CategoryQuota:
		return false
	default:
		return true
	}
}

// WithCategory tags err with a failure category.
func WithCategory(err error, c Category) error {
	if err == nil {
		return nil
	}
	return categoryError{err: err, cat: c}
}

// CategoryError is implemented by errors that carry their own failure class.
type CategoryError interface {
	error
	Category() Category
}

type categoryError struct {
	err error
	cat Category
}

func (e categoryError) Error() string      { return fmt.Sprintf("%s: %v", e.cat, e.err) }
func (e categoryError) Unwrap() error      { return e.err }
func (e categoryError) Category() Category { return e.cat }

// NoRetry marks an error as terminal regardless of category or attempts
// remaining.
//
// Example:
//
//	return retry.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying, e.g. when a
// downstream returns an HTTP Retry-After value. The policy respects the hint
// (bounded by the delay cap) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
