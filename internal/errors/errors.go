// Package errors provides the cache-internal error taxonomy produced by
// metastore. These errors never reach the FUSE gateway
// directly; coherence.Engine interprets them and returns backend errnos
// instead.
package errors

import (
	"errors"
	"fmt"
)

// TransientError marks a cache-store operation that failed because of
// momentary contention (a busy lock, a timed-out retry loop). Coherence
// treats it as a cache MISS for that call, never as a user-facing error.
type TransientError struct {
	message string
	cause   error
}

func (e *TransientError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *TransientError) Unwrap() error {
	return e.cause
}

func (e *TransientError) Is(target error) bool {
	_, ok := target.(*TransientError)
	return ok
}

// NewTransient wraps cause as a TransientError with the given message.
func NewTransient(message string, cause error) error {
	return &TransientError{message: message, cause: cause}
}

// IsTransient reports whether err (or something it wraps) is a TransientError.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *TransientError
	return errors.As(err, &t)
}

// StoreUnusableError marks a structural failure of a persistent cache
// store (cannot open, corruption detected). Coherence responds by
// switching the owning mount to the DISABLED state for its lifetime.
type StoreUnusableError struct {
	message string
	cause   error
}

func (e *StoreUnusableError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *StoreUnusableError) Unwrap() error {
	return e.cause
}

func (e *StoreUnusableError) Is(target error) bool {
	_, ok := target.(*StoreUnusableError)
	return ok
}

// NewStoreUnusable wraps cause as a StoreUnusableError with the given message.
func NewStoreUnusable(message string, cause error) error {
	return &StoreUnusableError{message: message, cause: cause}
}

// IsStoreUnusable reports whether err (or something it wraps) is a StoreUnusableError.
func IsStoreUnusable(err error) bool {
	if err == nil {
		return false
	}
	var s *StoreUnusableError
	return errors.As(err, &s)
}

// ErrCacheMiss is returned by store lookup methods instead of a typed
// error; it carries no cause because a miss is an expected outcome, not
// a failure.
var ErrCacheMiss = errors.New("cache: miss")
