package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateContent is returned by enqueue when similar content is already queued.
	ErrDuplicateContent = errors.New("duplicate content")

	// ErrNotFound is returned for unknown queue item ids.
	ErrNotFound = errors.New("queue item not found")

	// ErrInvalidTransition is returned when an operation does not apply to the item's status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError rejects malformed input before it reaches the queue or governor.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// DispatchError wraps a publisher failure for a queue item.
type DispatchError struct {
	ItemID string
	Action Action
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s %s: %v", e.Action, e.ItemID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// RateLimitedError is returned by publishers when the platform answered 429.
type RateLimitedError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	if e.Message != "" {
		return "rate limited: " + e.Message
	}
	return "rate limited"
}

// AsRateLimited extracts a RateLimitedError from err.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var target *RateLimitedError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
