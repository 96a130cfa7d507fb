package common

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation reports a malformed argument such as a zero amount or an
	// unparsable address.
	ErrValidation = errors.New("validation failed")
	// ErrAmountOutOfBounds reports an amount outside the configured deposit or
	// withdrawal bounds for the asset class.
	ErrAmountOutOfBounds = errors.New("amount out of bounds")
	// ErrInsufficientBalance reports that the spendable balance cannot cover the
	// requested amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrRateLimitExceeded is matched by every *RateLimitError.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrAlreadyExecuted reports an attempt to execute or mutate a request that
	// is no longer admitted.
	ErrAlreadyExecuted = errors.New("request already executed")
	// ErrUnauthorized reports a caller missing the capability required by the
	// operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrExecutionFailure is matched by every *ExecutionError.
	ErrExecutionFailure = errors.New("execution failure")
)

// Validation wraps ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// RateLimitError identifies the exact limit that rejected an admission.
type RateLimitError struct {
	Scope     string
	Window    string
	Dimension string
	Limit     uint64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s %s per %s (limit %d)", e.Scope, e.Dimension, e.Window, e.Limit)
}

// Is allows errors.Is(err, ErrRateLimitExceeded).
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// ExecutionError carries the reason a downstream target invocation failed.
type ExecutionError struct {
	Reason string
}

func (e *ExecutionError) Error() string {
	return "execution failure: " + e.Reason
}

// Is allows errors.Is(err, ErrExecutionFailure).
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailure
}
