package agentfence

import (
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/agentfence/store"
)

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNegativeCapacity is returned when burst capacity is negative
	ErrNegativeCapacity = errors.New("burst capacity cannot be negative")

	// ErrNegativeRefillRate is returned when the refill rate is not positive
	ErrNegativeRefillRate = errors.New("refill rate must be positive")

	// ErrInvalidService is returned when a service name is empty or contains ':'
	ErrInvalidService = errors.New("service name must be non-empty and must not contain ':'")

	// ErrInvalidCaller is returned when the caller id is empty
	ErrInvalidCaller = errors.New("caller id cannot be empty")

	// ErrInvalidTokens is returned when a check asks for zero or negative tokens
	ErrInvalidTokens = errors.New("tokens requested must be positive")

	// ErrCallerExtractionFailed is returned when the caller cannot be read from a request
	ErrCallerExtractionFailed = errors.New("failed to extract caller from request")

	// ErrRateLimitExceeded matches every *RateLimitExceededError
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrBackendFailure matches every *BackendError
	ErrBackendFailure = errors.New("rate limit backend failure")
)

// RateLimitExceededError reports a denied check. Callers are expected to
// handle it routinely, usually by waiting RetryAfter.
type RateLimitExceededError struct {
	Service    string
	CallerID   string
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (caller %s): retry after %s",
		e.Service, e.CallerID, e.RetryAfter)
}

// Is lets errors.Is(err, ErrRateLimitExceeded) match.
func (e *RateLimitExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// BackendError reports that the active backend could not be consulted.
type BackendError struct {
	Backend store.Kind
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrBackendFailure) match.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendFailure
}

// RetryAfter extracts the wait time from a rate limit error.
// ok is false when err is not a denial.
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitExceededError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
