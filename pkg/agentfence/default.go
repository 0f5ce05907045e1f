package agentfence

import (
	"context"
	"sync"
)

var (
	defaultMu      sync.Mutex
	defaultLimiter *Limiter
)

// Default returns the process-wide Limiter, creating an in-memory one on first use.
// Libraries should prefer an explicitly constructed Limiter.
func Default() *Limiter {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultLimiter == nil {
		// Cannot fail without options
		defaultLimiter, _ = NewLimiter()
	}
	return defaultLimiter
}

// SetDefault replaces the process-wide Limiter and returns the previous one, which may be nil.
// The previous limiter is not closed.
func SetDefault(l *Limiter) *Limiter {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	prev := defaultLimiter
	defaultLimiter = l
	return prev
}

// CheckRateLimit checks against the Default limiter.
func CheckRateLimit(ctx context.Context, service, callerID string) error {
	return Default().CheckRateLimit(ctx, service, callerID)
}
