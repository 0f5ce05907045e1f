package store

import (
	"context"
	"errors"
	"strings"

	"github.com/yourusername/agentfence/core"
)

var (
	// ErrStoreFailed is returned when the backing store cannot be consulted
	ErrStoreFailed = errors.New("store operation failed")

	// ErrInvalidKey is returned when a key is empty
	ErrInvalidKey = errors.New("rate limit key cannot be empty")
)

// Kind names a storage backend
type Kind string

const (
	KindMemory Kind = "memory"
	KindRedis  Kind = "redis"
)

// KeySeparator joins a service and a caller into a key
const KeySeparator = ":"

// Store performs the refill+consume step for a key as one atomic operation
type Store interface {
	// Kind reports which backend this is.
	Kind() Kind

	// Consume refills the bucket for key under policy and tries to take n tokens.
	Consume(ctx context.Context, key string, policy core.Policy, n float64) (core.Result, error)

	// Remaining reports the tokens available for key after refill.
	// ok is false when the backend does not offer cheap introspection.
	Remaining(ctx context.Context, key string, policy core.Policy) (tokens float64, ok bool, err error)

	// Reset drops the buckets matching sel and returns how many were removed.
	Reset(ctx context.Context, sel Selector) (int, error)

	// Close releases the backend.
	Close() error
}

// Key composes the bucket key for a (service, caller) pair.
func Key(service, callerID string) string {
	return service + KeySeparator + callerID
}

// SplitKey is the inverse of Key. Service names never contain the separator.
func SplitKey(key string) (service, callerID string, ok bool) {
	return strings.Cut(key, KeySeparator)
}

// Selector picks buckets for Reset. Empty fields match everything.
type Selector struct {
	Service  string
	CallerID string
}

// All reports whether the selector matches every bucket.
func (s Selector) All() bool {
	return s.Service == "" && s.CallerID == ""
}

// Match reports whether key falls under the selector.
func (s Selector) Match(key string) bool {
	service, caller, ok := SplitKey(key)
	if !ok {
		return s.All()
	}
	if s.Service != "" && s.Service != service {
		return false
	}
	if s.CallerID != "" && s.CallerID != caller {
		return false
	}
	return true
}
