package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/agentfence/core"
)

// MemoryStore keeps one locked bucket per key in process memory.
// The map lock only guards creation and lookup; each bucket has its own mutex.
type MemoryStore struct {
	buckets    map[string]*bucketEntry
	mu         sync.RWMutex
	clock      core.Clock
	cleanupAge time.Duration // Buckets idle longer than this are cleaned up (0 = never)
}

// bucketEntry wraps a bucket with metadata for cleanup.
type bucketEntry struct {
	bucket       *core.Bucket
	lastAccessed time.Time
	mu           sync.Mutex // Protects lastAccessed
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the time source for buckets and idle tracking.
func WithMemoryClock(clock core.Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCleanupAge sets how long an idle bucket is kept before Cleanup removes it.
func WithCleanupAge(age time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.cleanupAge = age
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*bucketEntry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind implements Store.
func (s *MemoryStore) Kind() Kind {
	return KindMemory
}

// GetBucket returns the bucket for key, creating a full one on first use.
// An existing bucket is switched to policy if the policy changed.
func (s *MemoryStore) GetBucket(key string, policy core.Policy) (*core.Bucket, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	// Try read lock first (fast path - bucket exists)
	s.mu.RLock()
	entry, exists := s.buckets[key]
	s.mu.RUnlock()

	if !exists {
		s.mu.Lock()
		// Double-check: another goroutine might have created it
		entry, exists = s.buckets[key]
		if !exists {
			entry = &bucketEntry{bucket: core.NewBucket(policy, s.clock)}
			s.buckets[key] = entry
		}
		s.mu.Unlock()
	}

	entry.touch(s.clock())
	entry.bucket.SetPolicy(policy)
	return entry.bucket, nil
}

// Consume implements Store.
func (s *MemoryStore) Consume(ctx context.Context, key string, policy core.Policy, n float64) (core.Result, error) {
	if err := ctx.Err(); err != nil {
		return core.Result{}, fmt.Errorf("%w: consume %q: %w", ErrStoreFailed, key, err)
	}

	bucket, err := s.GetBucket(key, policy)
	if err != nil {
		return core.Result{}, err
	}
	return bucket.Consume(n), nil
}

// Remaining implements Store. Memory buckets are always introspectable.
func (s *MemoryStore) Remaining(ctx context.Context, key string, policy core.Policy) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, fmt.Errorf("%w: remaining %q: %w", ErrStoreFailed, key, err)
	}

	bucket, err := s.GetBucket(key, policy)
	if err != nil {
		return 0, false, err
	}
	return bucket.Remaining(), true, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, sel Selector) (int, error) {
	if sel.All() {
		return s.Clear(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.buckets {
		if sel.Match(key) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed, nil
}

// Clear removes all buckets and returns how many there were.
func (s *MemoryStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.buckets)
	s.buckets = make(map[string]*bucketEntry)
	return n
}

// Count returns the total number of buckets in the store.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// Cleanup removes buckets that haven't been accessed recently.
// Returns the number of buckets removed.
func (s *MemoryStore) Cleanup() int {
	if s.cleanupAge == 0 {
		return 0 // Cleanup disabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock().Add(-s.cleanupAge)
	removed := 0

	for key, entry := range s.buckets {
		if entry.idleSince().Before(cutoff) {
			delete(s.buckets, key)
			removed++
		}
	}

	return removed
}

// StartBackgroundCleanup starts a goroutine that periodically cleans up idle buckets.
// Call the returned function to stop the cleanup goroutine.
func (s *MemoryStore) StartBackgroundCleanup(interval time.Duration) func() {
	if s.cleanupAge == 0 || interval <= 0 {
		// Return no-op function if cleanup is disabled
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// Close implements Store. Buckets live until the process exits, so there is nothing to release.
func (s *MemoryStore) Close() error {
	return nil
}

func (e *bucketEntry) touch(now time.Time) {
	e.mu.Lock()
	e.lastAccessed = now
	e.mu.Unlock()
}

func (e *bucketEntry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAccessed
}
