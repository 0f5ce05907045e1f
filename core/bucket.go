package core

import (
	"math"
	"sync"
	"time"
)

// Refill returns the state after adding the tokens earned since LastRefillAt.
// A clock stepping backwards earns nothing and leaves LastRefillAt where it was,
// so the same interval is never refilled twice.
func Refill(state BucketState, policy Policy, now time.Time) BucketState {
	elapsed := now.Sub(state.LastRefillAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
		now = state.LastRefillAt
	}

	tokens := math.Min(state.Tokens+elapsed*policy.RefillRate, policy.Capacity)
	if tokens < 0 {
		tokens = 0
	}

	return BucketState{
		Tokens:       tokens,
		LastRefillAt: now,
	}
}

// Consume refills the state and then tries to take n tokens from it.
// On denial the refilled token count is kept as is: nothing is partially consumed.
func Consume(state BucketState, policy Policy, n float64, now time.Time) (BucketState, Result) {
	state = Refill(state, policy, now)

	if state.Tokens >= n {
		state.Tokens -= n
		return state, Result{
			Granted:   true,
			Remaining: state.Tokens,
		}
	}

	return state, Result{
		Granted:    false,
		RetryAfter: RetryAfter(n-state.Tokens, policy.RefillRate),
		Remaining:  state.Tokens,
	}
}

// RetryAfter converts a token deficit into the time needed to refill it.
func RetryAfter(deficit, refillRate float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	if refillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	wait := math.Round(deficit / refillRate * float64(time.Second))
	if wait < 1 {
		wait = 1
	}
	return time.Duration(wait)
}

// Bucket is a token bucket guarded by its own mutex.
// Refill and consume always happen inside one critical section.
type Bucket struct {
	mu     sync.Mutex
	policy Policy
	state  BucketState
	clock  Clock
}

// NewBucket creates a bucket that starts full.
func NewBucket(policy Policy, clock Clock) *Bucket {
	if clock == nil {
		clock = time.Now
	}
	return &Bucket{
		policy: policy,
		state: BucketState{
			Tokens:       policy.Capacity,
			LastRefillAt: clock(),
		},
		clock: clock,
	}
}

// TryConsume attempts to take n tokens.
// It returns whether they were granted and, if not, how long until they would be.
func (b *Bucket) TryConsume(n float64) (bool, time.Duration) {
	res := b.Consume(n)
	return res.Granted, res.RetryAfter
}

// Consume is TryConsume with the full result, including tokens left afterwards.
func (b *Bucket) Consume(n float64) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res Result
	b.state, res = Consume(b.state, b.policy, n, b.clock())
	return res
}

// Remaining refills the bucket and reports the tokens now available.
func (b *Bucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Refill(b.state, b.policy, b.clock())
	return b.state.Tokens
}

// Policy returns the policy the bucket currently enforces.
func (b *Bucket) Policy() Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

// SetPolicy switches the bucket to a new policy.
// Tokens earned under the old rate are settled first, then clamped to the new capacity.
func (b *Bucket) SetPolicy(policy Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.policy == policy {
		return
	}
	b.state = Refill(b.state, b.policy, b.clock())
	b.policy = policy
	if b.state.Tokens > policy.Capacity {
		b.state.Tokens = policy.Capacity
	}
}
