package core

import "time"

// Policy defines the rate limiting parameters applied to one bucket
type Policy struct {
	Capacity   float64 // Maximum tokens (burst size)
	RefillRate float64 // Tokens added per second
}

// BucketState represents the current state of a token bucket
type BucketState struct {
	Tokens       float64   // Current tokens available
	LastRefillAt time.Time // Last time tokens were refilled
}

// Result contains the outcome of a refill+consume step
type Result struct {
	Granted    bool          // Whether the tokens were consumed
	RetryAfter time.Duration // Wait until enough tokens exist (0 when granted)
	Remaining  float64       // Tokens left after this step
}

// Clock returns the current time. Tests swap it for a manual clock.
type Clock func() time.Time
