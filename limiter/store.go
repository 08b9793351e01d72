package limiter

import (
	"context"
	"time"
)

// Key identifies a limited subject, e.g. a route plus client identity.
type Key string

// Limit is the shape of a single token bucket.
type Limit struct {
	Capacity      int64   // burst size, > 0
	RatePerSecond float64 // refill rate, > 0
}

// fillTime is how long an empty bucket takes to refill completely.
func (l Limit) fillTime() time.Duration {
	return time.Duration(float64(l.Capacity) / l.RatePerSecond * float64(time.Second))
}

// Decision is the outcome of a single acquire attempt.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // zero when allowed
	Remaining  int64         // whole tokens left after this attempt
	Limit      int64         // capacity of the bucket that decided
	Key        Key
}

// Store defines the interface for storing and checking token bucket states.
type Store interface {
	// Take refills the bucket for key according to limit and tries to remove cost tokens.
	// It must update the state atomically per key.
	Take(ctx context.Context, key Key, limit Limit, cost float64) (Decision, error)

	// Reset drops any state kept for key so the next Take starts from a full bucket.
	Reset(ctx context.Context, key Key) error
}
