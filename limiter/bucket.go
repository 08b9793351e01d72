package limiter

import (
	"math"
	"time"
)

// bucket is the mutable token bucket state. It is only touched while the owning
// shard lock is held.
type bucket struct {
	limit      Limit
	tokens     float64
	lastRefill time.Time
}

func newBucket(limit Limit, now time.Time) *bucket {
	return &bucket{
		limit:      limit,
		tokens:     float64(limit.Capacity), // start with a full bucket
		lastRefill: now,
	}
}

// take refills based on elapsed time and consumes cost tokens when available.
func (b *bucket) take(now time.Time, limit Limit, cost float64) Decision {
	if b.limit != limit {
		// rule was reloaded; keep the current level but never above the new capacity
		b.limit = limit
	}
	b.refill(now)

	d := Decision{Limit: b.limit.Capacity}
	if b.tokens >= cost {
		b.tokens -= cost
		d.Allowed = true
	} else {
		missing := cost - b.tokens
		d.RetryAfter = time.Duration(missing / b.limit.RatePerSecond * float64(time.Second))
	}
	d.Remaining = int64(math.Floor(b.tokens))
	return d
}

func (b *bucket) refill(now time.Time) {
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.limit.RatePerSecond
		b.lastRefill = now
	}
	if capacity := float64(b.limit.Capacity); b.tokens > capacity {
		b.tokens = capacity
	}
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// idle reports whether the bucket saw no traffic for n full refill periods.
// An idle bucket is full, so dropping it loses nothing.
func (b *bucket) idle(now time.Time, n int) bool {
	return now.Sub(b.lastRefill) > time.Duration(n)*b.limit.fillTime()
}
