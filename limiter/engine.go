package limiter

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/rs/zerolog/log"
)

// Engine is the in-process token bucket engine. Buckets are spread over a fixed
// set of shards by key hash, so contention is per shard and never global.
type Engine struct {
	shards    []*shard
	limit     Limit
	idleAfter int
}

type shard struct {
	mu      sync.Mutex
	buckets map[Key]*bucket
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithShards sets the number of lock shards. Defaults to 64.
func WithShards(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.shards = make([]*shard, n)
		}
	}
}

// WithDefaultLimit sets the limit used by TryAcquire.
func WithDefaultLimit(l Limit) EngineOption {
	return func(e *Engine) {
		e.limit = l
	}
}

// WithIdleAfter sets how many full refill periods a bucket may stay untouched
// before EvictIdle drops it. Defaults to 10.
func WithIdleAfter(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.idleAfter = n
		}
	}
}

// NewEngine creates a new in-memory engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.shards == nil {
		e.shards = make([]*shard, defaultShards)
	}
	for i := range e.shards {
		e.shards[i] = &shard{buckets: make(map[Key]*bucket)}
	}
	setter.SetDefault(&e.idleAfter, defaultIdleAfter)
	setter.SetDefault(&e.limit.Capacity, int64(100))
	setter.SetDefault(&e.limit.RatePerSecond, 100.0/60.0)
	return e
}

func (e *Engine) shardFor(key Key) *shard {
	return e.shards[xxhash.Sum64String(string(key))%uint64(len(e.shards))]
}

// TryAcquire takes cost tokens from the bucket for key using the default limit.
func (e *Engine) TryAcquire(key Key, cost float64) Decision {
	return e.TryAcquireLimit(key, e.limit, cost)
}

// TryAcquireLimit takes cost tokens from the bucket for key, creating it with
// limit on first use. Non-positive costs count as 1.
func (e *Engine) TryAcquireLimit(key Key, limit Limit, cost float64) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := clock.Now()
	s := e.shardFor(key)

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = newBucket(limit, now)
		s.buckets[key] = b
	}
	d := b.take(now, limit, cost)
	s.mu.Unlock()

	d.Key = key
	if !d.Allowed {
		log.Debug().Str("key", string(key)).Float64("cost", cost).Dur("retry_after", d.RetryAfter).Msg("bucket exhausted")
	}
	return d
}

// Take implements Store.
func (e *Engine) Take(_ context.Context, key Key, limit Limit, cost float64) (Decision, error) {
	return e.TryAcquireLimit(key, limit, cost), nil
}

// Reset implements Store.
func (e *Engine) Reset(_ context.Context, key Key) error {
	s := e.shardFor(key)
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// EvictIdle drops buckets that have been idle long enough to be full again.
// Returns the number of dropped buckets.
func (e *Engine) EvictIdle() int {
	now := clock.Now()
	var evicted int
	for _, s := range e.shards {
		s.mu.Lock()
		for k, b := range s.buckets {
			if b.idle(now, e.idleAfter) {
				delete(s.buckets, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("idle buckets evicted")
	}
	return evicted
}

// Len returns the number of live buckets.
func (e *Engine) Len() int {
	var n int
	for _, s := range e.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

var _ Store = (*Engine)(nil)
