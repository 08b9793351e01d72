package limiter_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolink/admit/limiter"
)

func TestEngineBurstThenRefill(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()

	e := limiter.NewEngine(limiter.WithDefaultLimit(limiter.Limit{Capacity: 5, RatePerSecond: 1}))

	for i := 0; i < 5; i++ {
		d := e.TryAcquire("client-a", 1)
		require.True(t, d.Allowed, "acquire %d", i)
		assert.Equal(t, int64(4-i), d.Remaining)
	}

	d := e.TryAcquire("client-a", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
	assert.Equal(t, int64(5), d.Limit)

	clock.Advance(time.Second)
	d = e.TryAcquire("client-a", 1)
	assert.True(t, d.Allowed)
	d = e.TryAcquire("client-a", 1)
	assert.False(t, d.Allowed)
}

func TestEngineCost(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()
	limit := limiter.Limit{Capacity: 10, RatePerSecond: 2}
	e := limiter.NewEngine()

	d := e.TryAcquireLimit("k", limit, 7)
	require.True(t, d.Allowed)
	assert.Equal(t, int64(3), d.Remaining)

	d = e.TryAcquireLimit("k", limit, 5)
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	t.Run("non positive cost counts as one", func(t *testing.T) {
		d := e.TryAcquireLimit("k", limit, 0)
		require.True(t, d.Allowed)
		assert.Equal(t, int64(2), d.Remaining)
	})

	t.Run("cost above capacity is never allowed", func(t *testing.T) {
		d := e.TryAcquireLimit("other", limit, 11)
		assert.False(t, d.Allowed)
		assert.Equal(t, 500*time.Millisecond, d.RetryAfter)
	})
}

func TestEngineTokensNeverExceedCapacity(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()
	limit := limiter.Limit{Capacity: 3, RatePerSecond: 1}
	e := limiter.NewEngine()

	e.TryAcquireLimit("k", limit, 1)
	clock.Advance(time.Hour)

	var allowed int
	for i := 0; i < 10; i++ {
		if e.TryAcquireLimit("k", limit, 1).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestEngineConsumptionBound(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()
	limit := limiter.Limit{Capacity: 4, RatePerSecond: 2.5}
	e := limiter.NewEngine()

	var consumed int
	var elapsed time.Duration
	for i := 0; i < 200; i++ {
		if e.TryAcquireLimit("k", limit, 1).Allowed {
			consumed++
		}
		step := time.Duration(i%7) * 37 * time.Millisecond
		clock.Advance(step)
		elapsed += step
	}

	bound := limit.Capacity + int64(math.Floor(elapsed.Seconds()*limit.RatePerSecond))
	assert.LessOrEqual(t, int64(consumed), bound)
}

func TestEngineConcurrentLastToken(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()
	limit := limiter.Limit{Capacity: 1, RatePerSecond: 0.001}
	e := limiter.NewEngine(limiter.WithShards(4))

	const goroutines = 64
	var wins int32
	var launch, done sync.WaitGroup
	launch.Add(1)
	for i := 0; i < goroutines; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			launch.Wait()
			if e.TryAcquireLimit("hot", limit, 1).Allowed {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	launch.Done()
	done.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestEngineEvictIdle(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()
	limit := limiter.Limit{Capacity: 10, RatePerSecond: 10}
	e := limiter.NewEngine(limiter.WithIdleAfter(2))

	e.TryAcquireLimit("idle", limit, 5)
	clock.Advance(1500 * time.Millisecond)
	e.TryAcquireLimit("busy", limit, 5)
	assert.Equal(t, 2, e.Len())

	clock.Advance(time.Second)
	assert.Equal(t, 1, e.EvictIdle())
	assert.Equal(t, 1, e.Len())

	d := e.TryAcquireLimit("idle", limit, 10)
	assert.True(t, d.Allowed, "evicted bucket comes back full")
}

func TestEngineReset(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()
	limit := limiter.Limit{Capacity: 2, RatePerSecond: 0.1}
	e := limiter.NewEngine()

	e.TryAcquireLimit("k", limit, 2)
	require.False(t, e.TryAcquireLimit("k", limit, 1).Allowed)

	require.NoError(t, e.Reset(context.Background(), "k"))
	assert.True(t, e.TryAcquireLimit("k", limit, 1).Allowed)
}
