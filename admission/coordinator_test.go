package admission_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolink/admit/admission"
	"github.com/toolink/admit/bus"
	"github.com/toolink/admit/datasource"
	"github.com/toolink/admit/limiter"
	"github.com/toolink/admit/localcache"
	"github.com/toolink/admit/metrics"
	"github.com/toolink/admit/sharedcache"
)

const limitedRoute = "/limited"

// flakyStore wraps a store to simulate outages, lost races and callers going away.
type flakyStore struct {
	sharedcache.Store
	down      atomic.Bool
	conflicts atomic.Int32
	afterPut  func()
	afterGet  func(key string)
}

func (s *flakyStore) unavailable(op, key string) error {
	return fmt.Errorf("%w: %s %s: connection refused", sharedcache.ErrUnavailable, op, key)
}

func (s *flakyStore) Get(ctx context.Context, key string) (sharedcache.Entry, bool, error) {
	if s.down.Load() {
		return sharedcache.Entry{}, false, s.unavailable("get", key)
	}
	e, found, err := s.Store.Get(ctx, key)
	if err == nil && s.afterGet != nil {
		s.afterGet(key)
	}
	return e, found, err
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration, expected uint64) (uint64, error) {
	if s.down.Load() {
		return 0, s.unavailable("put", key)
	}
	if s.conflicts.Add(-1) >= 0 {
		return 0, &sharedcache.ConflictError{Key: key, Expected: expected, Current: expected + 1}
	}
	v, err := s.Store.Put(ctx, key, value, ttl, expected)
	if err == nil && s.afterPut != nil {
		s.afterPut()
	}
	return v, err
}

func (s *flakyStore) Delete(ctx context.Context, key string) (uint64, error) {
	if s.down.Load() {
		return 0, s.unavailable("delete", key)
	}
	return s.Store.Delete(ctx, key)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.down.Load() {
		return s.unavailable("ping", "")
	}
	return s.Store.Ping(ctx)
}

type countingSource struct {
	*datasource.Memory
	fetches atomic.Int32
}

func (s *countingSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	s.fetches.Add(1)
	time.Sleep(10 * time.Millisecond)
	return s.Memory.Fetch(ctx, key)
}

type env struct {
	store  *flakyStore
	source *datasource.Memory
	bus    *bus.MemoryBus
}

func newEnv(t *testing.T) *env {
	b := bus.NewMemoryBus(bus.WithPartitions(1))
	t.Cleanup(func() { _ = b.Close() })
	return &env{
		store:  &flakyStore{Store: sharedcache.NewMemoryStore()},
		source: datasource.NewMemory(),
		bus:    b,
	}
}

func newLimiter(t *testing.T) *limiter.RateLimiter {
	t.Helper()
	cfg := &limiter.Config{
		Rules: []limiter.Rule{
			{Path: limitedRoute, Capacity: 2, Rate: 1, Period: 60, LimitBy: []string{limiter.LimitByClientID}},
		},
	}
	require.NoError(t, cfg.ValidateAndPrepare())
	return limiter.NewRateLimiter(cfg, limiter.NewEngine())
}

func (e *env) coordinator(t *testing.T, cfg admission.Config, opts ...admission.Option) (*admission.Coordinator, *localcache.Cache) {
	t.Helper()
	if cfg.FillWait == 0 {
		cfg.FillWait = 5 * time.Millisecond
	}
	if cfg.StoreRetryTimeout == 0 {
		cfg.StoreRetryTimeout = 50 * time.Millisecond
	}
	local := localcache.New(localcache.Config{MaxEntries: 100})
	return admission.New(cfg, newLimiter(t), local, e.store, e.bus, e.source, opts...), local
}

func read(key string) admission.Request {
	return admission.Request{Key: key, Op: admission.OpRead}
}

func write(key, value string) admission.Request {
	return admission.Request{Key: key, Op: admission.OpWrite, Payload: []byte(value)}
}

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, local := e.coordinator(t, admission.Config{InstanceID: "a"}, admission.WithMetrics(metrics.New(prometheus.NewRegistry())))
	require.NoError(t, e.source.Persist(ctx, "course:1", []byte("intro")))

	resp := c.Handle(ctx, read("course:1"))
	require.Equal(t, admission.StatusOK, resp.Status, resp.Err)
	assert.True(t, resp.Found)
	assert.Equal(t, []byte("intro"), resp.Value)
	assert.Greater(t, resp.Version, uint64(0))

	stored, ok, err := e.store.Get(ctx, "course:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, resp.Version, stored.Version)

	cached, ok := local.Get("course:1")
	require.True(t, ok)
	assert.Equal(t, resp.Version, cached.Version)

	// the data source is not consulted again while the tiers hold the key
	require.NoError(t, e.source.Persist(ctx, "course:1", []byte("changed behind the cache")))
	resp = c.Handle(ctx, read("course:1"))
	assert.Equal(t, []byte("intro"), resp.Value)

	// a second instance fills its local tier from the shared store
	other, otherLocal := e.coordinator(t, admission.Config{InstanceID: "b"})
	resp = other.Handle(ctx, read("course:1"))
	assert.Equal(t, []byte("intro"), resp.Value)
	_, ok = otherLocal.Get("course:1")
	assert.True(t, ok)
}

func TestReadNotFound(t *testing.T) {
	e := newEnv(t)
	c, local := e.coordinator(t, admission.Config{InstanceID: "a"})

	resp := c.Handle(context.Background(), read("missing"))
	require.Equal(t, admission.StatusOK, resp.Status, resp.Err)
	assert.False(t, resp.Found)
	assert.Nil(t, resp.Value)
	assert.Equal(t, 0, local.Len())
}

func TestConcurrentMissesFetchOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := &countingSource{Memory: e.source}
	local := localcache.New(localcache.Config{})
	c := admission.New(admission.Config{InstanceID: "a", FillWait: 5 * time.Millisecond},
		newLimiter(t), local, e.store, e.bus, src)
	require.NoError(t, e.source.Persist(ctx, "hot", []byte("value")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := c.Handle(ctx, read("hot"))
			assert.Equal(t, []byte("value"), resp.Value)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.fetches.Load())
}

func TestRateLimited(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, _ := e.coordinator(t, admission.Config{InstanceID: "a"})

	req := admission.Request{Key: "k", Op: admission.OpRead, Route: limitedRoute, Client: "client-1"}
	for i := 0; i < 2; i++ {
		resp := c.Handle(ctx, req)
		require.Equal(t, admission.StatusOK, resp.Status, resp.Err)
	}

	resp := c.Handle(ctx, req)
	assert.Equal(t, admission.StatusDenied, resp.Status)
	assert.ErrorIs(t, resp.Err, admission.ErrRateLimited)
	assert.InDelta(t, time.Minute.Seconds(), resp.RetryAfter.Seconds(), 1)

	// other clients and unlimited routes are unaffected
	req.Client = "client-2"
	assert.Equal(t, admission.StatusOK, c.Handle(ctx, req).Status)
	assert.Equal(t, admission.StatusOK, c.Handle(ctx, read("k")).Status)
}

func TestInvalidRequest(t *testing.T) {
	e := newEnv(t)
	c, _ := e.coordinator(t, admission.Config{InstanceID: "a"})

	for _, req := range []admission.Request{
		{Op: admission.OpRead},
		{Key: "k", Op: "PATCH"},
	} {
		resp := c.Handle(context.Background(), req)
		assert.Equal(t, admission.StatusError, resp.Status)
		assert.ErrorIs(t, resp.Err, admission.ErrInvalidRequest)
	}
}

func TestWriteThrough(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, local := e.coordinator(t, admission.Config{InstanceID: "a"})
	sub, err := e.bus.Subscribe(ctx, bus.Offsets{0: 0})
	require.NoError(t, err)
	defer sub.Close()

	first := c.Handle(ctx, write("k", "one"))
	require.Equal(t, admission.StatusOK, first.Status, first.Err)
	second := c.Handle(ctx, write("k", "two"))
	require.Equal(t, admission.StatusOK, second.Status, second.Err)
	assert.Greater(t, second.Version, first.Version)

	got, err := e.source.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	stored, ok, err := e.store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.Version, stored.Version)

	cached, ok := local.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("two"), cached.Value)

	for _, want := range []admission.Response{first, second} {
		d := receive(t, sub)
		assert.Equal(t, bus.ReasonUpdate, d.Event.Reason)
		assert.Equal(t, want.Version, d.Event.Version)
		assert.Equal(t, "a", d.Event.Origin)
	}
}

func TestReadRacingLocalWriteCannotCacheOlderVersion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, local := e.coordinator(t, admission.Config{InstanceID: "a"})

	first := c.Handle(ctx, write("k", "v1"))
	require.Equal(t, admission.StatusOK, first.Status, first.Err)
	local.Invalidate("k")

	// hold the next read between its shared store lookup and the local fill
	var armed atomic.Bool
	armed.Store(true)
	fetched, release := make(chan struct{}), make(chan struct{})
	e.store.afterGet = func(key string) {
		if key == "k" && armed.CompareAndSwap(true, false) {
			close(fetched)
			<-release
		}
	}

	done := make(chan admission.Response, 1)
	go func() { done <- c.Handle(ctx, read("k")) }()
	<-fetched

	second := c.Handle(ctx, write("k", "v2"))
	require.Equal(t, admission.StatusOK, second.Status, second.Err)
	close(release)
	stale := <-done
	require.Equal(t, []byte("v1"), stale.Value)

	got := c.Handle(ctx, read("k"))
	require.Equal(t, admission.StatusOK, got.Status, got.Err)
	assert.Equal(t, []byte("v2"), got.Value)
	assert.Equal(t, second.Version, got.Version)
	assert.Equal(t, second.Version, local.Watermark("k"))
}

func TestAnonymousRequestsAreLimited(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	cfg := &limiter.Config{Default: &limiter.Rule{Capacity: 1, Rate: 1, Period: 60}}
	require.NoError(t, cfg.ValidateAndPrepare())
	lim := limiter.NewRateLimiter(cfg, limiter.NewEngine())
	c := admission.New(admission.Config{InstanceID: "a"}, lim, localcache.New(localcache.Config{}), e.store, e.bus, e.source)

	first := c.Handle(ctx, read("k"))
	require.Equal(t, admission.StatusOK, first.Status, first.Err)
	assert.Equal(t, int64(1), first.Limit)
	assert.Equal(t, int64(0), first.Remaining)

	for i := 0; i < 5; i++ {
		resp := c.Handle(ctx, read("k"))
		assert.Equal(t, admission.StatusDenied, resp.Status)
		assert.ErrorIs(t, resp.Err, admission.ErrRateLimited)
		assert.Equal(t, int64(1), resp.Limit)
	}

	// an identified caller is charged to its own bucket
	req := read("k")
	req.Client = "client-1"
	assert.Equal(t, admission.StatusOK, c.Handle(ctx, req).Status)
}

func TestWriteRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, _ := e.coordinator(t, admission.Config{InstanceID: "a", MaxRetries: 3})

	e.store.conflicts.Store(3)
	resp := c.Handle(ctx, write("k", "v"))
	require.Equal(t, admission.StatusOK, resp.Status, resp.Err)

	stored, ok, err := e.store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), stored.Value)
}

func TestWriteSurfacesConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, local := e.coordinator(t, admission.Config{InstanceID: "a", MaxRetries: 2})

	require.Equal(t, admission.StatusOK, c.Handle(ctx, write("k", "old")).Status)

	e.store.conflicts.Store(100)
	resp := c.Handle(ctx, write("k", "new"))
	assert.Equal(t, admission.StatusError, resp.Status)
	assert.ErrorIs(t, resp.Err, admission.ErrVersionConflict)

	// the data source took the value the store never did, so neither tier may
	// keep serving the old one
	_, ok, err := e.store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok = local.Get("k")
	assert.False(t, ok)

	e.store.conflicts.Store(0)
	resp = c.Handle(ctx, read("k"))
	assert.Equal(t, []byte("new"), resp.Value)
}

func TestConcurrentMutationsLoseNoUpdate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.coordinator(t, admission.Config{InstanceID: "a", MaxRetries: 100})
	b, _ := e.coordinator(t, admission.Config{InstanceID: "b", MaxRetries: 100})

	increment := func(old []byte, found bool) ([]byte, error) {
		n := 0
		if found {
			var err error
			if n, err = strconv.Atoi(string(old)); err != nil {
				return nil, err
			}
		}
		return []byte(strconv.Itoa(n + 1)), nil
	}

	const writers = 20
	versions := make(chan uint64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		c := a
		if i%2 == 1 {
			c = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := c.Handle(ctx, admission.Request{Key: "counter", Op: admission.OpWrite, Mutate: increment})
			if assert.Equal(t, admission.StatusOK, resp.Status, resp.Err) {
				versions <- resp.Version
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[uint64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d returned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	stored, ok, err := e.store.Get(ctx, "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(writers), string(stored.Value))
}

func TestCancelledWriteStillPublishes(t *testing.T) {
	e := newEnv(t)
	c, _ := e.coordinator(t, admission.Config{InstanceID: "a"})
	sub, err := e.bus.Subscribe(context.Background(), bus.Offsets{0: 0})
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e.store.afterPut = cancel

	resp := c.Handle(ctx, write("k", "v"))
	require.Error(t, ctx.Err())
	require.Equal(t, admission.StatusOK, resp.Status, resp.Err)

	d := receive(t, sub)
	assert.Equal(t, "k", d.Event.Key)
	assert.Equal(t, resp.Version, d.Event.Version)
	assert.Equal(t, bus.ReasonUpdate, d.Event.Reason)
}

func TestDegradedStore(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()
	ctx := context.Background()
	e := newEnv(t)
	c, local := e.coordinator(t, admission.Config{InstanceID: "a", DegradedTTL: 5 * time.Second})
	require.NoError(t, e.source.Persist(ctx, "k", []byte("from source")))
	e.store.down.Store(true)

	t.Run("reads fall back to the data source", func(t *testing.T) {
		resp := c.Handle(ctx, read("k"))
		require.Equal(t, admission.StatusOK, resp.Status, resp.Err)
		assert.Equal(t, []byte("from source"), resp.Value)

		_, ok := local.Get("k")
		assert.True(t, ok)
		clock.Advance(5 * time.Second)
		_, ok = local.Get("k")
		assert.False(t, ok)
	})

	t.Run("writes fail", func(t *testing.T) {
		resp := c.Handle(ctx, write("k", "lost?"))
		assert.Equal(t, admission.StatusError, resp.Status)
		assert.ErrorIs(t, resp.Err, admission.ErrCacheStoreUnavailable)

		got, err := e.source.Fetch(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("from source"), got)
	})

	t.Run("health reports the outage", func(t *testing.T) {
		h := c.Health(ctx)
		assert.False(t, h.Healthy())
		e.store.down.Store(false)
		assert.True(t, c.Health(ctx).Healthy())
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, local := e.coordinator(t, admission.Config{InstanceID: "a"})

	written := c.Handle(ctx, write("k", "v"))
	require.Equal(t, admission.StatusOK, written.Status, written.Err)

	resp := c.Handle(ctx, admission.Request{Key: "k", Op: admission.OpDelete})
	require.Equal(t, admission.StatusOK, resp.Status, resp.Err)
	assert.Greater(t, resp.Version, written.Version)

	_, err := e.source.Fetch(ctx, "k")
	assert.ErrorIs(t, err, datasource.ErrNotFound)
	_, ok := local.Get("k")
	assert.False(t, ok)
	assert.Equal(t, resp.Version, local.Watermark("k"))

	resp = c.Handle(ctx, read("k"))
	assert.Equal(t, admission.StatusOK, resp.Status)
	assert.False(t, resp.Found)
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, local := e.coordinator(t, admission.Config{InstanceID: "a"})
	require.NoError(t, e.source.Persist(ctx, "k", []byte("v1")))
	require.Equal(t, admission.StatusOK, c.Handle(ctx, read("k")).Status)

	require.NoError(t, e.source.Persist(ctx, "k", []byte("v2")))
	_, err := c.Evict(ctx, "k")
	require.NoError(t, err)
	_, ok := local.Get("k")
	assert.False(t, ok)

	assert.Equal(t, []byte("v2"), c.Handle(ctx, read("k")).Value)

	_, err = c.Evict(ctx, "")
	assert.ErrorIs(t, err, admission.ErrInvalidRequest)
}

func TestResetLimit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c, _ := e.coordinator(t, admission.Config{InstanceID: "a"})
	sub, err := e.bus.Subscribe(ctx, bus.Offsets{0: 0})
	require.NoError(t, err)
	defer sub.Close()

	req := admission.Request{Key: "k", Op: admission.OpRead, Route: limitedRoute, Client: "client-1"}
	for i := 0; i < 2; i++ {
		require.Equal(t, admission.StatusOK, c.Handle(ctx, req).Status)
	}
	require.Equal(t, admission.StatusDenied, c.Handle(ctx, req).Status)

	bucket := limiter.StoreKey(limitedRoute, limiter.LimitByClientID, "client-1")
	require.NoError(t, c.ResetLimit(ctx, bucket))
	assert.Equal(t, admission.StatusOK, c.Handle(ctx, req).Status)

	d := receive(t, sub)
	assert.Equal(t, bus.ReasonReset, d.Event.Reason)
	assert.Equal(t, string(bucket), d.Event.Key)
}

func TestStoreErrorsAreClassified(t *testing.T) {
	e := newEnv(t)
	c, _ := e.coordinator(t, admission.Config{InstanceID: "a"})
	e.store.down.Store(true)

	_, err := c.Evict(context.Background(), "k")
	assert.ErrorIs(t, err, admission.ErrCacheStoreUnavailable)
	assert.ErrorIs(t, err, sharedcache.ErrUnavailable)
	assert.False(t, errors.Is(err, admission.ErrVersionConflict))
}
