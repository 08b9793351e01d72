// Package admission puts every request through a rate check, then serves it
// from the local cache, the shared store or the data source, and keeps the
// cache tiers of all instances coherent through the invalidation bus.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mailgun/holster/v4/clock"
	"github.com/rs/zerolog/log"
	"github.com/toolink/admit/bus"
	"github.com/toolink/admit/datasource"
	"github.com/toolink/admit/deadletter"
	"github.com/toolink/admit/limiter"
	"github.com/toolink/admit/localcache"
	"github.com/toolink/admit/meta"
	"github.com/toolink/admit/metrics"
	"github.com/toolink/admit/redlock"
	"github.com/toolink/admit/sharedcache"
	"golang.org/x/time/rate"
)

// Limiter decides whether a request may proceed.
type Limiter interface {
	Acquire(ctx context.Context, route string, cost float64) (limiter.Decision, error)
	Reset(ctx context.Context, key limiter.Key) error
}

var _ Limiter = (*limiter.RateLimiter)(nil)

// Coordinator serves admission requests. It is safe for concurrent use; each
// request runs on the caller's goroutine.
type Coordinator struct {
	cfg     Config
	limiter Limiter
	local   *localcache.Cache
	store   sharedcache.Store
	bus     bus.Bus
	source  datasource.Source
	locker  redlock.Locker
	dlq     deadletter.Queue
	offsets bus.OffsetStore
	metrics *metrics.Metrics

	denyLog     rate.Sometimes
	degradedLog rate.Sometimes

	consumer consumerState
}

// New creates a Coordinator. Call Run to start consuming invalidations.
func New(cfg Config, lim Limiter, local *localcache.Cache, store sharedcache.Store, b bus.Bus, src datasource.Source, opts ...Option) *Coordinator {
	cfg.setDefaults()
	c := &Coordinator{
		cfg:         cfg,
		limiter:     lim,
		local:       local,
		store:       store,
		bus:         b,
		source:      src,
		denyLog:     rate.Sometimes{Interval: 10 * time.Second},
		degradedLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locker == nil {
		c.locker = redlock.NewLocalLocker()
	}
	if c.dlq == nil {
		c.dlq = deadletter.NewMemoryQueue(0)
	}
	if c.offsets == nil {
		c.offsets = bus.NewMemoryOffsetStore()
	}
	return c
}

// InstanceID returns the id stamped on events published by c.
func (c *Coordinator) InstanceID() string {
	return c.cfg.InstanceID
}

// Handle runs req through the rate check and the cache tiers.
func (c *Coordinator) Handle(ctx context.Context, req Request) Response {
	start := clock.Now()
	resp := c.handle(ctx, req)
	c.metrics.RecordRequest(string(req.Op), string(resp.Status), clock.Now().Sub(start))
	return resp
}

func (c *Coordinator) handle(ctx context.Context, req Request) Response {
	if req.Key == "" {
		return errorResponse(fmt.Errorf("%w: empty key", ErrInvalidRequest))
	}
	switch req.Op {
	case OpRead, OpWrite, OpDelete:
	default:
		return errorResponse(fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Op))
	}

	d, resp, ok := c.admit(ctx, req)
	if !ok {
		return resp
	}

	switch req.Op {
	case OpWrite:
		resp = c.write(ctx, req)
	case OpDelete:
		resp = c.remove(ctx, req.Key)
	default:
		resp = c.read(ctx, req.Key)
	}
	resp.Limit, resp.Remaining = d.Limit, d.Remaining
	return resp
}

// admit charges the request against its rate limits. Limiter failures deny
// nothing silently: they surface as ERROR.
func (c *Coordinator) admit(ctx context.Context, req Request) (limiter.Decision, Response, bool) {
	route := req.Route
	if route == "" {
		route = req.Key
	}
	cost := req.Cost
	if cost <= 0 {
		cost = 1
	}
	if req.Client != "" {
		ctx = meta.FromContext(ctx).Set(meta.KeyClientID, req.Client).WithContext(ctx)
	}

	d, err := c.limiter.Acquire(ctx, route, cost)
	if err != nil {
		return d, errorResponse(fmt.Errorf("admission: rate check: %w", err)), false
	}
	c.metrics.RecordLimitDecision(d.Allowed)
	if !d.Allowed {
		c.denyLog.Do(func() {
			log.Info().Str("route", route).Str("bucket", string(d.Key)).
				Dur("retry_after", d.RetryAfter).Msg("request rate limited")
		})
		return d, Response{
			Status:     StatusDenied,
			RetryAfter: d.RetryAfter,
			Limit:      d.Limit,
			Remaining:  d.Remaining,
			Err:        ErrRateLimited,
		}, false
	}
	return d, Response{}, true
}

func okResponse(value []byte, version uint64) Response {
	return Response{Status: StatusOK, Value: value, Found: true, Version: version}
}

func fillLockKey(key string) string  { return "fill:" + key }
func writeLockKey(key string) string { return "write:" + key }

// newBackOff bounds retries of an unavailable store or bus by StoreRetryTimeout.
func (c *Coordinator) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = c.cfg.StoreRetryTimeout
	return backoff.WithContext(b, ctx)
}

// retryStore runs op until it succeeds, fails with anything but
// sharedcache.ErrUnavailable, or the backoff gives up.
func (c *Coordinator) retryStore(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, sharedcache.ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, c.newBackOff(ctx))
}

// publish announces a change of key. ctx must not be tied to a caller that
// may go away: once the store changed the event has to go out.
func (c *Coordinator) publish(ctx context.Context, key string, version uint64, reason bus.Reason) {
	e := bus.Event{
		Key:     key,
		Version: version,
		Reason:  reason,
		Origin:  c.cfg.InstanceID,
		Time:    clock.Now(),
	}
	err := backoff.Retry(func() error {
		_, err := c.bus.Publish(ctx, e)
		if errors.Is(err, bus.ErrClosed) || errors.Is(err, bus.ErrInvalidEvent) {
			return backoff.Permanent(err)
		}
		return err
	}, c.newBackOff(ctx))
	if err != nil {
		log.Error().Err(err).Str("key", key).Uint64("version", version).
			Str("reason", string(reason)).Msg("failed to publish invalidation")
		return
	}
	c.metrics.RecordPublished(string(reason))
}

func (c *Coordinator) unlock(lock redlock.Lock, key string) {
	if err := lock.Unlock(context.Background()); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to release lock")
	}
}

// Evict drops key from the shared store and every local cache without
// touching the data source. The next read loads it again.
func (c *Coordinator) Evict(ctx context.Context, key string) (uint64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: empty key", ErrInvalidRequest)
	}
	ctx = context.WithoutCancel(ctx)
	var version uint64
	err := c.retryStore(ctx, func() error {
		v, err := c.store.Delete(ctx, key)
		c.metrics.RecordStoreOp("delete", err)
		version = v
		return err
	})
	if err != nil {
		c.local.Invalidate(key)
		return 0, c.storeError("evict", key, err)
	}
	c.local.Apply(key, version)
	c.publish(ctx, key, version, bus.ReasonExpire)
	log.Info().Str("key", key).Uint64("version", version).Msg("key evicted")
	return version, nil
}

// ResetLimit refills the rate limit bucket stored under key on every instance.
func (c *Coordinator) ResetLimit(ctx context.Context, key limiter.Key) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidRequest)
	}
	if err := c.limiter.Reset(ctx, key); err != nil {
		return fmt.Errorf("admission: reset %s: %w", key, err)
	}
	c.publish(context.WithoutCancel(ctx), string(key), 0, bus.ReasonReset)
	log.Info().Str("bucket", string(key)).Msg("rate limit reset")
	return nil
}

// Health is a point-in-time view of the coordinator's dependencies.
type Health struct {
	StoreErr    error
	Local       localcache.Stats
	DeadLetters int64
}

// Healthy reports whether the shared store is reachable.
func (h Health) Healthy() bool {
	return h.StoreErr == nil
}

// Health pings the shared store and collects cache and dead-letter counts.
func (c *Coordinator) Health(ctx context.Context) Health {
	h := Health{
		StoreErr: c.store.Ping(ctx),
		Local:    c.local.Stats(),
	}
	n, err := c.dlq.Len(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read dead-letter queue length")
	}
	h.DeadLetters = n
	return h
}

func (c *Coordinator) storeError(op, key string, err error) error {
	if errors.Is(err, sharedcache.ErrUnavailable) {
		return fmt.Errorf("%w: %s %s: %w", ErrCacheStoreUnavailable, op, key, err)
	}
	return fmt.Errorf("admission: %s %s: %w", op, key, err)
}
