package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/mailgun/holster/v4/clock"
	"github.com/rs/zerolog/log"
	"github.com/toolink/admit/bus"
	"github.com/toolink/admit/datasource"
	"github.com/toolink/admit/redlock"
	"github.com/toolink/admit/sharedcache"
)

// lockWrites serializes writers of key across instances. A nil lock means the
// writer goes ahead unserialized, which the compare-and-set still keeps safe.
func (c *Coordinator) lockWrites(ctx context.Context, key string) (redlock.Lock, error) {
	lctx, cancel := context.WithTimeout(ctx, c.cfg.WriteLockTTL)
	defer cancel()

	lock, err := c.locker.Lock(lctx, writeLockKey(key), c.cfg.WriteLockTTL)
	if err == nil {
		return lock, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Warn().Err(err).Str("key", key).Msg("write lock not acquired, writing unserialized")
	return nil, nil
}

// current reads the stored version of key, and its value when withValue is
// set. A key the shared store does not hold is read from the data source.
func (c *Coordinator) current(ctx context.Context, key string, withValue bool) (uint64, []byte, bool, error) {
	var (
		e     sharedcache.Entry
		found bool
	)
	err := c.retryStore(ctx, func() error {
		var err error
		e, found, err = c.store.Get(ctx, key)
		c.metrics.RecordStoreOp("get", err)
		return err
	})
	if err != nil {
		return 0, nil, false, c.storeError("get", key, err)
	}
	if found || !withValue {
		return e.Version, e.Value, found, nil
	}

	old, err := c.source.Fetch(ctx, key)
	if errors.Is(err, datasource.ErrNotFound) {
		return e.Version, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("admission: fetch %s: %w", key, err)
	}
	return e.Version, old, true, nil
}

// write is a read-modify-write of req.Key: persist to the data source, then
// compare-and-set on the shared store, retried on conflict. Only a
// successful store write reaches the local cache and the bus.
func (c *Coordinator) write(ctx context.Context, req Request) Response {
	lock, err := c.lockWrites(ctx, req.Key)
	if err != nil {
		return errorResponse(err)
	}
	if lock != nil {
		defer c.unlock(lock, req.Key)
	}

	var persisted bool
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		expected, old, found, err := c.current(ctx, req.Key, req.Mutate != nil)
		if err != nil {
			return c.writeFailed(ctx, req.Key, persisted, err)
		}

		value := req.Payload
		if req.Mutate != nil {
			if value, err = req.Mutate(old, found); err != nil {
				return c.writeFailed(ctx, req.Key, persisted, fmt.Errorf("admission: mutate %s: %w", req.Key, err))
			}
		}
		if err := ctx.Err(); err != nil {
			return c.writeFailed(ctx, req.Key, persisted, err)
		}

		version, err := c.commit(ctx, req.Key, value, expected, &persisted)
		if err == nil {
			return okResponse(value, version)
		}
		if !errors.Is(err, sharedcache.ErrConflict) {
			return c.writeFailed(ctx, req.Key, persisted, err)
		}
		c.metrics.RecordConflict()
		log.Debug().Err(err).Str("key", req.Key).Int("attempt", attempt).Msg("write lost compare-and-set, retrying")
	}

	err = fmt.Errorf("%w: %s after %d retries", ErrVersionConflict, req.Key, c.cfg.MaxRetries)
	return c.writeFailed(ctx, req.Key, persisted, err)
}

// commit persists value and stores it in the shared store at expected. From
// the first side effect on, it runs detached from ctx: a write that reached
// the store stands and is announced even if the caller is gone.
func (c *Coordinator) commit(ctx context.Context, key string, value []byte, expected uint64, persisted *bool) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreRetryTimeout+c.cfg.WriteLockTTL)
	defer cancel()

	if err := c.source.Persist(ctx, key, value); err != nil {
		return 0, fmt.Errorf("admission: persist %s: %w", key, err)
	}
	*persisted = true

	var version uint64
	err := c.retryStore(ctx, func() error {
		v, err := c.store.Put(ctx, key, value, c.cfg.SharedTTL, expected)
		c.metrics.RecordStoreOp("put", err)
		version = v
		return err
	})
	if err != nil {
		return 0, c.storeError("put", key, err)
	}
	*persisted = false

	// Own UPDATE events are not applied, so the watermark is raised here. A
	// concurrent read holding an older store entry can then not cache it.
	c.local.Apply(key, version)
	c.local.Put(key, value, version, c.localTTL(key, clock.Now().Add(c.cfg.SharedTTL)))
	c.publish(ctx, key, version, bus.ReasonUpdate)
	return version, nil
}

// writeFailed reports a failed write. When the data source already holds a
// value the store never got, the store entry is dropped everywhere so the
// next read loads the data source's value.
func (c *Coordinator) writeFailed(ctx context.Context, key string, persisted bool, err error) Response {
	log.Warn().Err(err).Str("key", key).Bool("persisted", persisted).Msg("write failed")
	if persisted {
		if _, eerr := c.Evict(ctx, key); eerr != nil {
			log.Error().Err(eerr).Str("key", key).Msg("failed to drop cached value after partial write")
		}
	}
	return errorResponse(err)
}

// remove deletes key from the data source and the shared store.
func (c *Coordinator) remove(ctx context.Context, key string) Response {
	lock, err := c.lockWrites(ctx, key)
	if err != nil {
		return errorResponse(err)
	}
	if lock != nil {
		defer c.unlock(lock, key)
	}
	if err := ctx.Err(); err != nil {
		return errorResponse(err)
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreRetryTimeout+c.cfg.WriteLockTTL)
	defer cancel()

	if err := c.source.Remove(dctx, key); err != nil {
		return errorResponse(fmt.Errorf("admission: remove %s: %w", key, err))
	}

	var version uint64
	err = c.retryStore(dctx, func() error {
		v, err := c.store.Delete(dctx, key)
		c.metrics.RecordStoreOp("delete", err)
		version = v
		return err
	})
	if err != nil {
		c.local.Invalidate(key)
		err = c.storeError("delete", key, err)
		log.Warn().Err(err).Str("key", key).Msg("delete failed")
		return errorResponse(err)
	}

	c.local.Apply(key, version)
	c.publish(dctx, key, version, bus.ReasonDelete)
	return Response{Status: StatusOK, Version: version}
}
