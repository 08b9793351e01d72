package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/rs/zerolog/log"
	"github.com/toolink/admit/datasource"
	"github.com/toolink/admit/redlock"
	"github.com/toolink/admit/sharedcache"
)

const tierShared = "shared"

func (c *Coordinator) read(ctx context.Context, key string) Response {
	if e, ok := c.local.Get(key); ok {
		return okResponse(e.Value, e.Version)
	}

	e, found, err := c.store.Get(ctx, key)
	c.metrics.RecordStoreOp("get", err)
	if err != nil {
		if ctx.Err() != nil {
			return errorResponse(ctx.Err())
		}
		return c.degradedRead(ctx, key, err)
	}
	c.metrics.RecordCacheAccess(tierShared, found)
	if found {
		c.fillLocal(e)
		return okResponse(e.Value, e.Version)
	}
	return c.populate(ctx, key)
}

// populate loads key from the data source into both tiers. One instance at a
// time fills a key; the others poll the shared store until the value shows
// up, the holder releases the lock, or FillLockTTL passes.
func (c *Coordinator) populate(ctx context.Context, key string) Response {
	deadline := clock.Now().Add(c.cfg.FillLockTTL)
	for {
		lock, err := c.locker.TryLock(ctx, fillLockKey(key), c.cfg.FillLockTTL)
		if err == nil {
			defer c.unlock(lock, key)
			break
		}
		if !errors.Is(err, redlock.ErrLockNotAcquired) {
			log.Warn().Err(err).Str("key", key).Msg("fill lock unavailable, loading without it")
			break
		}
		if !clock.Now().Before(deadline) {
			log.Debug().Str("key", key).Msg("gave up waiting for concurrent fill")
			break
		}

		select {
		case <-ctx.Done():
			return errorResponse(ctx.Err())
		case <-clock.After(c.cfg.FillWait):
		}
		if e, found, err := c.store.Get(ctx, key); err == nil && found {
			c.fillLocal(e)
			return okResponse(e.Value, e.Version)
		}
	}

	// the key may have been filled between the first lookup and the lock
	e, found, err := c.store.Get(ctx, key)
	c.metrics.RecordStoreOp("get", err)
	if err != nil {
		if ctx.Err() != nil {
			return errorResponse(ctx.Err())
		}
		return c.degradedRead(ctx, key, err)
	}
	if found {
		c.fillLocal(e)
		return okResponse(e.Value, e.Version)
	}
	missVersion := e.Version

	value, err := c.source.Fetch(ctx, key)
	if errors.Is(err, datasource.ErrNotFound) {
		return Response{Status: StatusOK, Version: missVersion}
	}
	if err != nil {
		return errorResponse(fmt.Errorf("admission: fetch %s: %w", key, err))
	}

	version, err := c.store.Put(ctx, key, value, c.cfg.SharedTTL, missVersion)
	c.metrics.RecordStoreOp("put", err)
	switch {
	case err == nil:
		c.local.Put(key, value, version, c.localTTL(key, clock.Now().Add(c.cfg.SharedTTL)))
		return okResponse(value, version)

	case errors.Is(err, sharedcache.ErrConflict):
		// a writer got in first, its value is newer than the one fetched
		c.metrics.RecordConflict()
		e, found, gerr := c.store.Get(ctx, key)
		c.metrics.RecordStoreOp("get", gerr)
		if gerr != nil {
			return okResponse(value, 0)
		}
		if !found {
			return Response{Status: StatusOK, Version: e.Version}
		}
		c.fillLocal(e)
		return okResponse(e.Value, e.Version)

	default:
		if ctx.Err() != nil {
			return errorResponse(ctx.Err())
		}
		c.putDegraded(key, value, err)
		return okResponse(value, c.local.Watermark(key))
	}
}

// degradedRead serves key from the data source while the shared store is
// unreachable. The value is cached locally for DegradedTTL only.
func (c *Coordinator) degradedRead(ctx context.Context, key string, cause error) Response {
	value, err := c.source.Fetch(ctx, key)
	if errors.Is(err, datasource.ErrNotFound) {
		return Response{Status: StatusOK}
	}
	if err != nil {
		return errorResponse(fmt.Errorf("admission: fetch %s: %w", key, errors.Join(err, c.storeError("get", key, cause))))
	}
	c.putDegraded(key, value, cause)
	return okResponse(value, c.local.Watermark(key))
}

// putDegraded caches a value that has no store version. It is tagged with the
// key's watermark, so the next invalidation of key removes it.
func (c *Coordinator) putDegraded(key string, value []byte, cause error) {
	c.degradedLog.Do(func() {
		log.Warn().Err(cause).Str("key", key).Dur("ttl", c.cfg.DegradedTTL).Msg("shared store unavailable, serving from data source")
	})
	c.local.Put(key, value, c.local.Watermark(key), c.cfg.DegradedTTL)
}

// fillLocal copies a shared entry into the local cache, never outliving it.
func (c *Coordinator) fillLocal(e sharedcache.Entry) {
	ttl := c.localTTL(e.Key, e.ExpiresAt)
	if ttl <= 0 {
		return
	}
	c.local.Put(e.Key, e.Value, e.Version, ttl)
}

func (c *Coordinator) localTTL(key string, sharedExpiry time.Time) time.Duration {
	ttl := c.local.TTLFor(key)
	if sharedExpiry.IsZero() {
		return ttl
	}
	if remaining := sharedExpiry.Sub(clock.Now()); remaining < ttl {
		return remaining
	}
	return ttl
}
