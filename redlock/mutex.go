package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// unlockScript deletes the lock only if it still holds our value.
// KEYS[1]: lock key
// ARGV[1]: value set by the holder
// Returns 1 if deletion occurred, 0 otherwise.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Mutex is a Redis lock on a single key, taken with SET NX PX and released
// only by the holder.
type Mutex struct {
	client     redis.Cmdable
	key        string
	value      string // set while held
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
}

// NewMutex creates a Mutex for key.
func NewMutex(client redis.Cmdable, key string, opts ...Option) *Mutex {
	m := &Mutex{
		client:     client,
		key:        key,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mutex) tryLock(ctx context.Context) (string, error) {
	value := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.key, value, m.ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ErrLockWaitTimeout
		}
		log.Error().Err(err).Str("key", m.key).Msg("failed to execute setnx command")
		return "", fmt.Errorf("redlock: setnx %s: %w", m.key, err)
	}
	if !ok {
		return "", ErrLockNotAcquired
	}
	return value, nil
}

// TryLock attempts to acquire the lock immediately without waiting.
func (m *Mutex) TryLock(ctx context.Context) error {
	value, err := m.tryLock(ctx)
	if err != nil {
		return err
	}
	m.value = value
	log.Debug().Str("key", m.key).Dur("ttl", m.ttl).Msg("lock acquired")
	return nil
}

// Lock acquires the lock, retrying every retry delay until the context is done
// or the retry limit is reached.
func (m *Mutex) Lock(ctx context.Context) error {
	err := m.TryLock(ctx)
	if !errors.Is(err, ErrLockNotAcquired) {
		return err
	}

	ticker := time.NewTicker(m.retryDelay)
	defer ticker.Stop()

	for retries := 1; ; retries++ {
		select {
		case <-ctx.Done():
			return ErrLockWaitTimeout
		case <-ticker.C:
		}
		err := m.TryLock(ctx)
		if !errors.Is(err, ErrLockNotAcquired) {
			return err
		}
		if m.maxRetries > 0 && retries >= m.maxRetries {
			log.Warn().Str("key", m.key).Int("retries", retries).Msg("maximum lock retries exceeded")
			return ErrLockMaxRetriesExceeded
		}
	}
}

// Unlock releases the lock if this Mutex still holds it. A lock that already
// expired is reported as ErrUnlockFailed.
func (m *Mutex) Unlock(ctx context.Context) error {
	if m.value == "" {
		return ErrUnlockFailed
	}
	value := m.value
	m.value = ""

	n, err := unlockScript.Run(ctx, m.client, []string{m.key}, value).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", m.key).Msg("failed to execute unlock script")
		return fmt.Errorf("redlock: unlock %s: %w", m.key, err)
	}
	if n != 1 {
		log.Warn().Str("key", m.key).Msg("unlock failed: lock expired or re-acquired elsewhere")
		return ErrUnlockFailed
	}
	return nil
}

// Key returns the locked Redis key.
func (m *Mutex) Key() string {
	return m.key
}

// RedisLocker is a Locker shared by every instance connected to the same Redis.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker creates a Locker that stores locks under "<prefix>:lock:".
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	m := NewMutex(l.client, l.prefix+":lock:"+key, WithTTL(ttl))
	if err := m.TryLock(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	m := NewMutex(l.client, l.prefix+":lock:"+key, WithTTL(ttl), WithMaxRetries(0))
	if err := m.Lock(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

var _ Locker = (*RedisLocker)(nil)
