// Package redlock provides short-lived exclusive locks on named resources, used
// to let a single instance fill a cache key while the others wait for it.
package redlock

import (
	"context"
	"errors"
	"time"
)

const (
	// defaultTTL is the default lock expiry time if not set via WithTTL.
	defaultTTL = 1 * time.Second
	// defaultRetryDelay is the default time to wait between retries in Lock.
	defaultRetryDelay = 50 * time.Millisecond
	// defaultMaxRetries is the default maximum number of retries in Lock.
	// Set to 0 via WithMaxRetries for infinite retries (context permitting).
	defaultMaxRetries = 30
)

var (
	// ErrLockNotAcquired is returned when TryLock fails to acquire the lock immediately.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrUnlockFailed is returned when unlocking fails (e.g., lock expired or held by someone else).
	ErrUnlockFailed = errors.New("redlock: failed to unlock")
	// ErrLockWaitTimeout is returned when Lock fails to acquire the lock within the context deadline.
	ErrLockWaitTimeout = errors.New("redlock: waiting for lock timed out or context cancelled")
	// ErrLockMaxRetriesExceeded is returned when Lock fails after exceeding the maximum retry attempts.
	ErrLockMaxRetriesExceeded = errors.New("redlock: maximum lock retries exceeded")
)

// Lock is a held lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker hands out locks by resource name.
type Locker interface {
	// TryLock acquires the lock on key for at most ttl without waiting.
	// It returns ErrLockNotAcquired when the lock is held elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)

	// Lock waits until the lock on key is acquired or ctx is done, in which
	// case it returns ErrLockWaitTimeout.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithTTL sets the time-to-live for the lock.
// Default is 1 second.
func WithTTL(ttl time.Duration) Option {
	return func(m *Mutex) {
		if ttl <= 0 {
			ttl = defaultTTL
		}
		m.ttl = ttl
	}
}

// WithRetryDelay sets the delay between lock acquisition attempts for the Lock method.
// Default is 50ms.
func WithRetryDelay(delay time.Duration) Option {
	return func(m *Mutex) {
		if delay <= 0 {
			delay = defaultRetryDelay
		}
		m.retryDelay = delay
	}
}

// WithMaxRetries sets the maximum number of retries for the Lock method.
// Set to 0 for infinite retries (limited only by context deadline/cancellation).
func WithMaxRetries(retries int) Option {
	return func(m *Mutex) {
		if retries < 0 {
			retries = defaultMaxRetries
		}
		m.maxRetries = retries
	}
}
