package redlock

import (
	"context"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
)

const localRetryDelay = 2 * time.Millisecond

// LocalLocker is a Locker for a single process. Locks expire after their ttl
// like their Redis counterparts.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]*localLock
}

type localLock struct {
	owner   *LocalLocker
	key     string
	expires time.Time
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]*localLock)}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, ErrLockNotAcquired
	}
	lock := &localLock{owner: l, key: key, expires: now.Add(ttl)}
	l.held[key] = lock
	return lock, nil
}

// Lock implements Locker. It polls every few milliseconds.
func (l *LocalLocker) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	for {
		lock, err := l.TryLock(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		select {
		case <-clock.After(localRetryDelay):
		case <-ctx.Done():
			return nil, ErrLockWaitTimeout
		}
	}
}

func (ll *localLock) Unlock(context.Context) error {
	l := ll.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[ll.key] != ll || !clock.Now().Before(ll.expires) {
		return ErrUnlockFailed
	}
	delete(l.held, ll.key)
	return nil
}

var _ Locker = (*LocalLocker)(nil)
