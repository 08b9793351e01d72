// Package sharedcache is the cross-instance cache tier. Every write is a
// compare-and-set on the stored version, so concurrent writers cannot lose
// updates, and versions for a key never go backwards, deletes included.
package sharedcache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict is returned by Put when the stored version is not the expected one.
	ErrConflict = errors.New("sharedcache: version conflict")
	// ErrUnavailable wraps every transport failure of a remote store.
	ErrUnavailable = errors.New("sharedcache: store unavailable")
)

// ConflictError carries the version a conditional Put lost against.
type ConflictError struct {
	Key      string
	Expected uint64
	Current  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sharedcache: version conflict on %q: expected %d, stored %d", e.Key, e.Expected, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Entry is a stored value.
type Entry struct {
	Key       string
	Value     []byte
	Version   uint64
	ExpiresAt time.Time
}

// Store is the shared cache contract.
type Store interface {
	// Get returns the live entry for key. On a miss the returned Entry still
	// carries the stored version (of an expired entry or a delete tombstone),
	// which is the expectedVersion a following Put must use.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Put stores value if the stored version equals expectedVersion (0 for a key
	// never written) and returns the new version. Otherwise it returns a
	// *ConflictError.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration, expectedVersion uint64) (uint64, error)

	// Delete removes the value and leaves a tombstone with a new version, which is returned.
	Delete(ctx context.Context, key string) (uint64, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

const (
	defaultTTL       = 10 * time.Minute
	defaultRetention = 24 * time.Hour
	defaultPrefix    = "admit"
)

type options struct {
	prefix    string
	retention time.Duration
}

// Option configures a store.
type Option func(*options)

// WithPrefix sets the key prefix of the Redis store. Defaults to "admit".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithRetention sets how long the version of an expired or deleted key is
// remembered. Defaults to 24h.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

func newOptions(opts []Option) options {
	o := options{prefix: defaultPrefix, retention: defaultRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
