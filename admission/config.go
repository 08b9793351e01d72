package admission

import (
	"time"

	"github.com/google/uuid"
	"github.com/mailgun/holster/v4/setter"
	"github.com/toolink/admit/bus"
	"github.com/toolink/admit/deadletter"
	"github.com/toolink/admit/metrics"
	"github.com/toolink/admit/redlock"
)

// Config tunes the coordinator.
type Config struct {
	// InstanceID names this instance on published events and its offset checkpoint.
	// Generated when empty.
	InstanceID string `yaml:"-"`

	// MaxRetries bounds compare-and-set retries of a write. Default 5.
	MaxRetries int `yaml:"max_retries"`
	// SharedTTL is the TTL of shared store entries. Default 10m.
	SharedTTL time.Duration `yaml:"shared_ttl"`
	// DegradedTTL is the local TTL of values read while the shared store is down. Default 5s.
	DegradedTTL time.Duration `yaml:"degraded_ttl"`
	// FillLockTTL bounds how long one instance may hold a key's fill or write lock. Default 2s.
	FillLockTTL time.Duration `yaml:"fill_lock_ttl"`
	// FillWait is the poll interval while another instance fills a key. Default 50ms.
	FillWait time.Duration `yaml:"fill_wait"`
	// WriteLockTTL bounds how long a writer may hold a key's write lock. Default 5s.
	WriteLockTTL time.Duration `yaml:"write_lock_ttl"`
	// StoreRetryTimeout bounds the backoff on an unavailable store during writes. Default 2s.
	StoreRetryTimeout time.Duration `yaml:"store_retry_timeout"`
	// ApplyRetries bounds attempts to apply an event before it is dead-lettered. Default 3.
	ApplyRetries int `yaml:"apply_retries"`
}

func (c *Config) setDefaults() {
	setter.SetDefault(&c.InstanceID, uuid.NewString())
	setter.SetDefault(&c.MaxRetries, 5)
	setter.SetDefault(&c.SharedTTL, 10*time.Minute)
	setter.SetDefault(&c.DegradedTTL, 5*time.Second)
	setter.SetDefault(&c.FillLockTTL, 2*time.Second)
	setter.SetDefault(&c.FillWait, 50*time.Millisecond)
	setter.SetDefault(&c.WriteLockTTL, 5*time.Second)
	setter.SetDefault(&c.StoreRetryTimeout, 2*time.Second)
	setter.SetDefault(&c.ApplyRetries, 3)
}

// Option configures optional collaborators of a Coordinator.
type Option func(*Coordinator)

// WithLocker sets the lock used to single-flight fills and serialize writes
// per key. Defaults to an in-process locker.
func WithLocker(l redlock.Locker) Option {
	return func(c *Coordinator) {
		c.locker = l
	}
}

// WithDeadLetter sets the queue for events that cannot be applied. Defaults
// to an in-memory queue.
func WithDeadLetter(q deadletter.Queue) Option {
	return func(c *Coordinator) {
		c.dlq = q
	}
}

// WithOffsetStore sets where consumed offsets are checkpointed. Defaults to memory.
func WithOffsetStore(s bus.OffsetStore) Option {
	return func(c *Coordinator) {
		c.offsets = s
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}
