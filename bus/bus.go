// Package bus is the invalidation log shared by all instances. Events are
// partitioned by key, ordered within a partition and delivered at least once.
// Every event carries a per-partition sequence number, so a subscriber can
// resume from the last acknowledged offset and notice when it missed events.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	// ErrClosed is returned by operations on a closed bus or subscription.
	ErrClosed = errors.New("bus: closed")
	// ErrInvalidEvent is returned when an event is missing its key or carries an unknown reason.
	ErrInvalidEvent = errors.New("bus: invalid event")
)

// Reason says why a key was invalidated.
type Reason string

const (
	ReasonUpdate Reason = "UPDATE"
	ReasonDelete Reason = "DELETE"
	ReasonExpire Reason = "EXPIRE"
	// ReasonReset drops the rate limit bucket named by the event key.
	ReasonReset Reason = "RESET"
)

// Event is an invalidation event.
type Event struct {
	Key     string    `json:"key"`
	Version uint64    `json:"version"`
	Reason  Reason    `json:"reason"`
	Origin  string    `json:"origin,omitempty"`
	Time    time.Time `json:"ts"`
}

// Validate checks that the event can be applied.
func (e Event) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidEvent)
	}
	switch e.Reason {
	case ReasonUpdate, ReasonDelete, ReasonExpire, ReasonReset:
		return nil
	default:
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidEvent, e.Reason)
	}
}

// Offset locates an event in the log.
type Offset struct {
	Partition int
	Seq       uint64
}

// Offsets maps a partition to the sequence of the last event consumed from it.
// A partition missing from the map is read from its current end.
type Offsets map[int]uint64

// Clone returns a copy of o.
func (o Offsets) Clone() Offsets {
	c := make(Offsets, len(o))
	for p, s := range o {
		c[p] = s
	}
	return c
}

// Delivery is an event handed to a subscriber.
type Delivery struct {
	Event  Event
	Offset Offset
	// Gap is set when events between the previous delivery of this partition
	// and this one are no longer available.
	Gap bool
	// Err is set, and Raw holds the payload, when the event could not be decoded.
	Err error
	Raw []byte
}

// Bus publishes and subscribes to invalidation events.
type Bus interface {
	// Publish appends e to the partition of e.Key and returns its offset.
	Publish(ctx context.Context, e Event) (Offset, error)

	// Subscribe starts reading after the given offsets.
	Subscribe(ctx context.Context, from Offsets) (Subscription, error)

	// Partitions returns the partition count.
	Partitions() int

	// Close stops every subscription.
	Close() error
}

// Subscription is a stream of deliveries.
type Subscription interface {
	// Events never closes until the subscription does.
	Events() <-chan Delivery

	// Ack marks d as consumed.
	Ack(d Delivery)

	// Committed returns the offsets of acknowledged deliveries.
	Committed() Offsets

	Close() error
}

// Partition returns the partition key belongs to.
func Partition(key string, partitions int) int {
	return int(xxhash.Sum64String(key) % uint64(partitions))
}

// New creates a Bus. A Redis client selects the Redis Streams backend,
// otherwise events stay in memory.
func New(opts ...Option) Bus {
	o := newOptions(opts)
	if o.client != nil {
		log.Info().Str("topic", o.topic).Int("partitions", o.partitions).Msg("initializing bus with redis streams backend")
		return NewRedisBus(o.client, opts...)
	}
	log.Info().Int("partitions", o.partitions).Msg("initializing bus with memory backend")
	return NewMemoryBus(opts...)
}

const (
	defaultTopic      = "invalidation"
	defaultPartitions = 8
	defaultMaxLen     = 100_000
	defaultBlock      = 2 * time.Second
	defaultBuffer     = 256
	defaultPrefix     = "admit"
)

type options struct {
	client     redis.Cmdable
	prefix     string
	topic      string
	partitions int
	maxLen     int64
	block      time.Duration
	buffer     int
}

// Option configures a Bus.
type Option func(*options)

// WithRedisClient selects the Redis Streams backend.
func WithRedisClient(client redis.Cmdable) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithPrefix sets the Redis key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTopic sets the log name.
func WithTopic(topic string) Option {
	return func(o *options) {
		if topic != "" {
			o.topic = topic
		}
	}
}

// WithPartitions sets the partition count. All instances must agree on it.
func WithPartitions(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.partitions = n
		}
	}
}

// WithMaxLen sets the approximate number of events retained per partition.
func WithMaxLen(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLen = n
		}
	}
}

// WithBlock sets how long a Redis read blocks waiting for events.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.block = d
		}
	}
}

// WithBuffer sets the capacity of a subscription's Events channel.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.buffer = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		prefix:     defaultPrefix,
		topic:      defaultTopic,
		partitions: defaultPartitions,
		maxLen:     defaultMaxLen,
		block:      defaultBlock,
		buffer:     defaultBuffer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
