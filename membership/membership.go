// Package membership keeps a heartbeat-renewed record of every running admitd
// instance in Redis, so operators can see which instances consume the
// invalidation log and where their health endpoints are.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrInvalidInstance is returned when registering an instance without id or address.
var ErrInvalidInstance = errors.New("membership: instance id and address are required")

// Instance describes a running admitd.
type Instance struct {
	ID        string            `json:"id"`
	Address   string            `json:"address"` // health endpoint
	StartedAt time.Time         `json:"started_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s@%s", i.ID, i.Address)
}

// Registry registers instances and lists the live ones.
type Registry interface {
	// Register records inst and keeps renewing it until the returned
	// function is called or the registry is closed.
	Register(ctx context.Context, inst *Instance) (deregister func(context.Context) error, err error)

	// List returns the live instances ordered by id.
	List(ctx context.Context) ([]*Instance, error)

	// Close stops every heartbeat. Registrations expire on their own.
	Close() error
}

const (
	DefaultTTL       = 30 * time.Second
	heartbeatDivisor = 3
)

type options struct {
	prefix    string
	ttl       time.Duration
	heartbeat time.Duration
}

// Option configures a Registry.
type Option func(*options)

// WithPrefix sets the key prefix. Instances live under "<prefix>:instances:".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTTL sets how long a registration outlives its last heartbeat.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		} else {
			log.Warn().Dur("invalid_ttl", ttl).Msg("ignoring non-positive ttl option")
		}
	}
}

// WithHeartbeatInterval sets how often registrations are renewed. It is
// lowered to a third of the TTL when not shorter than the TTL.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeat = d
		}
	}
}

func newOptions(opts []Option) options {
	o := options{prefix: "admit", ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.heartbeat <= 0 || o.heartbeat >= o.ttl {
		adjusted := o.ttl / heartbeatDivisor
		if o.heartbeat > 0 {
			log.Warn().Dur("configured_heartbeat", o.heartbeat).Dur("ttl", o.ttl).
				Dur("adjusted_heartbeat", adjusted).Msg("heartbeat interval was >= ttl, adjusted")
		}
		o.heartbeat = adjusted
	}
	return o
}

func sortInstances(instances []*Instance) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})
}

// NewRegistry returns the Redis registry.
func NewRegistry(client redis.Cmdable, opts ...Option) Registry {
	return newRedisRegistry(client, opts...)
}
