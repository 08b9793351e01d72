package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type redisRegistry struct {
	opts   options
	client redis.Cmdable

	mu    sync.Mutex
	stops map[string]chan struct{} // instance key -> heartbeat stop
}

func newRedisRegistry(client redis.Cmdable, opts ...Option) *redisRegistry {
	return &redisRegistry{
		opts:   newOptions(opts),
		client: client,
		stops:  make(map[string]chan struct{}),
	}
}

func (r *redisRegistry) key(id string) string {
	return r.opts.prefix + ":instances:" + id
}

func (r *redisRegistry) Register(ctx context.Context, inst *Instance) (func(context.Context) error, error) {
	if inst.ID == "" || inst.Address == "" {
		return nil, ErrInvalidInstance
	}
	value, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("membership: marshal %s: %w", inst, err)
	}

	key := r.key(inst.ID)
	if err := r.client.Set(ctx, key, value, r.opts.ttl).Err(); err != nil {
		return nil, fmt.Errorf("membership: register %s: %w", inst, err)
	}
	log.Info().Stringer("instance", inst).Dur("ttl", r.opts.ttl).Msg("instance registered")

	r.mu.Lock()
	if old, ok := r.stops[key]; ok {
		log.Warn().Str("key", key).Msg("stopping existing heartbeat for re-registration")
		close(old)
	}
	stop := make(chan struct{})
	r.stops[key] = stop
	r.mu.Unlock()

	go r.keepAlive(key, value, inst, stop)

	return func(ctx context.Context) error {
		return r.deregister(ctx, key, inst)
	}, nil
}

// keepAlive renews the registration, writing it again when it expired.
func (r *redisRegistry) keepAlive(key string, value []byte, inst *Instance, stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.heartbeat)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-stop:
			log.Debug().Stringer("instance", inst).Msg("heartbeat stopped")
			return
		case <-ticker.C:
			renewed, err := r.client.Expire(ctx, key, r.opts.ttl).Result()
			if err != nil {
				log.Error().Err(err).Stringer("instance", inst).Msg("heartbeat failed to renew ttl")
				continue
			}
			if renewed {
				continue
			}
			if err := r.client.Set(ctx, key, value, r.opts.ttl).Err(); err != nil {
				log.Error().Err(err).Stringer("instance", inst).Msg("failed to re-register expired instance")
				continue
			}
			log.Warn().Stringer("instance", inst).Msg("instance re-registered after expiration")
		}
	}
}

func (r *redisRegistry) deregister(ctx context.Context, key string, inst *Instance) error {
	r.mu.Lock()
	if stop, ok := r.stops[key]; ok {
		close(stop)
		delete(r.stops, key)
	}
	r.mu.Unlock()

	if err := r.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("membership: deregister %s: %w", inst, err)
	}
	log.Info().Stringer("instance", inst).Msg("instance deregistered")
	return nil
}

// List scans the instance keys and fetches them with MGET.
func (r *redisRegistry) List(ctx context.Context) ([]*Instance, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := r.key("*")
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("membership: scan: %w", err)
		}
		keys = append(keys, batch...)
		if cursor = next; cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return []*Instance{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("membership: mget: %w", err)
	}
	instances := make([]*Instance, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var inst Instance
		if err := json.Unmarshal([]byte(s), &inst); err != nil {
			log.Warn().Err(err).Str("key", keys[i]).Msg("skipping malformed instance record")
			continue
		}
		instances = append(instances, &inst)
	}
	sortInstances(instances)
	return instances, nil
}

func (r *redisRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, stop := range r.stops {
		close(stop)
		delete(r.stops, key)
	}
	return nil
}

var _ Registry = (*redisRegistry)(nil)
