package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed limiter.lua
var redisLimiterScript string

var redisScript = redis.NewScript(redisLimiterScript)

var errUnexpectedReply = errors.New("limiter: unexpected reply from redis script")

// redisStore implements Store on Redis so every instance shares the same buckets.
type redisStore struct {
	client    redis.Cmdable
	prefix    string
	idleAfter int
}

// NewRedisStore creates a Redis-backed bucket store. Keys are written under
// "<prefix>:ratelimit:". Buckets expire after idleAfter full refill periods.
func NewRedisStore(client redis.Cmdable, prefix string, idleAfter int) Store {
	if idleAfter <= 0 {
		idleAfter = defaultIdleAfter
	}
	return &redisStore{
		client:    client,
		prefix:    prefix,
		idleAfter: idleAfter,
	}
}

func (s *redisStore) key(key Key) string {
	return fmt.Sprintf("%s:ratelimit:%s", s.prefix, key)
}

// Take implements Store using a Lua script for atomicity. Time is read from the
// Redis server so instances with skewed clocks agree.
func (s *redisStore) Take(ctx context.Context, key Key, limit Limit, cost float64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	ttl := time.Duration(s.idleAfter) * limit.fillTime()
	if ttl < time.Second {
		ttl = time.Second
	}

	result, err := redisScript.Run(ctx, s.client, []string{s.key(key)},
		limit.Capacity,
		limit.RatePerSecond,
		cost,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		log.Error().Err(err).Str("key", string(key)).Msg("redis lua script execution failed")
		return Decision{}, fmt.Errorf("redis command failed for key %s: %w", key, err)
	}

	values, ok := result.([]any)
	if !ok || len(values) != 3 {
		log.Error().Str("key", string(key)).Interface("result", result).Msg("redis lua script returned unexpected type")
		return Decision{}, fmt.Errorf("%w for key %s: %T", errUnexpectedReply, key, result)
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retryMs, _ := values[2].(int64)

	d := Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
		Limit:      limit.Capacity,
		Key:        key,
	}
	if !d.Allowed {
		log.Debug().Str("key", string(key)).Dur("retry_after", d.RetryAfter).Msg("redis rate limit exceeded")
	}
	return d, nil
}

// Reset implements Store.
func (s *redisStore) Reset(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis reset failed for key %s: %w", key, err)
	}
	return nil
}

var _ Store = (*redisStore)(nil)
