package sharedcache

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	//go:embed get.lua
	getLua string
	//go:embed put.lua
	putLua string
	//go:embed delete.lua
	deleteLua string

	getScript    = redis.NewScript(getLua)
	putScript    = redis.NewScript(putLua)
	deleteScript = redis.NewScript(deleteLua)
)

var errUnexpectedReply = errors.New("sharedcache: unexpected reply from redis script")

// redisStore keeps one hash per key with fields val, ver and exp. Versions come
// from a single counter, so they keep increasing even after a key was dropped.
// Expiry is checked against the Redis clock; the physical key outlives it by
// the retention so the version survives.
type redisStore struct {
	client redis.Cmdable
	opts   options
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable, opts ...Option) Store {
	return &redisStore{client: client, opts: newOptions(opts)}
}

func (s *redisStore) key(key string) string {
	return fmt.Sprintf("%s:cache:%s", s.opts.prefix, key)
}

func (s *redisStore) seqKey() string {
	return s.opts.prefix + ":cache-version"
}

func unavailable(op, key string, err error) error {
	log.Warn().Err(err).Str("op", op).Str("key", key).Msg("shared cache store call failed")
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, key, err)
}

// Get implements Store.
func (s *redisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	res, err := getScript.Run(ctx, s.client, []string{s.key(key)}).Slice()
	if err != nil {
		return Entry{}, false, unavailable("get", key, err)
	}
	if len(res) != 4 {
		return Entry{}, false, fmt.Errorf("%w: get %s: %d values", errUnexpectedReply, key, len(res))
	}
	ver, _ := res[0].(int64)
	live, _ := res[1].(int64)
	val, _ := res[2].(string)
	exp, _ := res[3].(int64)

	e := Entry{Key: key, Version: uint64(ver)}
	if live != 1 {
		return e, false, nil
	}
	e.Value = []byte(val)
	e.ExpiresAt = time.UnixMilli(exp)
	return e, true, nil
}

// Put implements Store.
func (s *redisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration, expectedVersion uint64) (uint64, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	res, err := putScript.Run(ctx, s.client, []string{s.key(key), s.seqKey()},
		value,
		expectedVersion,
		ttl.Milliseconds(),
		s.opts.retention.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, unavailable("put", key, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("%w: put %s: %d values", errUnexpectedReply, key, len(res))
	}
	if res[0] != 1 {
		return 0, &ConflictError{Key: key, Expected: expectedVersion, Current: uint64(res[1])}
	}
	return uint64(res[1]), nil
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, key string) (uint64, error) {
	ver, err := deleteScript.Run(ctx, s.client, []string{s.key(key), s.seqKey()},
		s.opts.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, unavailable("delete", key, err)
	}
	return uint64(ver), nil
}

// Ping implements Store.
func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

var _ Store = (*redisStore)(nil)
