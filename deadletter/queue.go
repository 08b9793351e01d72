// Package deadletter keeps invalidation events that could not be decoded or
// applied, newest first, for inspection by an operator.
package deadletter

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

var errEmptyMessage = errors.New("deadletter: message has neither payload nor error")

// Message is a dead-lettered event.
type Message struct {
	Original  []byte    `json:"original"` // raw event as read from the log
	Error     string    `json:"error"`
	Partition int       `json:"partition"`
	Seq       uint64    `json:"seq"`
	Origin    string    `json:"origin,omitempty"` // instance that gave up on it
	Timestamp time.Time `json:"timestamp"`
}

// Queue is a bounded dead-letter queue.
type Queue interface {
	Push(ctx context.Context, m Message) error
	// List returns up to n messages, newest first.
	List(ctx context.Context, n int64) ([]Message, error)
	Len(ctx context.Context) (int64, error)
}

const defaultMaxLen = 10_000

// RedisQueue stores messages in a Redis list trimmed to a maximum length.
type RedisQueue struct {
	rdb    redis.Cmdable
	key    string
	maxLen int64
}

// NewRedisQueue creates a queue stored under key. maxLen <= 0 selects the default.
func NewRedisQueue(rdb redis.Cmdable, key string, maxLen int64) *RedisQueue {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisQueue{rdb: rdb, key: key, maxLen: maxLen}
}

// Push implements Queue. The list is trimmed after the push succeeds.
func (q *RedisQueue) Push(ctx context.Context, m Message) error {
	if len(m.Original) == 0 && m.Error == "" {
		return errEmptyMessage
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("deadletter: encode message: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		log.Error().Err(err).Str("key", q.key).Msg("failed to push dead letter (lpush)")
		return fmt.Errorf("deadletter: push: %w", err)
	}
	// LTRIM key 0 maxLen-1 keeps the newest maxLen messages
	if err := q.rdb.LTrim(ctx, q.key, 0, q.maxLen-1).Err(); err != nil {
		log.Warn().Err(err).Str("key", q.key).Int64("max_len", q.maxLen).Msg("failed to trim dead letter list")
	}
	return nil
}

// List implements Queue. Entries that no longer decode are skipped.
func (q *RedisQueue) List(ctx context.Context, n int64) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := q.rdb.LRange(ctx, q.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			log.Warn().Err(err).Str("key", q.key).Msg("skipping undecodable dead letter")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("deadletter: len: %w", err)
	}
	return n, nil
}

// MemoryQueue is a Queue held in process.
type MemoryQueue struct {
	mu     sync.Mutex
	msgs   []Message // newest last
	maxLen int
}

// NewMemoryQueue creates a MemoryQueue. maxLen <= 0 selects the default.
func NewMemoryQueue(maxLen int) *MemoryQueue {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &MemoryQueue{maxLen: maxLen}
}

func (q *MemoryQueue) Push(_ context.Context, m Message) error {
	if len(m.Original) == 0 && m.Error == "" {
		return errEmptyMessage
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, m)
	if over := len(q.msgs) - q.maxLen; over > 0 {
		q.msgs = append([]Message(nil), q.msgs[over:]...)
	}
	return nil
}

func (q *MemoryQueue) List(_ context.Context, n int64) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	for i := len(q.msgs) - 1; i >= 0 && int64(len(out)) < n; i-- {
		out = append(out, q.msgs[i])
	}
	return out, nil
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.msgs)), nil
}

var (
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)
