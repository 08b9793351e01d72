package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// OffsetStore persists the committed offsets of a consumer so a restarted
// subscriber resumes where it stopped.
type OffsetStore interface {
	Load(ctx context.Context, consumer string) (Offsets, error)
	Save(ctx context.Context, consumer string, offsets Offsets) error
}

type redisOffsetStore struct {
	client redis.Cmdable
	prefix string
	topic  string
}

// NewRedisOffsetStore keeps offsets in one hash per consumer, field per partition.
func NewRedisOffsetStore(client redis.Cmdable, opts ...Option) OffsetStore {
	o := newOptions(opts)
	return &redisOffsetStore{client: client, prefix: o.prefix, topic: o.topic}
}

func (s *redisOffsetStore) key(consumer string) string {
	return fmt.Sprintf("%s:bus:%s:offsets:%s", s.prefix, s.topic, consumer)
}

func (s *redisOffsetStore) Load(ctx context.Context, consumer string) (Offsets, error) {
	fields, err := s.client.HGetAll(ctx, s.key(consumer)).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: load offsets for %s: %w", consumer, err)
	}
	out := make(Offsets, len(fields))
	for f, v := range fields {
		p, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bus: bad partition %q in offsets of %s: %w", f, consumer, err)
		}
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bus: bad offset %q in offsets of %s: %w", v, consumer, err)
		}
		out[p] = seq
	}
	return out, nil
}

func (s *redisOffsetStore) Save(ctx context.Context, consumer string, offsets Offsets) error {
	if len(offsets) == 0 {
		return nil
	}
	values := make(map[string]any, len(offsets))
	for p, seq := range offsets {
		values[strconv.Itoa(p)] = seq
	}
	if err := s.client.HSet(ctx, s.key(consumer), values).Err(); err != nil {
		return fmt.Errorf("bus: save offsets for %s: %w", consumer, err)
	}
	return nil
}

// MemoryOffsetStore is an OffsetStore for tests and single-process use.
type MemoryOffsetStore struct {
	mu      sync.Mutex
	offsets map[string]Offsets
}

// NewMemoryOffsetStore creates an empty MemoryOffsetStore.
func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{offsets: make(map[string]Offsets)}
}

func (s *MemoryOffsetStore) Load(_ context.Context, consumer string) (Offsets, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[consumer].Clone(), nil
}

func (s *MemoryOffsetStore) Save(_ context.Context, consumer string, offsets Offsets) error {
	s.mu.Lock()
	s.offsets[consumer] = offsets.Clone()
	s.mu.Unlock()
	return nil
}

var (
	_ OffsetStore = (*redisOffsetStore)(nil)
	_ OffsetStore = (*MemoryOffsetStore)(nil)
)
