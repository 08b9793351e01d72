package bus

import (
	"context"
	_ "embed" // needed for go:embed
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed publish.lua
var publishLua string

var publishScript = redis.NewScript(publishLua)

const (
	payloadField = "e"
	readCount    = 512
)

// RedisBus stores each partition in a Redis stream. A per-partition counter,
// incremented in the same script as the XADD, numbers the events.
type RedisBus struct {
	client redis.Cmdable
	opts   options

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewRedisBus creates a Redis Streams bus.
func NewRedisBus(client redis.Cmdable, opts ...Option) *RedisBus {
	if client == nil {
		panic("bus: redis client cannot be nil")
	}
	return &RedisBus{
		client: client,
		opts:   newOptions(opts),
		subs:   make(map[*subscription]struct{}),
	}
}

func (b *RedisBus) streamKey(p int) string {
	return fmt.Sprintf("%s:bus:%s:%d", b.opts.prefix, b.opts.topic, p)
}

func (b *RedisBus) seqKey(p int) string {
	return b.streamKey(p) + ":seq"
}

// Partitions implements Bus.
func (b *RedisBus) Partitions() int { return b.opts.partitions }

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, e Event) (Offset, error) {
	if e.Key == "" {
		return Offset{}, fmt.Errorf("%w: empty key", ErrInvalidEvent)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return Offset{}, ErrClosed
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return Offset{}, fmt.Errorf("bus: encode event: %w", err)
	}
	p := Partition(e.Key, b.opts.partitions)
	seq, err := publishScript.Run(ctx, b.client, []string{b.streamKey(p), b.seqKey(p)}, payload, b.opts.maxLen).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", e.Key).Int("partition", p).Msg("failed to publish invalidation")
		return Offset{}, fmt.Errorf("bus: publish to partition %d: %w", p, err)
	}
	return Offset{Partition: p, Seq: uint64(seq)}, nil
}

// Subscribe implements Bus. Partitions missing from from start at their
// current end.
func (b *RedisBus) Subscribe(ctx context.Context, from Offsets) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	start, err := b.tails(ctx)
	if err != nil {
		return nil, err
	}
	for p, seq := range from {
		if p >= 0 && p < b.opts.partitions {
			start[p] = seq
		}
	}

	s := newSubscription(ctx, start, b.opts.buffer, b.read, b.remove)
	b.subs[s] = struct{}{}
	log.Debug().Str("topic", b.opts.topic).Interface("from", start).Msg("redis bus subscription started")
	return s, nil
}

// tails returns the last assigned sequence of every partition.
func (b *RedisBus) tails(ctx context.Context) (Offsets, error) {
	keys := make([]string, b.opts.partitions)
	for p := range keys {
		keys[p] = b.seqKey(p)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: read partition sequences: %w", err)
	}
	out := make(Offsets, len(keys))
	for p, v := range vals {
		s, ok := v.(string)
		if !ok {
			out[p] = 0
			continue
		}
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bus: partition %d sequence %q: %w", p, s, err)
		}
		out[p] = seq
	}
	return out, nil
}

func (b *RedisBus) read(ctx context.Context, cursors Offsets) ([]entry, error) {
	n := b.opts.partitions
	streams := make([]string, 2*n)
	for p := 0; p < n; p++ {
		streams[p] = b.streamKey(p)
		streams[n+p] = "0-" + strconv.FormatUint(cursors[p], 10)
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   readCount,
		Block:   b.opts.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, n)
	for p := 0; p < n; p++ {
		index[streams[p]] = p
	}

	var out []entry
	for _, stream := range res {
		p, ok := index[stream.Stream]
		if !ok {
			continue
		}
		for _, msg := range stream.Messages {
			seq, err := parseSeq(msg.ID)
			if err != nil {
				log.Error().Err(err).Str("stream", stream.Stream).Msg("skipping entry with foreign id")
				continue
			}
			out = append(out, decodeEntry(p, seq, msg.Values[payloadField]))
		}
	}
	return out, nil
}

func parseSeq(id string) (uint64, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok || ms != "0" {
		return 0, fmt.Errorf("bus: unexpected stream id %q", id)
	}
	return strconv.ParseUint(seq, 10, 64)
}

func decodeEntry(p int, seq uint64, v any) entry {
	e := entry{partition: p, seq: seq}
	raw, ok := v.(string)
	if !ok {
		e.err = fmt.Errorf("bus: entry %d/%d has no payload", p, seq)
		return e
	}
	e.raw = []byte(raw)
	if err := json.Unmarshal(e.raw, &e.event); err != nil {
		e.err = fmt.Errorf("bus: decode entry %d/%d: %w", p, seq, err)
	}
	return e
}

func (b *RedisBus) remove(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Close implements Bus. It does not close the Redis client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	log.Info().Str("topic", b.opts.topic).Int("subscriptions", len(subs)).Msg("redis bus closing")
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

var _ Bus = (*RedisBus)(nil)
