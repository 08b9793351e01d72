package bus

import (
	"context"
	"fmt"
	"sync"
)

type memoryPartition struct {
	entries []entry // ascending seq
	last    uint64
}

// after returns the entries with a sequence above seq.
func (p *memoryPartition) after(seq uint64) []entry {
	if len(p.entries) == 0 || seq >= p.last {
		return nil
	}
	first := p.entries[0].seq
	if seq < first {
		return p.entries
	}
	return p.entries[seq-first+1:]
}

// MemoryBus keeps the log in process. It serves single-instance deployments and tests.
type MemoryBus struct {
	mu     sync.Mutex
	parts  []*memoryPartition
	notify chan struct{} // closed and replaced on every publish
	subs   map[*subscription]struct{}
	closed bool
	opts   options
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(opts ...Option) *MemoryBus {
	o := newOptions(opts)
	b := &MemoryBus{
		parts:  make([]*memoryPartition, o.partitions),
		notify: make(chan struct{}),
		subs:   make(map[*subscription]struct{}),
		opts:   o,
	}
	for i := range b.parts {
		b.parts[i] = &memoryPartition{}
	}
	return b
}

// Partitions implements Bus.
func (b *MemoryBus) Partitions() int { return len(b.parts) }

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, e Event) (Offset, error) {
	if e.Key == "" {
		return Offset{}, fmt.Errorf("%w: empty key", ErrInvalidEvent)
	}
	p := Partition(e.Key, len(b.parts))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Offset{}, ErrClosed
	}

	part := b.parts[p]
	part.last++
	part.entries = append(part.entries, entry{partition: p, seq: part.last, event: e})
	if over := int64(len(part.entries)) - b.opts.maxLen; over > 0 {
		part.entries = append([]entry(nil), part.entries[over:]...)
	}

	close(b.notify)
	b.notify = make(chan struct{})
	return Offset{Partition: p, Seq: part.last}, nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, from Offsets) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	start := make(Offsets, len(b.parts))
	for p, part := range b.parts {
		if seq, ok := from[p]; ok {
			start[p] = seq
		} else {
			start[p] = part.last
		}
	}
	s := newSubscription(ctx, start, b.opts.buffer, b.read, b.remove)
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *MemoryBus) read(ctx context.Context, cursors Offsets) ([]entry, error) {
	for {
		b.mu.Lock()
		var out []entry
		for p, part := range b.parts {
			out = append(out, part.after(cursors[p])...)
		}
		notify := b.notify
		b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *MemoryBus) remove(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
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

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
