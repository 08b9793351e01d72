package bus

import (
	"context"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/rs/zerolog/log"
)

// entry is an event read from a partition log.
type entry struct {
	partition int
	seq       uint64
	event     Event
	raw       []byte
	err       error
}

// readFunc blocks until entries after cursors are available, or for a
// backend-specific timeout, or until ctx is done.
type readFunc func(ctx context.Context, cursors Offsets) ([]entry, error)

// subscription turns a readFunc into an ordered stream of deliveries, tracking
// a cursor per partition to drop redeliveries and detect gaps.
type subscription struct {
	read    readFunc
	out     chan Delivery
	cursors Offsets // owned by run

	mu        sync.Mutex
	committed Offsets

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	onClose   func(*subscription)
}

func newSubscription(ctx context.Context, from Offsets, buffer int, read readFunc, onClose func(*subscription)) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		read:      read,
		out:       make(chan Delivery, buffer),
		cursors:   from.Clone(),
		committed: from.Clone(),
		cancel:    cancel,
		onClose:   onClose,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

func (s *subscription) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.out)

	for {
		entries, err := s.read(ctx, s.cursors)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("bus read failed")
			select {
			case <-clock.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, e := range entries {
			cur := s.cursors[e.partition]
			if e.seq <= cur {
				continue
			}
			d := Delivery{
				Event:  e.event,
				Offset: Offset{Partition: e.partition, Seq: e.seq},
				Gap:    e.seq != cur+1,
				Err:    e.err,
				Raw:    e.raw,
			}
			if d.Gap {
				log.Warn().Int("partition", e.partition).Uint64("expected", cur+1).Uint64("got", e.seq).Msg("invalidation log gap detected")
			}
			select {
			case s.out <- d:
			case <-ctx.Done():
				return
			}
			s.cursors[e.partition] = e.seq
		}
	}
}

func (s *subscription) Events() <-chan Delivery {
	return s.out
}

func (s *subscription) Ack(d Delivery) {
	s.mu.Lock()
	if d.Offset.Seq > s.committed[d.Offset.Partition] {
		s.committed[d.Offset.Partition] = d.Offset.Seq
	}
	s.mu.Unlock()
}

func (s *subscription) Committed() Offsets {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.Clone()
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return nil
}

var _ Subscription = (*subscription)(nil)
