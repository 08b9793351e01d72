package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/mailgun/holster/v4/clock"
	"github.com/rs/zerolog/log"
	"github.com/toolink/admit/bus"
	"github.com/toolink/admit/deadletter"
	"github.com/toolink/admit/limiter"
)

type consumerState struct {
	mu  sync.Mutex
	sub bus.Subscription
}

func (s *consumerState) set(sub bus.Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

func (s *consumerState) get() bus.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// Run consumes invalidation events until ctx is done, resuming after the
// offsets last checkpointed under the instance id. Events published by this
// instance are acknowledged without being applied: the write already updated
// the local tiers.
func (c *Coordinator) Run(ctx context.Context) error {
	from, err := c.offsets.Load(ctx, c.cfg.InstanceID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load bus offsets, reading from the end")
		from = nil
	}

	sub, err := c.bus.Subscribe(ctx, from)
	if err != nil {
		return fmt.Errorf("admission: subscribe: %w", err)
	}
	c.consumer.set(sub)
	defer func() {
		c.consumer.set(nil)
		_ = sub.Close()
		c.saveOffsets(context.WithoutCancel(ctx), sub.Committed())
	}()

	log.Info().Str("instance", c.cfg.InstanceID).Int("partitions", c.bus.Partitions()).
		Int("resumed", len(from)).Msg("invalidation consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return bus.ErrClosed
			}
			c.consume(ctx, d)
			sub.Ack(d)
		}
	}
}

func (c *Coordinator) consume(ctx context.Context, d bus.Delivery) {
	if d.Gap {
		n := c.local.Purge()
		c.metrics.RecordGap()
		log.Warn().Err(ErrDeliveryGap).Int("partition", d.Offset.Partition).
			Uint64("seq", d.Offset.Seq).Int("purged", n).Msg("local cache purged")
	}

	err := d.Err
	if err == nil {
		err = d.Event.Validate()
	}
	if err != nil {
		c.deadLetter(ctx, d, err)
		return
	}
	if d.Event.Origin == c.cfg.InstanceID {
		return
	}

	switch d.Event.Reason {
	case bus.ReasonReset:
		b := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), uint64(c.cfg.ApplyRetries))
		err = backoff.Retry(func() error {
			return c.limiter.Reset(ctx, limiter.Key(d.Event.Key))
		}, b)
		if err != nil {
			c.deadLetter(ctx, d, err)
			return
		}
	default:
		c.local.Apply(d.Event.Key, d.Event.Version)
	}
	c.metrics.RecordConsumed(string(d.Event.Reason))
}

func (c *Coordinator) deadLetter(ctx context.Context, d bus.Delivery, cause error) {
	raw := d.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(d.Event)
	}
	m := deadletter.Message{
		Original:  raw,
		Error:     cause.Error(),
		Partition: d.Offset.Partition,
		Seq:       d.Offset.Seq,
		Origin:    c.cfg.InstanceID,
		Timestamp: clock.Now(),
	}
	if err := c.dlq.Push(context.WithoutCancel(ctx), m); err != nil {
		log.Error().Err(err).Int("partition", d.Offset.Partition).Uint64("seq", d.Offset.Seq).
			Msg("failed to dead-letter invalidation event")
		return
	}
	c.metrics.RecordDeadLetter()
	log.Warn().Err(cause).Int("partition", d.Offset.Partition).Uint64("seq", d.Offset.Seq).
		Msg("invalidation event dead-lettered")
}

// Checkpoint saves the offsets acknowledged so far. It is a no-op while Run
// is not consuming.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	sub := c.consumer.get()
	if sub == nil {
		return nil
	}
	committed := sub.Committed()
	if len(committed) == 0 {
		return nil
	}
	if err := c.offsets.Save(ctx, c.cfg.InstanceID, committed); err != nil {
		return fmt.Errorf("admission: checkpoint: %w", err)
	}
	return nil
}

func (c *Coordinator) saveOffsets(ctx context.Context, committed bus.Offsets) {
	if len(committed) == 0 {
		return
	}
	if err := c.offsets.Save(ctx, c.cfg.InstanceID, committed); err != nil {
		log.Error().Err(err).Msg("failed to save bus offsets")
	}
}
