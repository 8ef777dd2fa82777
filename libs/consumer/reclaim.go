package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/dlq"
	"github.com/md-rashed-zaman/eventpipe/libs/metrics"
	"github.com/md-rashed-zaman/eventpipe/libs/streams"
)

type ReclaimResult struct {
	Claimed      int
	Reprocessed  int
	DeadLettered int
}

// Reclaimer takes over messages that sat unacked for ReclaimMinIdle, either
// retrying them or dead-lettering them once MaxDeliveries is exceeded.
type Reclaimer struct {
	c   *Consumer
	now func() time.Time
}

type ReclaimOption func(*Reclaimer)

func WithReclaimClock(now func() time.Time) ReclaimOption {
	return func(r *Reclaimer) { r.now = now }
}

func NewReclaimer(c *Consumer, opts ...ReclaimOption) *Reclaimer {
	r := &Reclaimer{c: c, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.c.cfg.ReclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.c.logger.Error("reclaim failed", "err", err)
				continue
			}
			if res.Claimed > 0 {
				r.c.logger.Info("reclaimed pending messages",
					"claimed", res.Claimed,
					"reprocessed", res.Reprocessed,
					"dead_lettered", res.DeadLettered,
				)
			}
		}
	}
}

// RunOnce claims stale entries on every topic. A topic whose claim fails is
// reported after the remaining topics were tried.
func (r *Reclaimer) RunOnce(ctx context.Context) (ReclaimResult, error) {
	var res ReclaimResult
	var errs []error
	cfg := r.c.cfg
	for _, topic := range cfg.Topics {
		msgs, err := r.c.transport.Claim(ctx, topic, cfg.Group, cfg.Name, cfg.ReclaimMinIdle, cfg.Count)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range msgs {
			res.Claimed++
			if err := r.reclaimOne(ctx, m, &res); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return res, errors.Join(errs...)
}

func (r *Reclaimer) reclaimOne(ctx context.Context, m streams.Message, res *ReclaimResult) error {
	cfg := r.c.cfg
	deliveries, err := r.c.transport.DeliveryCount(ctx, m.Stream, cfg.Group, m.ID)
	if errors.Is(err, streams.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if deliveries <= cfg.MaxDeliveries {
		r.c.handleDetached(ctx, m)
		res.Reprocessed++
		metrics.ConsumerReclaimed.WithLabelValues(cfg.Domain, "reprocessed").Inc()
		return nil
	}

	entry := dlq.EntryFromMessage(m)
	env := entry.Envelope
	env.Topic = m.Stream
	reason := fmt.Sprintf("%s: %s", ErrMaxDeliveries, r.c.lastFailure(m))
	if _, err := dlq.Send(ctx, r.c.transport, env, reason, int(deliveries), dlq.SourceConsumer, r.now().UTC()); err != nil {
		return fmt.Errorf("dead-letter %s %s: %w", m.Stream, m.ID, err)
	}
	if err := r.c.transport.Ack(ctx, m.Stream, cfg.Group, m.ID); err != nil {
		return err
	}
	r.c.forget(m)
	res.DeadLettered++
	metrics.ConsumerReclaimed.WithLabelValues(cfg.Domain, "dead_lettered").Inc()
	r.c.logger.Error("message dead-lettered",
		"stream", m.Stream, "id", m.ID, "event_id", env.EventID, "deliveries", deliveries, "err", reason)
	return nil
}
