package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/dlq"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/metrics"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Topic used for dead letters whose event type cannot be routed.
const unroutedTopic = "outbox.unrouted"

type RelayConfig struct {
	PollEvery    time.Duration
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	BatchTimeout time.Duration

	// PublishTimeout bounds one transport append. Keep it well below
	// BatchTimeout so a hung transport still leaves time to record attempts.
	PublishTimeout time.Duration
}

func (c *RelayConfig) normalize() {
	if c.PollEvery <= 0 {
		c.PollEvery = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// BatchResult captures one relay cycle.
type BatchResult struct {
	Processed    int
	Published    int
	Retried      int
	DeadLettered int
}

// Relay drains the outbox into the stream transport.
type Relay struct {
	pool      db.TxBeginner
	repo      *Repository
	transport dlq.Appender
	dead      dlq.Appender
	router    events.TopicRouter
	logger    *slog.Logger
	cfg       RelayConfig
	now       func() time.Time
	tracer    trace.Tracer
}

type RelayOption func(*Relay)

func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

// WithDeadLetterSink sends dead letters to a instead of the primary transport.
func WithDeadLetterSink(a dlq.Appender) RelayOption {
	return func(r *Relay) { r.dead = a }
}

func NewRelay(pool db.TxBeginner, repo *Repository, transport dlq.Appender, router events.TopicRouter, logger *slog.Logger, cfg RelayConfig, opts ...RelayOption) *Relay {
	cfg.normalize()
	r := &Relay{
		pool:      pool,
		repo:      repo,
		transport: transport,
		dead:      transport,
		router:    router,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		tracer:    otel.Tracer("outbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled. A batch that has started is allowed to
// finish; it runs on its own bounded context.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.BatchTimeout)
			res, err := r.RunOnce(batchCtx)
			cancel()
			if err != nil {
				r.logger.Error("outbox relay batch failed", "err", err)
				continue
			}
			if res.Processed > 0 {
				r.logger.Info("outbox relay batch",
					"processed", res.Processed,
					"published", res.Published,
					"retried", res.Retried,
					"dead_lettered", res.DeadLettered,
				)
			}
		}
	}
}

// RunOnce relays one batch. Transport failures are accounted per event and
// never abort the batch; only database errors are returned.
//
// ctx bounds publishing. Database work runs on a detached context with its
// own BatchTimeout, so an exhausted ctx still commits the attempts made so
// far. Rows not reached before ctx is done are left for the next batch.
func (r *Relay) RunOnce(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	defer func() {
		metrics.RelayBatchDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.BatchTimeout)
	defer cancel()

	var res BatchResult
	tx, err := r.pool.Begin(dbCtx)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback(dbCtx) }()

	records, err := r.repo.FetchReady(dbCtx, tx, r.now().UTC(), r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("fetch ready outbox rows: %w", err)
	}
	if len(records) == 0 {
		return res, tx.Commit(dbCtx)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		res.Processed++
		if err := r.relayOne(ctx, dbCtx, tx, rec, &res); err != nil {
			return res, err
		}
	}

	return res, tx.Commit(dbCtx)
}

// relayOne publishes rec on ctx and records the outcome in tx on dbCtx. Only
// database errors are returned.
func (r *Relay) relayOne(ctx, dbCtx context.Context, tx pgx.Tx, rec Record, res *BatchResult) error {
	env, topicErr := r.envelope(rec)
	attempts := rec.Attempts
	reason := rec.LastError

	// Rows that already exhausted their attempts only ever go to the DLQ.
	if attempts < r.cfg.MaxAttempts {
		pubErr := topicErr
		if pubErr == nil {
			pubErr = r.publish(ctx, rec, env)
		}
		now := r.now().UTC()
		if pubErr == nil {
			if err := r.repo.MarkPublished(dbCtx, tx, rec.EventID, now); err != nil {
				return fmt.Errorf("mark %s published: %w", rec.EventID, err)
			}
			res.Published++
			metrics.RelayPublished.WithLabelValues(env.Topic).Inc()
			return nil
		}

		attempts++
		reason = pubErr.Error()
		if attempts < r.cfg.MaxAttempts {
			next := now.Add(Backoff(r.cfg.BackoffBase, r.cfg.BackoffMax, attempts))
			if err := r.repo.MarkRetry(dbCtx, tx, rec.EventID, attempts, next, reason); err != nil {
				return fmt.Errorf("mark %s for retry: %w", rec.EventID, err)
			}
			res.Retried++
			metrics.RelayRetried.WithLabelValues(env.Topic).Inc()
			r.logger.Warn("outbox publish failed, will retry",
				"event_id", rec.EventID, "topic", env.Topic, "attempts", attempts, "next_attempt_at", next, "err", pubErr)
			return nil
		}
	}

	now := r.now().UTC()
	if err := r.deadLetter(ctx, env, reason, attempts, now); err != nil {
		next := now.Add(r.cfg.BackoffMax)
		if err := r.repo.MarkRetry(dbCtx, tx, rec.EventID, attempts, next, reason); err != nil {
			return fmt.Errorf("mark %s for dlq retry: %w", rec.EventID, err)
		}
		res.Retried++
		metrics.RelayDeadLetterFailed.WithLabelValues(env.Topic).Inc()
		r.logger.Error("outbox dead-letter append failed",
			"event_id", rec.EventID, "topic", env.Topic, "attempts", attempts, "err", err)
		return nil
	}
	if err := r.repo.MarkDeadLettered(dbCtx, tx, rec.EventID, attempts, now, reason); err != nil {
		return fmt.Errorf("mark %s dead-lettered: %w", rec.EventID, err)
	}
	res.DeadLettered++
	metrics.RelayDeadLettered.WithLabelValues(env.Topic).Inc()
	r.logger.Error("outbox event dead-lettered",
		"event_id", rec.EventID, "topic", env.Topic, "attempts", attempts, "err", reason)
	return nil
}

func (r *Relay) envelope(rec Record) (events.Envelope, error) {
	occurredAt := rec.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = r.now()
	}
	env := events.Envelope{
		EventID:       rec.EventID,
		EventType:     rec.EventType,
		SchemaVersion: events.CurrentSchemaVersion,
		OccurredAt:    occurredAt.UTC(),
		TenantID:      rec.TenantID,
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		Payload:       rec.Payload,
		Traceparent:   rec.Traceparent,
		Tracestate:    rec.Tracestate,
	}
	topic, err := r.router.TopicFor(rec.EventType)
	if err != nil {
		env.Topic = unroutedTopic
		return env, err
	}
	env.Topic = topic
	return env, nil
}

func (r *Relay) deadLetter(ctx context.Context, env events.Envelope, reason string, attempts int, at time.Time) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	_, err := dlq.Send(sendCtx, r.dead, env, reason, attempts, dlq.SourceRelay, at)
	return err
}

func (r *Relay) publish(ctx context.Context, rec Record, env events.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	msgCtx := otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
	msgCtx, span := r.tracer.Start(msgCtx, "outbox.relay.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination", env.Topic),
			attribute.String("messaging.message.id", env.EventID),
		),
	)
	defer span.End()

	// Carry the relay span downstream so consumers join the producer trace.
	env.Traceparent, env.Tracestate = otelx.TraceContextStrings(msgCtx)
	if env.Traceparent == "" {
		env.Traceparent, env.Tracestate = rec.Traceparent, rec.Tracestate
	}

	if _, err := r.transport.Append(msgCtx, env.Topic, env.Values()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
