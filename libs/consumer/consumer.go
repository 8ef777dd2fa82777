package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/metrics"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"github.com/md-rashed-zaman/eventpipe/libs/streams"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transport is the subset of the stream client the consumer and reclaimer use.
type Transport interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, args streams.ReadArgs) ([]streams.Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]streams.Message, error)
	DeliveryCount(ctx context.Context, stream, group, id string) (int64, error)
	Append(ctx context.Context, stream string, values map[string]any) (string, error)
}

type Config struct {
	Group  string
	Name   string
	Domain string
	Topics []string
	Count  int64
	Block  time.Duration
	Schema string

	ReadRetryDelay time.Duration
	HandleTimeout  time.Duration

	ReclaimEvery   time.Duration
	ReclaimMinIdle time.Duration
	MaxDeliveries  int64
}

func (c *Config) normalize() {
	if c.Count <= 0 {
		c.Count = 10
	}
	if c.Block == 0 {
		c.Block = 2 * time.Second
	}
	if c.ReadRetryDelay <= 0 {
		c.ReadRetryDelay = time.Second
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 30 * time.Second
	}
	if c.ReclaimEvery <= 0 {
		c.ReclaimEvery = 30 * time.Second
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = 5 * time.Minute
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoHandler Outcome = "no_handler"
	OutcomeMalformed Outcome = "malformed"
	OutcomeFailed    Outcome = "failed"
)

// Acked reports whether the message is acknowledged after this outcome.
func (o Outcome) Acked() bool {
	switch o {
	case OutcomeApplied, OutcomeDuplicate, OutcomeNoHandler:
		return true
	default:
		return false
	}
}

// Consumer reads a set of topics as one member of a consumer group and
// applies each message at most once per group through the ledger.
type Consumer struct {
	transport Transport
	pool      db.TxBeginner
	registry  *Registry
	decoder   *events.Decoder
	ledger    *Ledger
	logger    *slog.Logger
	cfg       Config
	tracer    trace.Tracer

	mu       sync.Mutex
	failures map[string]string
}

func New(transport Transport, pool db.TxBeginner, registry *Registry, decoder *events.Decoder, logger *slog.Logger, cfg Config) *Consumer {
	cfg.normalize()
	return &Consumer{
		transport: transport,
		pool:      pool,
		registry:  registry,
		decoder:   decoder,
		ledger:    NewLedger(cfg.Schema),
		logger:    logger.With("group", cfg.Group, "consumer", cfg.Name, "domain", cfg.Domain),
		cfg:       cfg,
		tracer:    otel.Tracer("consumer"),
		failures:  map[string]string{},
	}
}

func (c *Consumer) Config() Config { return c.cfg }

func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, topic := range c.cfg.Topics {
		if err := c.transport.EnsureGroup(ctx, topic, c.cfg.Group); err != nil {
			return err
		}
	}
	return nil
}

// Run creates the groups and then reads until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}
	c.logger.Info("consumer started", "topics", c.cfg.Topics)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("stream read failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.ReadRetryDelay):
			}
		}
	}
}

// Poll reads one batch of new messages and handles them in order. Only the
// read error is returned; per-message failures are reported as outcomes.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.transport.ReadGroup(ctx, streams.ReadArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  c.cfg.Topics,
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	})
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		c.handleDetached(ctx, m)
	}
	return len(msgs), nil
}

// handleDetached lets a started message finish after shutdown begins.
func (c *Consumer) handleDetached(ctx context.Context, m streams.Message) Outcome {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandleTimeout)
	defer cancel()
	return c.Handle(hctx, m)
}

// Handle runs one message through decode, ledger, handler and commit, and
// acks it only when the outcome allows.
func (c *Consumer) Handle(ctx context.Context, m streams.Message) Outcome {
	start := time.Now()
	env, err := events.FromValues(m.Values)
	var payload events.Payload
	if err == nil {
		payload, err = c.decoder.Decode(env)
	}

	ctx = otelx.ContextWithTraceContext(ctx, env.Traceparent, env.Tracestate)
	ctx, span := c.tracer.Start(ctx, "stream.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.source", m.Stream),
			attribute.String("messaging.message.id", m.ID),
			attribute.String("messaging.consumer.group", c.cfg.Group),
			attribute.String("event.id", env.EventID),
			attribute.String("event.type", env.EventType),
		),
	)
	defer span.End()

	outcome := OutcomeMalformed
	if err == nil {
		outcome, err = c.apply(ctx, env, payload)
	}

	if outcome.Acked() {
		if ackErr := c.transport.Ack(ctx, m.Stream, c.cfg.Group, m.ID); ackErr != nil {
			// The ledger turns the redelivery into a duplicate.
			c.logger.Error("ack failed", "stream", m.Stream, "id", m.ID, "event_id", env.EventID, "err", ackErr)
		}
		c.forget(m)
	} else {
		c.remember(m, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("consumer.outcome", string(outcome)))

	metrics.ConsumerMessages.WithLabelValues(c.cfg.Domain, string(outcome)).Inc()
	metrics.ConsumerHandleDuration.WithLabelValues(c.cfg.Domain).Observe(float64(time.Since(start).Milliseconds()))
	c.log(m, env, outcome, err)
	return outcome
}

// apply owns the transaction so its rollback always precedes the ack.
func (c *Consumer) apply(ctx context.Context, env events.Envelope, payload events.Payload) (Outcome, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fresh, err := c.ledger.Record(ctx, tx, env.EventID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !fresh {
		return OutcomeDuplicate, nil
	}

	h, ok := c.registry.Lookup(c.cfg.Domain, env.EventType)
	if !ok {
		return OutcomeNoHandler, nil
	}
	if err := h(ctx, tx, env, payload); err != nil {
		return OutcomeFailed, fmt.Errorf("handle %s: %w", env.EventType, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return OutcomeFailed, fmt.Errorf("commit: %w", err)
	}
	return OutcomeApplied, nil
}

func (c *Consumer) log(m streams.Message, env events.Envelope, outcome Outcome, err error) {
	attrs := []any{"stream", m.Stream, "id", m.ID, "event_id", env.EventID, "event_type", env.EventType, "outcome", string(outcome)}
	switch outcome {
	case OutcomeApplied, OutcomeDuplicate:
		c.logger.Info("message handled", attrs...)
	case OutcomeNoHandler:
		c.logger.Warn("no handler registered", attrs...)
	case OutcomeMalformed:
		c.logger.Warn("malformed message left pending", append(attrs, "err", err)...)
	default:
		c.logger.Error("message handling failed", append(attrs, "err", err)...)
	}
}

// Failure reasons are kept so a later dead-letter can say why the message kept
// failing. The map is bounded; a reset only loses detail, never messages.
const maxRememberedFailures = 1024

func failureKey(m streams.Message) string { return m.Stream + "/" + m.ID }

func (c *Consumer) remember(m streams.Message, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) >= maxRememberedFailures {
		c.failures = map[string]string{}
	}
	c.failures[failureKey(m)] = err.Error()
}

func (c *Consumer) forget(m streams.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, failureKey(m))
}

func (c *Consumer) lastFailure(m streams.Message) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason, ok := c.failures[failureKey(m)]; ok {
		return reason
	}
	return "unknown"
}
