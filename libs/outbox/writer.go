package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
)

// Writer appends events alongside business mutations. It never publishes and
// never commits: the event exists iff the caller's transaction commits.
type Writer struct {
	repo  *Repository
	newID func() string
}

func NewWriter(repo *Repository) *Writer {
	return &Writer{repo: repo, newID: func() string { return uuid.NewString() }}
}

type eventOptions struct {
	tenantID      string
	aggregateType string
}

type EventOption func(*eventOptions)

func WithTenant(tenantID string) EventOption {
	return func(o *eventOptions) { o.tenantID = tenantID }
}

// WithAggregateType overrides the aggregate type, which otherwise is the
// first segment of the event type.
func WithAggregateType(aggregateType string) EventOption {
	return func(o *eventOptions) { o.aggregateType = aggregateType }
}

// AddEvent inserts an unpublished outbox row in tx and returns its event ID.
func (w *Writer) AddEvent(ctx context.Context, tx pgx.Tx, eventType, aggregateID string, payload []byte, opts ...EventOption) (string, error) {
	if tx == nil {
		return "", ErrTxRequired
	}
	et, err := events.ParseEventType(eventType)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(aggregateID) == "" {
		return "", ErrAggregateIDRequired
	}
	if !json.Valid(payload) {
		return "", ErrPayloadNotJSON
	}

	o := eventOptions{aggregateType: et.Aggregate}
	for _, opt := range opts {
		opt(&o)
	}

	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	rec := Record{
		EventID:       w.newID(),
		EventType:     eventType,
		AggregateType: o.aggregateType,
		AggregateID:   aggregateID,
		TenantID:      o.tenantID,
		Payload:       payload,
		Traceparent:   traceparent,
		Tracestate:    tracestate,
	}
	if err := w.repo.Insert(ctx, tx, rec); err != nil {
		return "", fmt.Errorf("insert outbox event %s: %w", eventType, err)
	}
	return rec.EventID, nil
}
