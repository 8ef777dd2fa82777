package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stream entry field names.
const (
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldTopic         = "topic"
	FieldSchemaVersion = "schema_version"
	FieldOccurredAt    = "occurred_at"
	FieldTenantID      = "tenant_id"
	FieldAggregateID   = "aggregate_id"
	FieldAggregateType = "aggregate_type"
	FieldPayload       = "payload"
	FieldTraceparent   = "traceparent"
	FieldTracestate    = "tracestate"

	FieldOriginalOccurredAt = "original_occurred_at"
)

const CurrentSchemaVersion = 1

// Envelope is the wire representation of a domain event. EventID is the
// idempotency key and never changes across retransmission.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Topic         string          `json:"topic"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	TenantID      string          `json:"tenant_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Payload       json.RawMessage `json:"payload"`
	Traceparent   string          `json:"traceparent,omitempty"`
	Tracestate    string          `json:"tracestate,omitempty"`

	// OriginalOccurredAt is set on republished events and keeps the time of
	// the first publication.
	OriginalOccurredAt time.Time `json:"original_occurred_at,omitzero"`
}

// EventTime is when the change happened, which differs from OccurredAt for
// republished events. Read models order writes by it.
func (e Envelope) EventTime() time.Time {
	if !e.OriginalOccurredAt.IsZero() {
		return e.OriginalOccurredAt
	}
	return e.OccurredAt
}

// Values flattens the envelope into stream entry fields.
func (e Envelope) Values() map[string]any {
	v := map[string]any{
		FieldEventID:       e.EventID,
		FieldEventType:     e.EventType,
		FieldTopic:         e.Topic,
		FieldSchemaVersion: strconv.Itoa(e.SchemaVersion),
		FieldOccurredAt:    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		FieldTenantID:      e.TenantID,
		FieldAggregateID:   e.AggregateID,
		FieldAggregateType: e.AggregateType,
		FieldPayload:       string(e.Payload),
	}
	if e.Traceparent != "" {
		v[FieldTraceparent] = e.Traceparent
	}
	if e.Tracestate != "" {
		v[FieldTracestate] = e.Tracestate
	}
	if !e.OriginalOccurredAt.IsZero() {
		v[FieldOriginalOccurredAt] = e.OriginalOccurredAt.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// FromValues rebuilds an envelope from stream entry fields. Any error wraps
// ErrMalformedEnvelope.
func FromValues(values map[string]any) (Envelope, error) {
	env := Envelope{
		EventID:       Field(values, FieldEventID),
		EventType:     Field(values, FieldEventType),
		Topic:         Field(values, FieldTopic),
		TenantID:      Field(values, FieldTenantID),
		AggregateID:   Field(values, FieldAggregateID),
		AggregateType: Field(values, FieldAggregateType),
		Traceparent:   Field(values, FieldTraceparent),
		Tracestate:    Field(values, FieldTracestate),
		SchemaVersion: CurrentSchemaVersion,
	}
	if env.EventID == "" {
		return Envelope{}, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, FieldEventID)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, FieldEventType)
	}

	if raw := Field(values, FieldSchemaVersion); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Envelope{}, fmt.Errorf("%w: bad %s %q", ErrMalformedEnvelope, FieldSchemaVersion, raw)
		}
		env.SchemaVersion = n
	}

	if raw := Field(values, FieldOccurredAt); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: bad %s %q", ErrMalformedEnvelope, FieldOccurredAt, raw)
		}
		env.OccurredAt = ts.UTC()
	}
	if raw := Field(values, FieldOriginalOccurredAt); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: bad %s %q", ErrMalformedEnvelope, FieldOriginalOccurredAt, raw)
		}
		env.OriginalOccurredAt = ts.UTC()
	}

	payload := strings.TrimSpace(Field(values, FieldPayload))
	if payload == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		return Envelope{}, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedEnvelope)
	}
	env.Payload = json.RawMessage(payload)
	return env, nil
}

// Field reads a stream field as a string.
func Field(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
