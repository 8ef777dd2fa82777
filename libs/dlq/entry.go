package dlq

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/streams"
)

const (
	Suffix         = ".dlq"
	ResolvedSuffix = ".resolved"
)

const (
	FieldErrorMessage = "error_message"
	FieldAttempts     = "attempts"
	FieldFailedAt     = "failed_at"
	FieldSource       = "source"

	FieldOriginalDLQID    = "original_dlq_id"
	FieldOriginalEventID  = "original_event_id"
	FieldResolvedAt       = "resolved_at"
	FieldResolutionMethod = "resolution_method"
)

type Source string

const (
	SourceRelay    Source = "relay"
	SourceConsumer Source = "consumer"
)

const (
	MethodReprocess = "reprocess"
	MethodManual    = "manual"
)

// StreamFor returns the dead-letter stream of topic.
func StreamFor(topic string) string { return topic + Suffix }

// BaseTopic strips the dead-letter suffix.
func BaseTopic(stream string) string { return strings.TrimSuffix(stream, Suffix) }

// ResolvedStreamFor returns the audit stream that records resolutions of a DLQ stream.
func ResolvedStreamFor(stream string) string { return BaseTopic(stream) + ResolvedSuffix }

// Entry is a dead-lettered envelope plus failure bookkeeping.
type Entry struct {
	ID           string          `json:"id"`
	Envelope     events.Envelope `json:"envelope"`
	ErrorMessage string          `json:"error_message"`
	Attempts     int             `json:"attempts"`
	FailedAt     time.Time       `json:"failed_at"`
	Source       Source          `json:"source"`
}

func (e Entry) Values() map[string]any {
	v := e.Envelope.Values()
	v[FieldErrorMessage] = e.ErrorMessage
	v[FieldAttempts] = strconv.Itoa(e.Attempts)
	v[FieldFailedAt] = e.FailedAt.UTC().Format(time.RFC3339Nano)
	v[FieldSource] = string(e.Source)
	return v
}

// EntryFromMessage never fails: a dead-lettered message may be the very one
// whose envelope could not be decoded, so unknown shapes are kept verbatim.
func EntryFromMessage(m streams.Message) Entry {
	e := Entry{
		ID:           m.ID,
		ErrorMessage: events.Field(m.Values, FieldErrorMessage),
		Source:       Source(events.Field(m.Values, FieldSource)),
	}
	if n, err := strconv.Atoi(events.Field(m.Values, FieldAttempts)); err == nil {
		e.Attempts = n
	}
	if ts, err := time.Parse(time.RFC3339Nano, events.Field(m.Values, FieldFailedAt)); err == nil {
		e.FailedAt = ts.UTC()
	}

	env, err := events.FromValues(m.Values)
	if err != nil {
		env = events.Envelope{
			EventID:       events.Field(m.Values, events.FieldEventID),
			EventType:     events.Field(m.Values, events.FieldEventType),
			Topic:         events.Field(m.Values, events.FieldTopic),
			TenantID:      events.Field(m.Values, events.FieldTenantID),
			AggregateID:   events.Field(m.Values, events.FieldAggregateID),
			AggregateType: events.Field(m.Values, events.FieldAggregateType),
			SchemaVersion: events.CurrentSchemaVersion,
		}
		raw := events.Field(m.Values, events.FieldPayload)
		if json.Valid([]byte(raw)) {
			env.Payload = json.RawMessage(raw)
		} else {
			quoted, _ := json.Marshal(raw)
			env.Payload = quoted
		}
	}
	e.Envelope = env
	return e
}

// Appender is satisfied by the Redis stream client and the Kafka writer.
type Appender interface {
	Append(ctx context.Context, stream string, values map[string]any) (string, error)
}

// Send dead-letters env on <topic>.dlq.
func Send(ctx context.Context, a Appender, env events.Envelope, reason string, attempts int, source Source, failedAt time.Time) (string, error) {
	topic := env.Topic
	entry := Entry{
		Envelope:     env,
		ErrorMessage: reason,
		Attempts:     attempts,
		FailedAt:     failedAt,
		Source:       source,
	}
	return a.Append(ctx, StreamFor(topic), entry.Values())
}

// Resolution is appended to <topic>.resolved; the DLQ entry itself is kept.
type Resolution struct {
	ID              string    `json:"id"`
	OriginalDLQID   string    `json:"original_dlq_id"`
	OriginalEventID string    `json:"original_event_id"`
	ResolvedAt      time.Time `json:"resolved_at"`
	Method          string    `json:"resolution_method"`
}

func (r Resolution) Values() map[string]any {
	return map[string]any{
		FieldOriginalDLQID:    r.OriginalDLQID,
		FieldOriginalEventID:  r.OriginalEventID,
		FieldResolvedAt:       r.ResolvedAt.UTC().Format(time.RFC3339Nano),
		FieldResolutionMethod: r.Method,
	}
}
