package kafkax

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is a relay sink that appends envelopes to Kafka topics named after
// the stream. The message key is the aggregate ID so one aggregate stays on
// one partition.
type Writer struct {
	w messageWriter
}

func NewWriter(brokers string) (*Writer, error) {
	list := SplitBrokers(brokers)
	if len(list) == 0 {
		return nil, ErrNoBrokers
	}
	return &Writer{w: &kafka.Writer{
		Addr:                   kafka.TCP(list...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		// The relay writes one message at a time; the 1s default would
		// stall each append.
		BatchTimeout: 10 * time.Millisecond,
	}}, nil
}

// Append returns the event ID; Kafka offsets are not known to the caller.
func (w *Writer) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	value, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode %s message: %w", stream, err)
	}
	eventID := events.Field(values, events.FieldEventID)
	msg := kafka.Message{
		Topic: stream,
		Key:   []byte(events.Field(values, events.FieldAggregateID)),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(eventID)},
			{Key: HeaderEventType, Value: []byte(events.Field(values, events.FieldEventType))},
		},
	}
	msg.Headers = InjectTraceHeaders(ctx, msg.Headers)
	if err := w.w.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("kafka write %s: %w", stream, err)
	}
	return eventID, nil
}

func (w *Writer) Close() error {
	return w.w.Close()
}
