package kafkax

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/eventpipe/libs/events"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (r *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recordingWriter) Close() error { return nil }

func TestWriterAppendMapsEnvelopeToMessage(t *testing.T) {
	rec := &recordingWriter{}
	w := &Writer{w: rec}

	values := map[string]any{
		events.FieldEventID:     "evt-1",
		events.FieldEventType:   "user.created.v1",
		events.FieldAggregateID: "user-42",
		events.FieldPayload:     `{"user_id":"user-42"}`,
	}
	id, err := w.Append(context.Background(), "identity.user.v1", values)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)

	require.Len(t, rec.msgs, 1)
	msg := rec.msgs[0]
	assert.Equal(t, "identity.user.v1", msg.Topic)
	assert.Equal(t, "user-42", string(msg.Key))
	assert.Equal(t, EventMeta{EventID: "evt-1", EventType: "user.created.v1"}, ExtractEventMeta(msg))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, `{"user_id":"user-42"}`, decoded[events.FieldPayload])
}

func TestWriterAppendWrapsWriteError(t *testing.T) {
	down := errors.New("leader not available")
	w := &Writer{w: &recordingWriter{err: down}}

	_, err := w.Append(context.Background(), "identity.user.v1", map[string]any{events.FieldEventID: "evt-1"})
	require.ErrorIs(t, err, down)
}

func TestNewWriterRequiresBrokers(t *testing.T) {
	_, err := NewWriter(" , ")
	require.ErrorIs(t, err, ErrNoBrokers)
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, SplitBrokers(" kafka-1:9092,,kafka-2:9092 "))
	assert.Empty(t, SplitBrokers(""))
}

func TestExtractEventMetaIgnoresKey(t *testing.T) {
	meta := ExtractEventMeta(kafka.Message{Key: []byte("user-42")})
	if meta.EventID != "" {
		t.Fatalf("aggregate key must not be read as event id, got %q", meta.EventID)
	}
}

func TestReadyCheckWithoutBrokers(t *testing.T) {
	if err := ReadyCheck("")(context.Background()); !errors.Is(err, ErrNoBrokers) {
		t.Fatalf("expected ErrNoBrokers, got %v", err)
	}
}
