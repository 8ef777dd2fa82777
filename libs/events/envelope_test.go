package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValuesRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:       "5b7f2a3e-1f5c-4d6e-9a1b-2c3d4e5f6a7b",
		EventType:     UserCreatedV1,
		Topic:         "identity.user.v1",
		SchemaVersion: 1,
		OccurredAt:    time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		TenantID:      "tenant-1",
		AggregateID:   "user-1",
		AggregateType: "user",
		Payload:       []byte(`{"user_id":"user-1","email":"a@example.com"}`),
		Traceparent:   "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}

	values := env.Values()
	assert.Equal(t, "1", values[FieldSchemaVersion])
	assert.Equal(t, "2026-03-01T12:30:00Z", values[FieldOccurredAt])
	_, hasState := values[FieldTracestate]
	assert.False(t, hasState, "empty tracestate should not be written")

	got, err := FromValues(values)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestEnvelopeOriginalOccurredAt(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	replayed := first.Add(48 * time.Hour)
	env := Envelope{EventID: "evt-1", EventType: UserCreatedV1, OccurredAt: replayed, Payload: []byte(`{}`)}
	assert.Equal(t, replayed, env.EventTime())

	env.OriginalOccurredAt = first
	got, err := FromValues(env.Values())
	require.NoError(t, err)
	assert.Equal(t, first, got.OriginalOccurredAt)
	assert.Equal(t, first, got.EventTime())

	values := env.Values()
	values[FieldOriginalOccurredAt] = "yesterday"
	_, err = FromValues(values)
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestFromValuesRejectsMalformed(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			FieldEventID:   "evt-1",
			FieldEventType: UserCreatedV1,
			FieldPayload:   `{"user_id":"u"}`,
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{name: "bad json payload", mutate: func(v map[string]any) { v[FieldPayload] = `{"user_id":` }},
		{name: "missing event id", mutate: func(v map[string]any) { delete(v, FieldEventID) }},
		{name: "missing event type", mutate: func(v map[string]any) { v[FieldEventType] = "" }},
		{name: "bad schema version", mutate: func(v map[string]any) { v[FieldSchemaVersion] = "one" }},
		{name: "bad occurred_at", mutate: func(v map[string]any) { v[FieldOccurredAt] = "yesterday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := base()
			tt.mutate(values)
			_, err := FromValues(values)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))
		})
	}
}

func TestFromValuesDefaults(t *testing.T) {
	env, err := FromValues(map[string]any{FieldEventID: "evt-1", FieldEventType: "user.created.v1"})
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, env.SchemaVersion)
	assert.JSONEq(t, `{}`, string(env.Payload))
}
