package consumer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/streams"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
)

const (
	testTopic = "identity.user.v1"
	testGroup = "linting"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingTransport is the real stream client with ack accounting.
type countingTransport struct {
	*streams.Client
	mu   sync.Mutex
	acks int
}

func (c *countingTransport) Ack(ctx context.Context, stream, group string, ids ...string) error {
	c.mu.Lock()
	c.acks += len(ids)
	c.mu.Unlock()
	return c.Client.Ack(ctx, stream, group, ids...)
}

func (c *countingTransport) ackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acks
}

func newRedisTransport(t *testing.T) *countingTransport {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &countingTransport{Client: streams.New(rdb)}
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func testConfig() Config {
	return Config{
		Group:         testGroup,
		Name:          "linting-1",
		Domain:        "linting",
		Topics:        []string{testTopic},
		Count:         10,
		Block:         10 * time.Millisecond,
		Schema:        "linting",
		MaxDeliveries: 5,
	}
}

// countingHandler bumps a counter row for the user in the payload.
type countingHandler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *countingHandler) handle(ctx context.Context, tx pgx.Tx, env events.Envelope, p events.Payload) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	created := p.(events.UserCreated)
	_, err := tx.Exec(ctx, `UPDATE "linting"."counters" SET n = n + 1 WHERE user_id = $1`, created.UserID)
	return err
}

func userCreated(eventID string) events.Envelope {
	return events.Envelope{
		EventID:       eventID,
		EventType:     events.UserCreatedV1,
		Topic:         testTopic,
		SchemaVersion: 1,
		OccurredAt:    fixedNow,
		TenantID:      "tenant-1",
		AggregateID:   "user-1",
		AggregateType: "user",
		Payload:       []byte(`{"user_id":"user-1","email":"a@example.com","display_name":"A","status":"active"}`),
	}
}

func streamsArgs(c *Consumer) streams.ReadArgs {
	cfg := c.Config()
	return streams.ReadArgs{Group: cfg.Group, Consumer: cfg.Name, Streams: cfg.Topics, Count: cfg.Count, Block: cfg.Block}
}

type appendedEntry struct {
	stream string
	values map[string]any
}

// stubTransport serves canned claims and delivery counts.
type stubTransport struct {
	claims     map[string][]streams.Message
	deliveries map[string]int64
	appended   []appendedEntry
	acked      []string
}

func (s *stubTransport) EnsureGroup(context.Context, string, string) error { return nil }

func (s *stubTransport) ReadGroup(context.Context, streams.ReadArgs) ([]streams.Message, error) {
	return nil, nil
}

func (s *stubTransport) Ack(_ context.Context, _ string, _ string, ids ...string) error {
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *stubTransport) Claim(_ context.Context, stream, _, _ string, _ time.Duration, _ int64) ([]streams.Message, error) {
	msgs := s.claims[stream]
	delete(s.claims, stream)
	return msgs, nil
}

func (s *stubTransport) DeliveryCount(_ context.Context, _ string, _ string, id string) (int64, error) {
	n, ok := s.deliveries[id]
	if !ok {
		return 0, streams.ErrNotFound
	}
	return n, nil
}

func (s *stubTransport) Append(_ context.Context, stream string, values map[string]any) (string, error) {
	s.appended = append(s.appended, appendedEntry{stream: stream, values: values})
	return "9-0", nil
}
