package outbox

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/dlq"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/metrics"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	fixedNow  = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	createdAt = time.Date(2026, 4, 2, 9, 59, 58, 0, time.UTC)
	router    = events.TopicRouter{Default: "identity"}
)

var outboxColumns = []string{
	"event_id", "event_type", "aggregate_type", "aggregate_id", "tenant_id",
	"payload", "traceparent", "tracestate", "created_at", "attempts", "error_message",
}

const payload = `{"user_id":"user-1","email":"a@example.com"}`

func testRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:   50,
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}
}

func newTestRelay(t *testing.T, transport *fakeTransport) (*Relay, pgxmock.PgxPoolIface) {
	return newConfiguredRelay(t, transport, testRelayConfig())
}

func newConfiguredRelay(t *testing.T, transport dlq.Appender, cfg RelayConfig, opts ...RelayOption) (*Relay, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	opts = append([]RelayOption{WithRelayClock(func() time.Time { return fixedNow })}, opts...)
	r := NewRelay(mock, NewRepository(""), transport, router, discardLogger(), cfg, opts...)
	return r, mock
}

func expectFetch(mock pgxmock.PgxPoolIface, rows *pgxmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "outbox"`)).
		WithArgs(fixedNow, 50).
		WillReturnRows(rows)
}

func TestRelayPublishesReadyEvent(t *testing.T) {
	transport := &fakeTransport{}
	r, mock := newTestRelay(t, transport)

	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-1", events.UserCreatedV1, "user", "user-1", "tenant-1", []byte(payload), "", "", createdAt, 0, ""))
	mock.ExpectExec(regexp.QuoteMeta(`SET published = true`)).
		WithArgs("evt-1", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Processed != 1 || res.Published != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	sent := transport.on("identity.user.v1")
	if len(sent) != 1 {
		t.Fatalf("expected 1 entry on identity.user.v1, got %d", len(sent))
	}
	env, err := events.FromValues(sent[0].values)
	if err != nil {
		t.Fatalf("stream entry is not a valid envelope: %v", err)
	}
	if env.EventID != "evt-1" || env.Topic != "identity.user.v1" || env.SchemaVersion != 1 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !env.OccurredAt.Equal(createdAt) {
		t.Fatalf("occurred_at should be the outbox created_at, got %s", env.OccurredAt)
	}
	if env.TenantID != "tenant-1" || string(env.Payload) != payload {
		t.Fatalf("envelope lost row data: %+v", env)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelaySchedulesRetryWithBackoff(t *testing.T) {
	transport := &fakeTransport{failWhen: everythingDown}
	r, mock := newTestRelay(t, transport)

	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-1", events.UserCreatedV1, "user", "user-1", "", []byte(payload), "", "", createdAt, 2, "earlier failure"))
	// Third failure: 1s * 2^2.
	mock.ExpectExec(regexp.QuoteMeta(`SET attempts = $2, next_attempt_at = $3`)).
		WithArgs("evt-1", 3, fixedNow.Add(4*time.Second), errTransportDown.Error()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Retried != 1 || res.Published != 0 || res.DeadLettered != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayDeadLettersAfterMaxAttempts(t *testing.T) {
	transport := &fakeTransport{failWhen: primaryDown}
	r, mock := newTestRelay(t, transport)

	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-9", events.UserCreatedV1, "user", "user-9", "", []byte(payload), "", "", createdAt, 4, "connection refused"))
	mock.ExpectExec(regexp.QuoteMeta(`SET attempts = $2, dead_lettered_at = $3`)).
		WithArgs("evt-9", 5, fixedNow, errTransportDown.Error()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.DeadLettered != 1 {
		t.Fatalf("expected 1 dead letter, got %+v", res)
	}

	if got := transport.on("identity.user.v1"); len(got) != 0 {
		t.Fatalf("event must not reach the primary topic, got %d entries", len(got))
	}
	dead := transport.on("identity.user.v1.dlq")
	if len(dead) != 1 {
		t.Fatalf("expected exactly one dlq entry, got %d", len(dead))
	}
	v := dead[0].values
	if v[dlq.FieldAttempts] != "5" {
		t.Fatalf("expected attempts=5, got %v", v[dlq.FieldAttempts])
	}
	if v[dlq.FieldErrorMessage] != errTransportDown.Error() {
		t.Fatalf("unexpected error_message: %v", v[dlq.FieldErrorMessage])
	}
	if v[dlq.FieldSource] != string(dlq.SourceRelay) || v[events.FieldEventID] != "evt-9" {
		t.Fatalf("unexpected dlq entry: %v", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayRetriesPendingDeadLetterWithoutPrimaryPublish(t *testing.T) {
	transport := &fakeTransport{}
	r, mock := newTestRelay(t, transport)

	// Attempts already exhausted but the dlq append failed last time.
	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-3", events.UserUpdatedV1, "user", "user-3", "", []byte(payload), "", "", createdAt, 5, "connection refused"))
	mock.ExpectExec(regexp.QuoteMeta(`dead_lettered_at = $3`)).
		WithArgs("evt-3", 5, fixedNow, "connection refused").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := transport.on("identity.user.v1"); len(got) != 0 {
		t.Fatalf("exhausted event must not be published, got %d", len(got))
	}
	if got := transport.on("identity.user.v1.dlq"); len(got) != 1 {
		t.Fatalf("expected one dlq entry, got %d", len(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayKeepsRowWhenDeadLetterAppendFails(t *testing.T) {
	transport := &fakeTransport{failWhen: everythingDown}
	r, mock := newTestRelay(t, transport)

	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-4", events.UserCreatedV1, "user", "user-4", "", []byte(payload), "", "", createdAt, 4, ""))
	mock.ExpectExec(regexp.QuoteMeta(`SET attempts = $2, next_attempt_at = $3`)).
		WithArgs("evt-4", 5, fixedNow.Add(time.Minute), errTransportDown.Error()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	failed := testutil.ToFloat64(metrics.RelayDeadLetterFailed.WithLabelValues("identity.user.v1"))
	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.DeadLettered != 0 || res.Retried != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := testutil.ToFloat64(metrics.RelayDeadLetterFailed.WithLabelValues("identity.user.v1")); got != failed+1 {
		t.Fatalf("expected dead-letter failure counter to grow by 1, got %v -> %v", failed, got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayIsolatesFailuresPerEvent(t *testing.T) {
	transport := &fakeTransport{failWhen: func(stream string) bool { return stream == "identity.document.v1" }}
	r, mock := newTestRelay(t, transport)

	// The first event's topic is down; the second must still be published.
	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-a", "document.created.v1", "document", "doc-a", "", []byte(`{"title":"a"}`), "", "", createdAt, 0, "").
		AddRow("evt-b", events.UserDeletedV1, "user", "user-b", "", []byte(`{"user_id":"user-b"}`), "", "", createdAt.Add(time.Second), 0, ""))
	mock.ExpectExec(regexp.QuoteMeta(`SET attempts = $2, next_attempt_at = $3`)).
		WithArgs("evt-a", 1, fixedNow.Add(time.Second), errTransportDown.Error()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET published = true`)).
		WithArgs("evt-b", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Processed != 2 || res.Published != 1 || res.Retried != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	sent := transport.on("identity.user.v1")
	if len(sent) != 1 || sent[0].values[events.FieldEventID] != "evt-b" {
		t.Fatalf("expected evt-b on identity.user.v1, got %v", sent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayEmptyBatchCommits(t *testing.T) {
	r, mock := newTestRelay(t, &fakeTransport{})
	expectFetch(mock, pgxmock.NewRows(outboxColumns))
	mock.ExpectCommit()

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("expected empty batch, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayRecordsAttemptWhenTransportHangs(t *testing.T) {
	transport := &stallingTransport{}
	r, mock := newConfiguredRelay(t, transport, testRelayConfig())

	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-1", events.UserCreatedV1, "user", "user-1", "", []byte(payload), "", "", createdAt, 0, "").
		AddRow("evt-2", events.UserCreatedV1, "user", "user-2", "", []byte(payload), "", "", createdAt, 0, ""))
	// The batch deadline expires during the first append. Its attempt is kept
	// and the second row is left for the next batch.
	mock.ExpectExec(regexp.QuoteMeta(`SET attempts = $2, next_attempt_at = $3`)).
		WithArgs("evt-1", 1, fixedNow.Add(time.Second), context.DeadlineExceeded.Error()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Processed != 1 || res.Retried != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("expected 1 append, got %d", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayPublishTimeoutBoundsEachEvent(t *testing.T) {
	cfg := testRelayConfig()
	cfg.PublishTimeout = 10 * time.Millisecond
	transport := &stallingTransport{}
	r, mock := newConfiguredRelay(t, transport, cfg)

	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-1", events.UserCreatedV1, "user", "user-1", "", []byte(payload), "", "", createdAt, 0, "").
		AddRow("evt-2", events.UserCreatedV1, "user", "user-2", "", []byte(payload), "", "", createdAt, 4, ""))
	mock.ExpectExec(regexp.QuoteMeta(`SET attempts = $2, next_attempt_at = $3`)).
		WithArgs("evt-1", 1, fixedNow.Add(time.Second), context.DeadlineExceeded.Error()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	// Fifth failure: the dead-letter append hangs too, so the row waits BackoffMax.
	mock.ExpectExec(regexp.QuoteMeta(`SET attempts = $2, next_attempt_at = $3`)).
		WithArgs("evt-2", 5, fixedNow.Add(time.Minute), context.DeadlineExceeded.Error()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Processed != 2 || res.Retried != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := transport.calls.Load(); got != 3 {
		t.Fatalf("expected 3 appends (two primary, one dlq), got %d", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayDeadLetterSink(t *testing.T) {
	primary := &fakeTransport{failWhen: everythingDown}
	dead := &fakeTransport{}
	r, mock := newConfiguredRelay(t, primary, testRelayConfig(), WithDeadLetterSink(dead))

	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-9", events.UserCreatedV1, "user", "user-9", "", []byte(payload), "", "", createdAt, 4, ""))
	mock.ExpectExec(regexp.QuoteMeta(`dead_lettered_at = $3`)).
		WithArgs("evt-9", 5, fixedNow, errTransportDown.Error()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.DeadLettered != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := dead.on("identity.user.v1.dlq"); len(got) != 1 {
		t.Fatalf("expected dlq entry on the dead-letter sink, got %d", len(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayRunFinishesBatchOnShutdown(t *testing.T) {
	cfg := testRelayConfig()
	cfg.PollEvery = 5 * time.Millisecond
	transport := &gatedTransport{started: make(chan struct{}), release: make(chan struct{})}
	r, mock := newConfiguredRelay(t, transport, cfg)

	expectFetch(mock, pgxmock.NewRows(outboxColumns).
		AddRow("evt-1", events.UserCreatedV1, "user", "user-1", "", []byte(payload), "", "", createdAt, 0, ""))
	mock.ExpectExec(regexp.QuoteMeta(`SET published = true`)).
		WithArgs("evt-1", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-transport.started:
	case <-time.After(time.Second):
		t.Fatal("relay never published")
	}
	cancel()
	close(transport.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("in-flight batch was not committed: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{200, time.Minute},
	}
	for _, c := range cases {
		if got := Backoff(time.Second, time.Minute, c.attempts); got != c.want {
			t.Fatalf("Backoff(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
	if got := Backoff(0, time.Minute, 3); got != 0 {
		t.Fatalf("zero base should disable backoff, got %s", got)
	}
}
