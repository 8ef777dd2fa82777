package projection

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/pashagolub/pgxmock/v4"
)

var occurredAt = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestEnsureSchema(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "linting"."identity_projection"`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	if err := EnsureSchema(context.Background(), mock, "linting"); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyUserEvents(t *testing.T) {
	mock := newMock(t)
	s := NewStore("linting")
	env := events.Envelope{TenantID: "tenant-1", OccurredAt: occurredAt}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "linting"."identity_projection" AS p`)).
		WithArgs("tenant-1", "user-1", "a@example.com", "Ada", "active", occurredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "linting"."identity_projection" AS p`)).
		WithArgs("tenant-1", "user-1", "ada@example.com", "Ada L", "active", occurredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "linting"."identity_projection"`)).
		WithArgs("tenant-1", "user-1", StatusDeleted, occurredAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	payloads := []events.Payload{
		events.UserCreated{UserID: "user-1", Email: "a@example.com", DisplayName: "Ada", Status: "active"},
		events.UserUpdated{UserID: "user-1", Email: "ada@example.com", DisplayName: "Ada L", Status: "active"},
		events.UserDeleted{UserID: "user-1"},
		events.RawPayload(`{}`),
	}
	for _, p := range payloads {
		if err := s.Apply(ctx, tx, env, p); err != nil {
			t.Fatalf("Apply(%T): %v", p, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyOrdersReplayByOriginalTime(t *testing.T) {
	mock := newMock(t)
	s := NewStore("linting")
	replayedAt := occurredAt.Add(24 * time.Hour)
	env := events.Envelope{TenantID: "tenant-1", OccurredAt: replayedAt, OriginalOccurredAt: occurredAt}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "linting"."identity_projection" AS p`)).
		WithArgs("tenant-1", "user-1", "a@example.com", "Ada", "active", occurredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	created := events.UserCreated{UserID: "user-1", Email: "a@example.com", DisplayName: "Ada", Status: "active"}
	if err := s.Apply(ctx, tx, env, created); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("replay must be written with its original time: %v", err)
	}
}
