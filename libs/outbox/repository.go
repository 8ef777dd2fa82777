package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
)

// Record is one outbox row as the relay sees it.
type Record struct {
	EventID       string
	EventType     string
	AggregateType string
	AggregateID   string
	TenantID      string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
	Attempts      int
	LastError     string
}

type Repository struct {
	table string
}

func NewRepository(table string) *Repository {
	if table == "" {
		table = DefaultTable
	}
	return &Repository{table: db.Ident("", table)}
}

// Insert writes an unpublished row through the caller's transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO `+r.table+` (event_id, event_type, aggregate_type, aggregate_id, tenant_id, payload, traceparent, tracestate, published, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, 0)
	`, rec.EventID, rec.EventType, rec.AggregateType, rec.AggregateID, rec.TenantID, rec.Payload, rec.Traceparent, rec.Tracestate)
	return err
}

// FetchReady locks up to limit publishable rows, oldest first. Rows locked by
// another relay are skipped.
func (r *Repository) FetchReady(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT event_id::text, event_type, aggregate_type, aggregate_id, tenant_id, payload, traceparent, tracestate, created_at, attempts, COALESCE(error_message, '')
		FROM `+r.table+`
		WHERE published = false
		  AND dead_lettered_at IS NULL
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rcd Record
		if err := rows.Scan(&rcd.EventID, &rcd.EventType, &rcd.AggregateType, &rcd.AggregateID, &rcd.TenantID, &rcd.Payload, &rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt, &rcd.Attempts, &rcd.LastError); err != nil {
			return nil, err
		}
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, eventID string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE `+r.table+`
		SET published = true, published_at = $2, error_message = NULL
		WHERE event_id = $1
	`, eventID, at)
	return err
}

func (r *Repository) MarkRetry(ctx context.Context, tx pgx.Tx, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := tx.Exec(ctx, `
		UPDATE `+r.table+`
		SET attempts = $2, next_attempt_at = $3, error_message = $4
		WHERE event_id = $1
	`, eventID, attempts, nextAttemptAt, lastError)
	return err
}

// MarkDeadLettered records the terminal failure. The row stays unpublished.
func (r *Repository) MarkDeadLettered(ctx context.Context, tx pgx.Tx, eventID string, attempts int, at time.Time, lastError string) error {
	_, err := tx.Exec(ctx, `
		UPDATE `+r.table+`
		SET attempts = $2, dead_lettered_at = $3, error_message = $4
		WHERE event_id = $1
	`, eventID, attempts, at, lastError)
	return err
}
