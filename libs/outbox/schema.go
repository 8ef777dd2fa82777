package outbox

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/eventpipe/libs/db"
)

const DefaultTable = "outbox"

// EnsureSchema creates the outbox table and its ready-row index if missing.
func EnsureSchema(ctx context.Context, exec db.Execer, table string) error {
	if table == "" {
		table = DefaultTable
	}
	ident := db.Ident("", table)
	index := db.Ident("", table+"_ready_idx")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + ident + ` (
			event_id UUID PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			traceparent TEXT NOT NULL DEFAULT '',
			tracestate TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			published BOOLEAN NOT NULL DEFAULT false,
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ,
			published_at TIMESTAMPTZ,
			error_message TEXT,
			dead_lettered_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS ` + index + ` ON ` + ident + ` (created_at)
			WHERE published = false AND dead_lettered_at IS NULL`,
	}
	for _, stmt := range stmts {
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure outbox schema: %w", err)
		}
	}
	return nil
}
