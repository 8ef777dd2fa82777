package consumer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
)

const ledgerTable = "event_ledger"

// Ledger records processed event IDs. A row exists iff the event's handler
// transaction committed.
type Ledger struct {
	table string
}

func NewLedger(schema string) *Ledger {
	return &Ledger{table: db.Ident(schema, ledgerTable)}
}

// Record inserts eventID and reports whether it was new. It must run before
// the handler, in the same transaction.
func (l *Ledger) Record(ctx context.Context, tx pgx.Tx, eventID string) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+l.table+` (event_id, received_at) VALUES ($1, now()) ON CONFLICT (event_id) DO NOTHING`,
		eventID,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert ledger row %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// EnsureLedgerSchema creates schema and its ledger table.
func EnsureLedgerSchema(ctx context.Context, exec db.Execer, schema string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + db.Ident(schema, ledgerTable) + ` (
			event_id TEXT PRIMARY KEY,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	if schema != "" {
		stmts = append([]string{`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize()}, stmts...)
	}
	for _, stmt := range stmts {
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema %s: %w", schema, err)
		}
	}
	return nil
}
