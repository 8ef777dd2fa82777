// Package projection keeps a local read model of identity users in each
// consuming service's schema.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
)

const (
	Table = "identity_projection"

	StatusDeleted = "deleted"
)

type Identity struct {
	TenantID    string
	UserID      string
	Email       string
	DisplayName string
	Status      string
	UpdatedAt   time.Time
}

func EnsureSchema(ctx context.Context, exec db.Execer, schema string) error {
	_, err := exec.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+db.Ident(schema, Table)+` (
		tenant_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, user_id)
	)`)
	if err != nil {
		return fmt.Errorf("ensure %s.%s: %w", schema, Table, err)
	}
	return nil
}

// Store writes projection rows. Updates carry the event time and never
// replace a row written from a newer event. Apply uses Envelope.EventTime so a
// republished event keeps its original position.
type Store struct {
	table string
}

func NewStore(schema string) *Store {
	return &Store{table: db.Ident(schema, Table)}
}

func (s *Store) Upsert(ctx context.Context, exec db.Execer, id Identity) error {
	_, err := exec.Exec(ctx, `
		INSERT INTO `+s.table+` AS p (tenant_id, user_id, email, display_name, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, user_id) DO UPDATE
		SET email = EXCLUDED.email,
		    display_name = EXCLUDED.display_name,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
		WHERE p.updated_at <= EXCLUDED.updated_at
	`, id.TenantID, id.UserID, id.Email, id.DisplayName, id.Status, id.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert identity %s: %w", id.UserID, err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, exec db.Execer, tenantID, userID, status string, at time.Time) error {
	_, err := exec.Exec(ctx, `
		UPDATE `+s.table+`
		SET status = $3, updated_at = $4
		WHERE tenant_id = $1 AND user_id = $2 AND updated_at <= $4
	`, tenantID, userID, status, at)
	if err != nil {
		return fmt.Errorf("set identity %s status: %w", userID, err)
	}
	return nil
}

// Apply maps a user lifecycle event onto the projection. Other payloads are
// ignored.
func (s *Store) Apply(ctx context.Context, tx pgx.Tx, env events.Envelope, p events.Payload) error {
	switch v := p.(type) {
	case events.UserCreated:
		return s.Upsert(ctx, tx, Identity{
			TenantID: env.TenantID, UserID: v.UserID, Email: v.Email,
			DisplayName: v.DisplayName, Status: v.Status, UpdatedAt: env.EventTime(),
		})
	case events.UserUpdated:
		return s.Upsert(ctx, tx, Identity{
			TenantID: env.TenantID, UserID: v.UserID, Email: v.Email,
			DisplayName: v.DisplayName, Status: v.Status, UpdatedAt: env.EventTime(),
		})
	case events.UserDeleted:
		return s.SetStatus(ctx, tx, env.TenantID, v.UserID, StatusDeleted, env.EventTime())
	default:
		return nil
	}
}
