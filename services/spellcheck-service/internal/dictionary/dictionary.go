// Package dictionary keeps one custom spell-check dictionary per user.
package dictionary

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/consumer"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/projection"
)

const (
	Schema = "spellcheck"
	Domain = "spellcheck"

	dictionariesTable = "user_dictionaries"
)

func EnsureSchema(ctx context.Context, exec db.Execer) error {
	if err := consumer.EnsureLedgerSchema(ctx, exec, Schema); err != nil {
		return err
	}
	if err := projection.EnsureSchema(ctx, exec, Schema); err != nil {
		return err
	}
	_, err := exec.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+db.Ident(Schema, dictionariesTable)+` (
		tenant_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		words TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, user_id)
	)`)
	if err != nil {
		return fmt.Errorf("ensure %s.%s: %w", Schema, dictionariesTable, err)
	}
	return nil
}

type Handlers struct {
	identities *projection.Store
	table      string
}

func NewHandlers() *Handlers {
	return &Handlers{
		identities: projection.NewStore(Schema),
		table:      db.Ident(Schema, dictionariesTable),
	}
}

func (h *Handlers) Register(reg *consumer.Registry) error {
	if err := reg.Register(Domain, events.UserCreatedV1, h.userCreated); err != nil {
		return err
	}
	if err := reg.Register(Domain, events.UserUpdatedV1, h.identities.Apply); err != nil {
		return err
	}
	return reg.Register(Domain, events.UserDeletedV1, h.userDeleted)
}

func (h *Handlers) userCreated(ctx context.Context, tx pgx.Tx, env events.Envelope, p events.Payload) error {
	created, ok := p.(events.UserCreated)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", p, env.EventType)
	}
	if err := h.identities.Apply(ctx, tx, env, created); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO `+h.table+` (tenant_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, user_id) DO NOTHING
	`, env.TenantID, created.UserID)
	if err != nil {
		return fmt.Errorf("create dictionary for %s: %w", created.UserID, err)
	}
	return nil
}

func (h *Handlers) userDeleted(ctx context.Context, tx pgx.Tx, env events.Envelope, p events.Payload) error {
	deleted, ok := p.(events.UserDeleted)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", p, env.EventType)
	}
	if err := h.identities.Apply(ctx, tx, env, deleted); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+h.table+` WHERE tenant_id = $1 AND user_id = $2`, env.TenantID, deleted.UserID); err != nil {
		return fmt.Errorf("remove dictionary for %s: %w", deleted.UserID, err)
	}
	return nil
}
