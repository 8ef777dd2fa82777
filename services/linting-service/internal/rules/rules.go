// Package rules seeds per-user lint rule defaults from identity events.
package rules

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
	Schema = "linting"
	Domain = "linting"

	defaultsTable = "rule_defaults"
)

// DefaultRuleset is the body stored for every new user.
const DefaultRuleset = `{"heading-style":"atx","line-length":120,"no-trailing-spaces":true,"list-marker":"-"}`

func EnsureSchema(ctx context.Context, exec db.Execer) error {
	if err := consumer.EnsureLedgerSchema(ctx, exec, Schema); err != nil {
		return err
	}
	if err := projection.EnsureSchema(ctx, exec, Schema); err != nil {
		return err
	}
	_, err := exec.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+db.Ident(Schema, defaultsTable)+` (
		tenant_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		ruleset JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, user_id)
	)`)
	if err != nil {
		return fmt.Errorf("ensure %s.%s: %w", Schema, defaultsTable, err)
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
		table:      db.Ident(Schema, defaultsTable),
	}
}

func (h *Handlers) Register(reg *consumer.Registry) error {
	if err := reg.Register(Domain, events.UserCreatedV1, h.userCreated); err != nil {
		return err
	}
	if err := reg.Register(Domain, events.UserUpdatedV1, h.identities.Apply); err != nil {
		return err
	}
	return reg.Register(Domain, events.UserDeletedV1, h.identities.Apply)
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
		INSERT INTO `+h.table+` (tenant_id, user_id, ruleset)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id) DO NOTHING
	`, env.TenantID, created.UserID, DefaultRuleset)
	if err != nil {
		return fmt.Errorf("seed rule defaults for %s: %w", created.UserID, err)
	}
	return nil
}
