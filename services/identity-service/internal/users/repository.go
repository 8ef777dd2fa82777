package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
)

const (
	StatusActive      = "active"
	StatusDeactivated = "deactivated"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrEmailRequired = errors.New("email is required")
	ErrEmailTaken    = errors.New("email already registered")
)

type User struct {
	ID          string
	TenantID    string
	Email       string
	DisplayName string
	Status      string
	UpdatedAt   time.Time
}

func EnsureSchema(ctx context.Context, exec db.Execer) error {
	_, err := exec.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, email)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure users schema: %w", err)
	}
	return nil
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, u User) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO users (id, tenant_id, email, display_name, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.TenantID, u.Email, u.DisplayName, u.Status, u.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (r *Repository) UpdateTx(ctx context.Context, tx pgx.Tx, u User) (User, error) {
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET email = $3, display_name = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2
		RETURNING status
	`, u.TenantID, u.ID, u.Email, u.DisplayName, u.UpdatedAt).Scan(&u.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if db.IsUniqueViolation(err) {
		return User{}, ErrEmailTaken
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, tenantID, id, status string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET status = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
