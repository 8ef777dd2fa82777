// Package users owns the identity user table. Every mutation writes its
// lifecycle event to the outbox in the same transaction.
package users

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
)

type Service struct {
	pool   db.TxBeginner
	repo   *Repository
	outbox *outbox.Writer
	newID  func() string
	now    func() time.Time
}

type Option func(*Service)

func WithIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(pool db.TxBeginner, repo *Repository, writer *outbox.Writer, opts ...Option) *Service {
	s := &Service{
		pool:   pool,
		repo:   repo,
		outbox: writer,
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	TenantID    string
	Email       string
	DisplayName string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (User, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" {
		return User{}, ErrEmailRequired
	}
	u := User{
		ID:          s.newID(),
		TenantID:    in.TenantID,
		Email:       email,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Status:      StatusActive,
		UpdatedAt:   s.now().UTC(),
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.repo.InsertTx(ctx, tx, u); err != nil {
			return err
		}
		return s.emit(ctx, tx, events.UserCreatedV1, u.TenantID, u.ID, events.UserCreated{
			UserID: u.ID, Email: u.Email, DisplayName: u.DisplayName, Status: u.Status,
		})
	})
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

type UpdateInput struct {
	TenantID    string
	ID          string
	Email       string
	DisplayName string
}

func (s *Service) Update(ctx context.Context, in UpdateInput) (User, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" {
		return User{}, ErrEmailRequired
	}
	var out User
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		u, err := s.repo.UpdateTx(ctx, tx, User{
			ID:          in.ID,
			TenantID:    in.TenantID,
			Email:       email,
			DisplayName: strings.TrimSpace(in.DisplayName),
			UpdatedAt:   s.now().UTC(),
		})
		if err != nil {
			return err
		}
		out = u
		return s.emit(ctx, tx, events.UserUpdatedV1, u.TenantID, u.ID, events.UserUpdated{
			UserID: u.ID, Email: u.Email, DisplayName: u.DisplayName, Status: u.Status,
		})
	})
	if err != nil {
		return User{}, fmt.Errorf("update user %s: %w", in.ID, err)
	}
	return out, nil
}

// Deactivate keeps the row and announces the user as deleted downstream.
func (s *Service) Deactivate(ctx context.Context, tenantID, id string) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.repo.SetStatusTx(ctx, tx, tenantID, id, StatusDeactivated, s.now().UTC()); err != nil {
			return err
		}
		return s.emit(ctx, tx, events.UserDeletedV1, tenantID, id, events.UserDeleted{UserID: id})
	})
	if err != nil {
		return fmt.Errorf("deactivate user %s: %w", id, err)
	}
	return nil
}

func (s *Service) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, eventType, tenantID, userID string, p events.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.outbox.AddEvent(ctx, tx, eventType, userID, body, outbox.WithTenant(tenantID))
	return err
}
