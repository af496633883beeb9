package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"taskhub/domain"
)

// Resolve looks a session token up. Unknown tokens yield
// domain.ErrUnauthorized; expiry is left to the caller.
func (s *Store) Resolve(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	var row struct {
		UserID    string    `db:"user_id"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	query := s.db.Rebind(`SELECT user_id, expires_at FROM sessions WHERE token = ?`)
	if err := sqlx.GetContext(ctx, s.db, &row, query, token); err != nil {
		if err = mapError(err); errors.Is(err, domain.ErrNotFound) {
			return domain.Identity{}, domain.ErrUnauthorized
		}
		return domain.Identity{}, fmt.Errorf("resolve session: %w", err)
	}
	return domain.Identity{UserID: row.UserID, ExpiresAt: row.ExpiresAt}, nil
}

// User returns the profile of a user id.
func (s *Store) User(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	query := s.db.Rebind(`SELECT id, name, email, image FROM users WHERE id = ?`)
	if err := sqlx.GetContext(ctx, s.db, &u, query, id); err != nil {
		return domain.User{}, fmt.Errorf("user %s: %w", id, mapError(err))
	}
	return u, nil
}

// UpsertUser creates or refreshes a profile.
func (s *Store) UpsertUser(ctx context.Context, u domain.User) error {
	query := s.db.Rebind(`INSERT INTO users (id, name, email, image) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email, image = excluded.image`)
	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, u.Image); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, mapError(err))
	}
	return nil
}

// CreateSession stores a token issued by the identity provider.
func (s *Store) CreateSession(ctx context.Context, token, userID string, expiresAt time.Time) error {
	query := s.db.Rebind(`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, token, userID, expiresAt.UTC()); err != nil {
		return fmt.Errorf("create session: %w", mapError(err))
	}
	return nil
}
