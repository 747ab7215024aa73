package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
	"github.com/alexjbarnes/taskauth/internal/models"
)

// CreateRefreshToken persists a refresh token by its SHA-256 digest.
func (s *Store) CreateRefreshToken(ctx context.Context, rt *models.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO oauth_refresh_tokens (
			token_hash, client_id, user_id, scope, is_active, expires_at, created_at
		) VALUES (?, ?, ?, ?, TRUE, ?, ?)`),
		HashSecret(rt.Token), rt.ClientID, rt.UserID, rt.Scope,
		rt.ExpiresAt.Unix(), rt.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAlreadyExists
		}

		return fmt.Errorf("inserting refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// GetActiveRefreshToken returns the token if it is active, unexpired at
// now and bound to clientID. The row is not modified: refresh tokens are
// not rotated on use. Any miss returns ErrNotFound.
func (s *Store) GetActiveRefreshToken(ctx context.Context, token, clientID string, now time.Time) (*models.RefreshToken, error) {
	var (
		rt                   models.RefreshToken
		expiresAt, createdAt int64
	)

	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT client_id, user_id, scope, is_active, expires_at, created_at
		FROM oauth_refresh_tokens
		WHERE token_hash = ? AND client_id = ? AND is_active = TRUE AND expires_at > ?`),
		HashSecret(token), clientID, now.Unix(),
	).Scan(&rt.ClientID, &rt.UserID, &rt.Scope, &rt.Active, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}

	rt.Token = token
	rt.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	rt.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &rt, nil
}

// RevokeRefreshToken deactivates an active token owned by clientID. An
// empty clientID revokes regardless of owner. Returns ErrNotFound when
// nothing was revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, token, clientID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	query := `UPDATE oauth_refresh_tokens SET is_active = FALSE, revoked_at = ?
		WHERE token_hash = ? AND is_active = TRUE`
	args := []any{now.Unix(), HashSecret(token)}

	if clientID != "" {
		query += ` AND client_id = ?`
		args = append(args, clientID)
	}

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}

	if n == 0 {
		return apperrors.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}
