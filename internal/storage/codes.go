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

// CreateCode persists a freshly minted authorization code. Only the
// SHA-256 digest of the code is written.
func (s *Store) CreateCode(ctx context.Context, code *models.AuthorizationCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO oauth_authorization_codes (
			code_hash, client_id, user_id, redirect_uri, scope,
			code_challenge, code_challenge_method, expires_at, is_used, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?)`),
		HashSecret(code.Code), code.ClientID, code.UserID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt.Unix(), code.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAlreadyExists
		}

		return fmt.Errorf("inserting authorization code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// ConsumeCode atomically marks the code used and returns it, provided it
// belongs to clientID, was issued for exactly redirectURI, has not been
// used and has not expired at now. Any miss returns ErrNotFound without
// saying which condition failed.
//
// The check and the update are one conditional UPDATE, so of several
// concurrent calls for the same code at most one observes a row.
func (s *Store) ConsumeCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*models.AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var (
		ac                   models.AuthorizationCode
		expiresAt, createdAt int64
		usedAt               sql.NullInt64
	)

	err = tx.QueryRowContext(ctx, s.rebind(`
		UPDATE oauth_authorization_codes
		SET is_used = TRUE, used_at = ?
		WHERE code_hash = ? AND client_id = ? AND redirect_uri = ?
		  AND is_used = FALSE AND expires_at > ?
		RETURNING client_id, user_id, redirect_uri, scope, code_challenge,
		          code_challenge_method, expires_at, used_at, created_at`),
		now.Unix(), HashSecret(code), clientID, redirectURI, now.Unix(),
	).Scan(
		&ac.ClientID, &ac.UserID, &ac.RedirectURI, &ac.Scope, &ac.CodeChallenge,
		&ac.CodeChallengeMethod, &expiresAt, &usedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	ac.Code = code
	ac.Used = true
	ac.UsedAt = timePtr(usedAt)
	ac.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	ac.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &ac, nil
}
