package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
	"github.com/alexjbarnes/taskauth/internal/models"
)

const clientColumns = `client_id, client_secret_hash, client_name, redirect_uris, allowed_scopes,
	grant_types, response_types, token_endpoint_auth_method, logo_uri, policy_uri, tos_uri,
	is_active, created_at`

// clientRow holds the JSON-encoded list columns of a client.
type clientRow struct {
	redirectURIs  string
	scopes        string
	grantTypes    string
	responseTypes string
}

func encodeClient(c *models.OAuthClient) (clientRow, error) {
	var (
		row clientRow
		err error
	)

	if row.redirectURIs, err = encodeList(c.RedirectURIs); err != nil {
		return row, fmt.Errorf("encoding redirect_uris: %w", err)
	}

	if row.scopes, err = encodeList(c.AllowedScopes); err != nil {
		return row, fmt.Errorf("encoding allowed_scopes: %w", err)
	}

	if row.grantTypes, err = encodeList(c.GrantTypes); err != nil {
		return row, fmt.Errorf("encoding grant_types: %w", err)
	}

	if row.responseTypes, err = encodeList(c.ResponseTypes); err != nil {
		return row, fmt.Errorf("encoding response_types: %w", err)
	}

	return row, nil
}

// CreateClient inserts a newly registered client. A duplicate client id
// returns ErrAlreadyExists.
func (s *Store) CreateClient(ctx context.Context, c *models.OAuthClient) error {
	row, err := encodeClient(c)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO oauth_clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ClientID, c.SecretHash, c.ClientName,
		row.redirectURIs, row.scopes, row.grantTypes, row.responseTypes,
		c.TokenEndpointAuthMethod, c.LogoURI, c.PolicyURI, c.TOSURI,
		c.Active, c.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAlreadyExists
		}

		return fmt.Errorf("inserting client: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// UpsertClient inserts a client or replaces every mutable attribute of
// an existing one. Used to seed pre-registered clients at startup.
func (s *Store) UpsertClient(ctx context.Context, c *models.OAuthClient) error {
	row, err := encodeClient(c)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO oauth_clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = excluded.client_secret_hash,
			client_name = excluded.client_name,
			redirect_uris = excluded.redirect_uris,
			allowed_scopes = excluded.allowed_scopes,
			grant_types = excluded.grant_types,
			response_types = excluded.response_types,
			token_endpoint_auth_method = excluded.token_endpoint_auth_method,
			is_active = excluded.is_active`),
		c.ClientID, c.SecretHash, c.ClientName,
		row.redirectURIs, row.scopes, row.grantTypes, row.responseTypes,
		c.TokenEndpointAuthMethod, c.LogoURI, c.PolicyURI, c.TOSURI,
		c.Active, c.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upserting client: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// GetClient returns the client with the given id, active or not.
// Returns ErrNotFound when no such client exists.
func (s *Store) GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	var (
		c         models.OAuthClient
		row       clientRow
		createdAt int64
	)

	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = ?`),
		clientID,
	).Scan(
		&c.ClientID, &c.SecretHash, &c.ClientName,
		&row.redirectURIs, &row.scopes, &row.grantTypes, &row.responseTypes,
		&c.TokenEndpointAuthMethod, &c.LogoURI, &c.PolicyURI, &c.TOSURI,
		&c.Active, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}

	for _, f := range []struct {
		src string
		dst *[]string
	}{
		{row.redirectURIs, &c.RedirectURIs},
		{row.scopes, &c.AllowedScopes},
		{row.grantTypes, &c.GrantTypes},
		{row.responseTypes, &c.ResponseTypes},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("decoding client %s: %w", clientID, err)
		}
	}

	c.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &c, nil
}

// DeactivateClient flips the active flag off. Deactivated clients can no
// longer authenticate or start authorizations.
func (s *Store) DeactivateClient(ctx context.Context, clientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE oauth_clients SET is_active = FALSE WHERE client_id = ?`),
		clientID,
	)
	if err != nil {
		return fmt.Errorf("deactivating client: %w", err)
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

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
