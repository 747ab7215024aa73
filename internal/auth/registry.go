package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/taskauth/internal/config"
	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
	"github.com/alexjbarnes/taskauth/internal/models"
)

// ErrInvalidClient is returned by Authenticate for unknown, inactive or
// wrongly authenticated clients. The causes are not distinguished.
var ErrInvalidClient = errors.New("client authentication failed")

// Registration error codes.
const (
	errInvalidGrantTypes    = "invalid_grant_types"
	errInvalidResponseTypes = "invalid_response_types"
	errInvalidScope         = "invalid_scope"
)

// RegistrationError rejects client metadata that falls outside the
// server's allow-lists. Nothing is persisted when it is returned.
type RegistrationError struct {
	Code        string
	Description string
}

func (e *RegistrationError) Error() string {
	return e.Code + ": " + e.Description
}

// ClientMetadata is the validated input of a dynamic registration. Empty
// grant types, response types and scope take the server defaults.
type ClientMetadata struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
	TokenEndpointAuthMethod string
	LogoURI                 string
	PolicyURI               string
	TOSURI                  string
}

// Registry is the client registry. Client secrets are stored as bcrypt
// hashes and the plaintext is only returned by Register.
type Registry struct {
	store  ClientStore
	cost   int
	logger *slog.Logger
	now    func() time.Time

	// dummyHash is compared against when the client is unknown so that
	// authentication takes the same time either way.
	dummyHash func() []byte
}

// NewRegistry creates a Registry hashing secrets at the given bcrypt cost.
func NewRegistry(store ClientStore, bcryptCost int, logger *slog.Logger) *Registry {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}

	return &Registry{
		store:  store,
		cost:   bcryptCost,
		logger: logger,
		now:    time.Now,
		dummyHash: sync.OnceValue(func() []byte {
			h, err := bcrypt.GenerateFromPassword([]byte(RandomHex(clientSecretBytes)), bcryptCost)
			if err != nil {
				panic("bcrypt failed: " + err.Error())
			}

			return h
		}),
	}
}

// Register creates a client from md and returns it together with the
// plaintext secret. Grant types, response types and scopes outside the
// allow-lists produce a *RegistrationError.
func (r *Registry) Register(ctx context.Context, md ClientMetadata) (*models.OAuthClient, string, error) {
	grantTypes := md.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = supportedGrantTypes
	}

	if bad := outside(grantTypes, supportedGrantTypes); len(bad) > 0 {
		return nil, "", &RegistrationError{
			Code:        errInvalidGrantTypes,
			Description: fmt.Sprintf("invalid grant types: %s. Allowed: %s", strings.Join(bad, ", "), strings.Join(supportedGrantTypes, ", ")),
		}
	}

	responseTypes := md.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = supportedResponseTypes
	}

	if bad := outside(responseTypes, supportedResponseTypes); len(bad) > 0 {
		return nil, "", &RegistrationError{
			Code:        errInvalidResponseTypes,
			Description: fmt.Sprintf("invalid response types: %s. Allowed: %s", strings.Join(bad, ", "), strings.Join(supportedResponseTypes, ", ")),
		}
	}

	scopes := uniqueFields(md.Scope)
	if len(scopes) == 0 {
		scopes = supportedScopes
	}

	if bad := outside(scopes, supportedScopes); len(bad) > 0 {
		return nil, "", &RegistrationError{
			Code:        errInvalidScope,
			Description: fmt.Sprintf("invalid scopes: %s. Allowed: %s", strings.Join(bad, ", "), strings.Join(supportedScopes, ", ")),
		}
	}

	authMethod := md.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = AuthMethodSecretBasic
	}

	secret := RandomHex(clientSecretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing client secret: %w", err)
	}

	client := &models.OAuthClient{
		ClientID:                RandomHex(clientIDBytes),
		SecretHash:              string(hash),
		ClientName:              md.ClientName,
		RedirectURIs:            md.RedirectURIs,
		AllowedScopes:           scopes,
		GrantTypes:              dedupe(grantTypes),
		ResponseTypes:           dedupe(responseTypes),
		TokenEndpointAuthMethod: authMethod,
		LogoURI:                 md.LogoURI,
		PolicyURI:               md.PolicyURI,
		TOSURI:                  md.TOSURI,
		Active:                  true,
		CreatedAt:               r.now().UTC().Truncate(time.Second),
	}

	if err := r.store.CreateClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("storing client: %w", err)
	}

	r.logger.Info("client registered",
		slog.String("client_id", client.ClientID),
		slog.String("client_name", client.ClientName),
	)

	return client, secret, nil
}

// Lookup returns an active client. Unknown and inactive clients both
// return ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	if clientID == "" {
		return nil, apperrors.ErrNotFound
	}

	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if !client.Active {
		return nil, apperrors.ErrNotFound
	}

	return client, nil
}

// ValidateRedirectURI reports whether uri exactly matches one of the
// client's registered redirect URIs. Unknown clients fail closed.
func (r *Registry) ValidateRedirectURI(ctx context.Context, clientID, uri string) bool {
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		return false
	}

	return redirectURIAllowed(client, uri)
}

// ValidateScope reports whether every token of the space-separated
// scope was registered by the client. Unknown clients fail closed.
func (r *Registry) ValidateScope(ctx context.Context, clientID, scope string) bool {
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		return false
	}

	return scopeAllowed(client, scope)
}

// Authenticate checks the client secret in constant time. Unknown and
// inactive clients still pay for a bcrypt comparison before failing with
// ErrInvalidClient. Storage failures are returned as-is.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*models.OAuthClient, error) {
	client, err := r.Lookup(ctx, clientID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	if client == nil {
		_ = bcrypt.CompareHashAndPassword(r.dummyHash(), []byte(secret))
		return nil, ErrInvalidClient
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidClient
	}

	return client, nil
}

// SeedStatic upserts pre-registered clients with provisioned secrets.
func (r *Registry) SeedStatic(ctx context.Context, clients []config.StaticClient) error {
	for _, sc := range clients {
		hash, err := bcrypt.GenerateFromPassword([]byte(sc.ClientSecret), r.cost)
		if err != nil {
			return fmt.Errorf("hashing secret for static client %s: %w", sc.ClientID, err)
		}

		client := &models.OAuthClient{
			ClientID:                sc.ClientID,
			SecretHash:              string(hash),
			ClientName:              sc.ClientName,
			RedirectURIs:            sc.RedirectURIs,
			AllowedScopes:           uniqueFields(sc.Scope),
			GrantTypes:              sc.GrantTypes,
			ResponseTypes:           sc.ResponseTypes,
			TokenEndpointAuthMethod: AuthMethodSecretBasic,
			Active:                  true,
			CreatedAt:               r.now().UTC().Truncate(time.Second),
		}

		if len(client.AllowedScopes) == 0 {
			client.AllowedScopes = supportedScopes
		}

		if len(client.GrantTypes) == 0 {
			client.GrantTypes = supportedGrantTypes
		}

		if len(client.ResponseTypes) == 0 {
			client.ResponseTypes = supportedResponseTypes
		}

		for _, check := range []struct {
			values, allowed []string
			field           string
		}{
			{client.AllowedScopes, supportedScopes, "scope"},
			{client.GrantTypes, supportedGrantTypes, "grant_types"},
			{client.ResponseTypes, supportedResponseTypes, "response_types"},
		} {
			if bad := outside(check.values, check.allowed); len(bad) > 0 {
				return fmt.Errorf("static client %s: unsupported %s: %s", sc.ClientID, check.field, strings.Join(bad, ", "))
			}
		}

		if err := r.store.UpsertClient(ctx, client); err != nil {
			return fmt.Errorf("storing static client %s: %w", sc.ClientID, err)
		}

		r.logger.Info("static client seeded", slog.String("client_id", sc.ClientID))
	}

	return nil
}

// redirectURIAllowed is an exact string match. No normalisation is
// applied, so a trailing slash or case difference is a different URI.
func redirectURIAllowed(client *models.OAuthClient, uri string) bool {
	return uri != "" && contains(client.RedirectURIs, uri)
}

// scopeAllowed reports whether scope is a subset of the client's
// registered scopes. An empty scope is always allowed.
func scopeAllowed(client *models.OAuthClient, scope string) bool {
	for _, s := range strings.Fields(scope) {
		if !contains(client.AllowedScopes, s) {
			return false
		}
	}

	return true
}

// outside returns the values not present in allowed.
func outside(values, allowed []string) []string {
	var bad []string

	for _, v := range values {
		if !contains(allowed, v) {
			bad = append(bad, v)
		}
	}

	return bad
}

func uniqueFields(s string) []string {
	return dedupe(strings.Fields(s))
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !contains(out, v) {
			out = append(out, v)
		}
	}

	return out
}
