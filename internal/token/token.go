// Package token issues and verifies RS256 access tokens.
package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
	"github.com/alexjbarnes/taskauth/internal/keys"
)

// Claims are the access token claims. Scope is the space-separated
// granted scope string.
type Claims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// Scopes splits the granted scope string.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}

	return false
}

// wireClaims is the signed form of Claims. It carries aud as a single
// string, which ClaimStrings would otherwise encode as an array.
type wireClaims struct {
	Audience string `json:"aud"`
	*Claims
}

// SigningKeySource provides the active signing key.
type SigningKeySource interface {
	SigningKey(ctx context.Context) (string, *rsa.PrivateKey, error)
}

// PublicKeySource resolves a published verification key by key id.
type PublicKeySource interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Issuer mints access tokens.
type Issuer struct {
	keys     SigningKeySource
	issuer   string
	audience string
	now      func() time.Time
}

// NewIssuer creates an Issuer stamping tokens with the given iss and aud.
func NewIssuer(src SigningKeySource, issuer, audience string) *Issuer {
	return &Issuer{keys: src, issuer: issuer, audience: audience, now: time.Now}
}

// Issue signs an access token for userID acting through clientID.
func (i *Issuer) Issue(ctx context.Context, userID, clientID, scope string, ttl time.Duration) (string, *Claims, error) {
	kid, priv, err := i.keys.SigningKey(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("loading signing key: %w", err)
	}

	now := i.now()
	claims := &Claims{
		ClientID: clientID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, wireClaims{Audience: i.audience, Claims: claims})
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", nil, fmt.Errorf("signing access token: %w", err)
	}

	return signed, claims, nil
}

// Verifier validates access tokens. This is the contract resource
// servers call to authorize Bearer requests.
type Verifier struct {
	keys     PublicKeySource
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier creates a Verifier expecting the given iss and aud.
func NewVerifier(src PublicKeySource, issuer, audience string) *Verifier {
	return &Verifier{keys: src, issuer: issuer, audience: audience, now: time.Now}
}

// Verify checks the signature, expiry, audience and issuer of raw. Every
// failure wraps exactly one of errors.ErrInvalidSignature,
// ErrExpiredSignature, ErrInvalidAudience, ErrInvalidIssuer or
// ErrTokenDecode.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid")
		}

		return v.keys.PublicKey(ctx, kid)
	},
		jwt.WithValidMethods([]string{keys.Algorithm}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	return claims, nil
}

// classify maps a golang-jwt error onto one typed verification error.
// Signature problems take precedence over claim problems.
func classify(err error) error {
	var typed error

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		typed = apperrors.ErrTokenDecode
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		typed = apperrors.ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		typed = apperrors.ErrExpiredSignature
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		typed = apperrors.ErrInvalidAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		typed = apperrors.ErrInvalidIssuer
	default:
		typed = apperrors.ErrTokenDecode
	}

	return fmt.Errorf("%w: %w", typed, err)
}
