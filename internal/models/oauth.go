// Package models defines types shared across internal packages.
package models

import "time"

// OAuthClient is a dynamically registered third-party application.
// SecretHash is a bcrypt hash; the plaintext secret is only ever
// returned in the registration response.
type OAuthClient struct {
	ClientID                string    `json:"client_id"`
	SecretHash              string    `json:"-"`
	ClientName              string    `json:"client_name"`
	RedirectURIs            []string  `json:"redirect_uris"`
	AllowedScopes           []string  `json:"allowed_scopes"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	LogoURI                 string    `json:"logo_uri,omitempty"`
	PolicyURI               string    `json:"policy_uri,omitempty"`
	TOSURI                  string    `json:"tos_uri,omitempty"`
	Active                  bool      `json:"is_active"`
	CreatedAt               time.Time `json:"created_at"`
}

// HasGrantType reports whether the client registered the grant type.
func (c *OAuthClient) HasGrantType(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}

	return false
}

// AuthorizationCode binds a single-use code to the client, user, redirect
// URI, granted scope and PKCE challenge of one consent decision.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Used                bool
	UsedAt              *time.Time
	CreatedAt           time.Time
}

// RefreshToken is a long-lived credential bound to a client and user.
type RefreshToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scope     string
	Active    bool
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// PendingAuthorization carries the validated authorization request from
// the consent screen to the consent submission. It is keyed by the CSRF
// token embedded in the consent form.
type PendingAuthorization struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	UserID              string `json:"user_id"`
}
