package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// ProtectedResourceMetadata is the RFC 9728 response.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	AuthorizationResponseISSSupported bool     `json:"authorization_response_iss_parameter_supported"`
}

// Endpoint paths, relative to the issuer URL.
const (
	PathAuthorize         = "/oauth/authorize"
	PathToken             = "/oauth/token"
	PathRegister          = "/oauth/register"
	PathRevoke            = "/oauth/revoke"
	PathServerMetadata    = "/.well-known/oauth-authorization-server"
	PathProtectedResource = "/.well-known/oauth-protected-resource"
	PathJWKS              = "/.well-known/jwks.json"

	// PathWhoAmI is a bearer-protected resource describing the caller.
	PathWhoAmI = "/api/whoami"
)

const metadataCacheControl = "public, max-age=3600"

// NewServerMetadata builds the static discovery document for issuerURL.
func NewServerMetadata(issuerURL string) ServerMetadata {
	issuerURL = strings.TrimRight(issuerURL, "/")

	return ServerMetadata{
		Issuer:                            issuerURL,
		AuthorizationEndpoint:             issuerURL + PathAuthorize,
		TokenEndpoint:                     issuerURL + PathToken,
		RegistrationEndpoint:              issuerURL + PathRegister,
		RevocationEndpoint:                issuerURL + PathRevoke,
		JWKSURI:                           issuerURL + PathJWKS,
		ScopesSupported:                   supportedScopes,
		ResponseTypesSupported:            supportedResponseTypes,
		GrantTypesSupported:               supportedGrantTypes,
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: supportedAuthMethods,
		AuthorizationResponseISSSupported: true,
	}
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func HandleServerMetadata(issuerURL string) http.HandlerFunc {
	return staticJSON(NewServerMetadata(issuerURL))
}

// HandleProtectedResourceMetadata returns the /.well-known/oauth-protected-resource handler.
func HandleProtectedResourceMetadata(issuerURL string) http.HandlerFunc {
	issuerURL = strings.TrimRight(issuerURL, "/")

	return staticJSON(ProtectedResourceMetadata{
		Resource:               issuerURL,
		AuthorizationServers:   []string{issuerURL},
		ScopesSupported:        supportedScopes,
		BearerMethodsSupported: []string{"header"},
	})
}

// staticJSON serves a document that never changes for the life of the
// process. It is encoded once.
func staticJSON(v any) http.HandlerFunc {
	body, err := json.Marshal(v)
	if err != nil {
		panic("encoding metadata: " + err.Error())
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", metadataCacheControl)
		_, _ = w.Write(body)
	}
}

// JWKSource provides the published verification keys.
type JWKSource interface {
	JWKS(ctx context.Context) (jose.JSONWebKeySet, error)
}

// HandleJWKS returns the /.well-known/jwks.json handler. The set is read
// per request so that rotated keys are published immediately.
func HandleJWKS(src JWKSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		set, err := src.JWKS(r.Context())
		if err != nil {
			logger.Error("loading JWKS", slog.String("error", err.Error()))
			http.Error(w, "key set unavailable", http.StatusServiceUnavailable)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(set)
	}
}
