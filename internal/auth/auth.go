// Package auth implements the OAuth 2.1 authorization server: dynamic
// client registration, the authorization code flow with PKCE and a
// consent screen, the token endpoint, revocation and discovery. It also
// provides bearer-token middleware for resource servers.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/taskauth/internal/audit"
	"github.com/alexjbarnes/taskauth/internal/cache"
	"github.com/alexjbarnes/taskauth/internal/metrics"
	"github.com/alexjbarnes/taskauth/internal/models"
	"github.com/alexjbarnes/taskauth/internal/token"
)

// Grant, response and authentication method identifiers.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	ResponseTypeCode       = "code"

	AuthMethodSecretBasic = "client_secret_basic"
	AuthMethodSecretPost  = "client_secret_post"
)

// Scope values a client may register for.
const (
	ScopeTasksRead  = "tasks:read"
	ScopeTasksWrite = "tasks:write"
	ScopeOpenID     = "openid"
	ScopeProfile    = "profile"
	ScopeEmail      = "email"
)

var (
	supportedGrantTypes    = []string{GrantAuthorizationCode, GrantRefreshToken}
	supportedResponseTypes = []string{ResponseTypeCode}
	supportedScopes        = []string{ScopeTasksRead, ScopeTasksWrite, ScopeOpenID, ScopeProfile, ScopeEmail}
	supportedAuthMethods   = []string{AuthMethodSecretBasic, AuthMethodSecretPost}
)

// scopeDescriptions are shown to the user on the consent screen.
var scopeDescriptions = map[string]string{
	ScopeTasksRead:  "View your tasks",
	ScopeTasksWrite: "Create and modify your tasks",
	ScopeOpenID:     "Verify your identity",
	ScopeProfile:    "Access your profile information",
	ScopeEmail:      "Access your email address",
}

const (
	// maxRequestBody caps form and JSON bodies on every endpoint.
	maxRequestBody = 64 * 1024

	clientIDBytes     = 16
	clientSecretBytes = 32
	csrfTokenBytes    = 32
	authCodeBytes     = 32
	refreshTokenBytes = 32
)

// ClientStore persists registered clients.
type ClientStore interface {
	CreateClient(ctx context.Context, c *models.OAuthClient) error
	UpsertClient(ctx context.Context, c *models.OAuthClient) error
	GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error)
}

// CodeStore persists authorization codes. ConsumeCode must atomically
// mark the code used so that concurrent redemptions succeed at most once.
type CodeStore interface {
	CreateCode(ctx context.Context, code *models.AuthorizationCode) error
	ConsumeCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*models.AuthorizationCode, error)
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, rt *models.RefreshToken) error
	GetActiveRefreshToken(ctx context.Context, token, clientID string, now time.Time) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, token, clientID string, now time.Time) error
}

// Options are the issuer-level settings of the authorization server.
type Options struct {
	// IssuerURL is the public base URL without a trailing slash.
	IssuerURL string

	// LoginURL is where unauthenticated users are sent, with a
	// return_to parameter pointing back at the authorization request.
	LoginURL string

	// Production requires HTTPS redirect URIs for non-loopback hosts.
	Production bool

	AuthCodeTTL     time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	PendingAuthTTL  time.Duration
}

// Deps are the collaborators of a Server. Metrics may be nil and Audit
// defaults to logging.
type Deps struct {
	Registry      *Registry
	Codes         CodeStore
	RefreshTokens RefreshTokenStore
	Pending       cache.Store
	Sessions      SessionResolver
	Issuer        *token.Issuer
	Metrics       *metrics.Metrics
	Audit         audit.Publisher
	Logger        *slog.Logger
}

// Server holds the state shared by the authorization server handlers.
type Server struct {
	opts          Options
	registry      *Registry
	codes         CodeStore
	refreshTokens RefreshTokenStore
	pending       cache.Store
	sessions      SessionResolver
	issuer        *token.Issuer
	metrics       *metrics.Metrics
	audit         audit.Publisher
	logger        *slog.Logger
	now           func() time.Time
}

// NewServer creates a Server.
func NewServer(opts Options, deps Deps) *Server {
	opts.IssuerURL = strings.TrimRight(opts.IssuerURL, "/")

	pub := deps.Audit
	if pub == nil {
		pub = audit.NewLogPublisher(deps.Logger)
	}

	return &Server{
		opts:          opts,
		registry:      deps.Registry,
		codes:         deps.Codes,
		refreshTokens: deps.RefreshTokens,
		pending:       deps.Pending,
		sessions:      deps.Sessions,
		issuer:        deps.Issuer,
		metrics:       deps.Metrics,
		audit:         pub,
		logger:        deps.Logger,
		now:           time.Now,
	}
}

// RandomHex returns n cryptographically random bytes, hex-encoded.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// writeJSON writes v with the given status. Responses carrying
// credentials must not be cached by intermediaries.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse carries both the RFC 6749 error fields and a detail
// string for clients that only read detail.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Detail           string `json:"detail"`
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, errorResponse{
		Error:            errCode,
		ErrorDescription: description,
		Detail:           description,
	})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}

	return false
}
