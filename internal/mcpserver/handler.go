package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	mcpauth "github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/taskauth/internal/auth"
)

// Keys of auth.TokenInfo.Extra set by TokenVerifier.
const (
	extraClientID = "client_id"
	extraTokenID  = "jti"
)

// TokenVerifier adapts an access token verifier to the MCP SDK. Every
// verification failure unwraps to mcpauth.ErrInvalidToken so that the
// SDK answers 401; the typed reason is logged here.
func TokenVerifier(v auth.TokenVerifier, logger *slog.Logger) mcpauth.TokenVerifier {
	return func(ctx context.Context, raw string, r *http.Request) (*mcpauth.TokenInfo, error) {
		claims, err := v.Verify(ctx, raw)
		if err != nil {
			reason := auth.VerifyFailureReason(err)
			logger.Info("mcp: bearer token rejected",
				slog.String("reason", reason),
				slog.String("path", r.URL.Path),
			)

			return nil, fmt.Errorf("%w: %s", mcpauth.ErrInvalidToken, reason)
		}

		info := &mcpauth.TokenInfo{
			Scopes: strings.Fields(claims.Scope),
			UserID: claims.Subject,
			Extra: map[string]any{
				extraClientID: claims.ClientID,
				extraTokenID:  claims.ID,
			},
		}

		if claims.ExpiresAt != nil {
			info.Expiration = claims.ExpiresAt.Time
		}

		return info, nil
	}
}

// HandlerConfig holds dependencies for the /mcp endpoint.
type HandlerConfig struct {
	Verifier auth.TokenVerifier
	Logger   *slog.Logger
	Version  string

	// ResourceMetadataURL is advertised in the WWW-Authenticate header of
	// 401 responses.
	ResourceMetadataURL string

	// Scopes every caller's token must carry. Nil means DefaultScopes.
	Scopes []string
}

// DefaultScopes are required of every /mcp caller unless configured
// otherwise.
var DefaultScopes = []string{auth.ScopeTasksRead}

// NewServer creates the MCP server with all tools registered.
func NewServer(version string) *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{Name: "taskauth-mcp", Version: version},
		nil,
	)
	RegisterTools(server)

	return server
}

// NewHandler returns the streamable HTTP MCP handler behind bearer-token
// verification.
func NewHandler(cfg HandlerConfig) http.Handler {
	server := NewServer(cfg.Version)

	scopes := cfg.Scopes
	if scopes == nil {
		scopes = DefaultScopes
	}

	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{
		Logger: cfg.Logger,
	})

	return mcpauth.RequireBearerToken(TokenVerifier(cfg.Verifier, cfg.Logger), &mcpauth.RequireBearerTokenOptions{
		ResourceMetadataURL: cfg.ResourceMetadataURL,
		Scopes:              scopes,
	})(streamable)
}
