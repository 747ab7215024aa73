package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
	"github.com/alexjbarnes/taskauth/internal/token"
)

type contextKey int

const (
	ctxClaims contextKey = iota
	ctxRemoteIP
)

// TokenVerifier verifies access tokens. *token.Verifier implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// RequestClaims returns the verified access token claims from the
// context, or nil.
func RequestClaims(ctx context.Context) *token.Claims {
	c, _ := ctx.Value(ctxClaims).(*token.Claims)
	return c
}

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	if c := RequestClaims(ctx); c != nil {
		return c.Subject
	}

	return ""
}

// RequestClientID returns the OAuth client ID from the context, or "".
func RequestClientID(ctx context.Context) string {
	if c := RequestClaims(ctx); c != nil {
		return c.ClientID
	}

	return ""
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithClaims returns a context carrying verified claims.
func WithClaims(ctx context.Context, c *token.Claims) context.Context {
	return context.WithValue(ctx, ctxClaims, c)
}

// VerifyFailureReason names the typed verification failure for logs.
func VerifyFailureReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrExpiredSignature):
		return "expired"
	case errors.Is(err, apperrors.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, apperrors.ErrInvalidAudience):
		return "invalid_audience"
	case errors.Is(err, apperrors.ErrInvalidIssuer):
		return "invalid_issuer"
	case errors.Is(err, apperrors.ErrTokenDecode):
		return "malformed"
	default:
		return "unknown"
	}
}

// Middleware returns HTTP middleware that validates Bearer tokens for a
// resource server. Unauthenticated requests get a 401 with the
// WWW-Authenticate header pointing to the protected resource metadata
// URL (RFC 9728 Section 5.1). The precise verification failure is logged
// but never returned to the caller.
func Middleware(verifier TokenVerifier, logger *slog.Logger, issuerURL string) func(http.Handler) http.Handler {
	metadataURL := strings.TrimRight(issuerURL, "/") + PathProtectedResource
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	// error="invalid_token" signals the client should attempt a refresh.
	wwwAuthInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			raw, ok := bearerToken(r)
			if !ok {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			claims, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				logger.Info("middleware: bearer token rejected",
					slog.String("reason", VerifyFailureReason(err)),
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via bearer token",
				slog.String("user_id", claims.Subject),
				slog.String("client_id", claims.ClientID),
				slog.String("ip", ip),
			)

			ctx := WithClaims(r.Context(), claims)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects requests whose verified token lacks scope with
// 403 insufficient_scope. It must run after Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	challenge := fmt.Sprintf(`Bearer error="insufficient_scope", scope="%s"`, scope)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := RequestClaims(r.Context())
			if c == nil || !c.HasScope(scope) {
				w.Header().Set("WWW-Authenticate", challenge)
				w.WriteHeader(http.StatusForbidden)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
// The scheme is case-insensitive (RFC 6750 Section 2.1).
func bearerToken(r *http.Request) (string, bool) {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	tok = strings.TrimSpace(tok)

	return tok, tok != ""
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
