package auth

import (
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// SessionResolver identifies the user behind a browser request. It is
// the seam to the first-party login system.
type SessionResolver interface {
	UserID(r *http.Request) (string, bool)
}

// SessionFunc adapts a function to SessionResolver.
type SessionFunc func(r *http.Request) (string, bool)

// UserID calls f(r).
func (f SessionFunc) UserID(r *http.Request) (string, bool) { return f(r) }

// CookieSession reads the first-party login's HS256 session JWT from a
// cookie. The subject claim is the user id.
type CookieSession struct {
	cookie string
	secret []byte
	logger *slog.Logger
	parser *jwt.Parser
}

// NewCookieSession creates a CookieSession for the named cookie.
func NewCookieSession(cookieName, secret string, logger *slog.Logger) *CookieSession {
	return &CookieSession{
		cookie: cookieName,
		secret: []byte(secret),
		logger: logger,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// UserID returns the session subject if the cookie holds a valid,
// unexpired session token.
func (s *CookieSession) UserID(r *http.Request) (string, bool) {
	c, err := r.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return "", false
	}

	var claims jwt.RegisteredClaims

	_, err = s.parser.ParseWithClaims(c.Value, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		s.logger.Debug("session cookie rejected", slog.String("error", err.Error()))
		return "", false
	}

	if claims.Subject == "" {
		return "", false
	}

	return claims.Subject, true
}
