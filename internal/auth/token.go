package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/taskauth/internal/audit"
	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
	"github.com/alexjbarnes/taskauth/internal/models"
)

// Generic failure details. Distinct causes inside a category share one
// message so that responses do not help enumerate codes or tokens.
const (
	detailInvalidCode         = "Invalid authorization code or code expired/used"
	detailPKCEFailed          = "PKCE verification failed: invalid code_verifier"
	detailInvalidRefreshToken = "Invalid refresh token"
	detailClientAuthFailed    = "Client authentication failed"
)

// wwwAuthenticateBasic is the challenge sent with 401 responses from the
// token and revocation endpoints.
const wwwAuthenticateBasic = `Basic realm="taskauth"`

// tokenRequest is the token endpoint body, form-encoded or JSON.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// grant is the closed set of supported grant types. Each variant carries
// its own parameters; exchange switches over the variants.
type grant interface {
	grantType() string
}

type authorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

type refreshTokenGrant struct {
	RefreshToken string
}

func (authorizationCodeGrant) grantType() string { return GrantAuthorizationCode }
func (refreshTokenGrant) grantType() string      { return GrantRefreshToken }

// tokenError is a token endpoint failure with its HTTP status and RFC
// 6749 error code.
type tokenError struct {
	status      int
	code        string
	description string
}

func (e *tokenError) Error() string { return e.code + ": " + e.description }

func badRequest(code, description string) *tokenError {
	return &tokenError{status: http.StatusBadRequest, code: code, description: description}
}

// parseGrant turns the request into a grant variant, checking that the
// grant's required parameters are present.
func parseGrant(req *tokenRequest) (grant, error) {
	switch req.GrantType {
	case GrantAuthorizationCode:
		for _, f := range []struct{ name, value string }{
			{"code", req.Code},
			{"redirect_uri", req.RedirectURI},
			{"code_verifier", req.CodeVerifier},
		} {
			if f.value == "" {
				return nil, badRequest("invalid_request", "Missing required parameter: "+f.name)
			}
		}

		return authorizationCodeGrant{Code: req.Code, RedirectURI: req.RedirectURI, CodeVerifier: req.CodeVerifier}, nil
	case GrantRefreshToken:
		if req.RefreshToken == "" {
			return nil, badRequest("invalid_request", "Missing required parameter: refresh_token")
		}

		return refreshTokenGrant{RefreshToken: req.RefreshToken}, nil
	case "":
		return nil, badRequest("invalid_request", "Missing required parameter: grant_type")
	default:
		return nil, badRequest("unsupported_grant_type", "Unsupported grant type: "+req.GrantType)
	}
}

// HandleToken returns the /oauth/token handler. Every request first
// authenticates the client; the grant is dispatched afterwards.
func (s *Server) HandleToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, err := readTokenRequest(w, r)
		if err != nil {
			s.metrics.Token(grantLabel(req.GrantType), "invalid_request")
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")

			return
		}

		client, ok := s.authenticateClient(w, r, req.ClientID, req.ClientSecret)
		if !ok {
			s.metrics.Token(grantLabel(req.GrantType), "invalid_client")
			return
		}

		resp, err := s.exchange(r.Context(), client, &req)

		var te *tokenError
		if errors.As(err, &te) {
			s.logger.Info("token request rejected",
				slog.String("client_id", client.ClientID),
				slog.String("grant_type", req.GrantType),
				slog.String("error", te.code),
			)
			s.metrics.Token(grantLabel(req.GrantType), te.code)
			writeJSONError(w, te.status, te.code, te.description)

			return
		}

		if err != nil {
			s.logger.Error("token request failed",
				slog.String("client_id", client.ClientID),
				slog.String("grant_type", req.GrantType),
				slog.String("error", err.Error()),
			)
			s.metrics.Token(grantLabel(req.GrantType), "server_error")
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")

			return
		}

		s.metrics.Token(grantLabel(req.GrantType), "success")
		writeJSON(w, http.StatusOK, resp)
	}
}

// exchange parses and runs the grant for an authenticated client.
func (s *Server) exchange(ctx context.Context, client *models.OAuthClient, req *tokenRequest) (*tokenResponse, error) {
	g, err := parseGrant(req)
	if err != nil {
		return nil, err
	}

	if !client.HasGrantType(g.grantType()) {
		return nil, badRequest("unauthorized_client", "Client is not registered for grant type: "+g.grantType())
	}

	switch g := g.(type) {
	case authorizationCodeGrant:
		return s.exchangeCode(ctx, client, g)
	case refreshTokenGrant:
		return s.exchangeRefreshToken(ctx, client, g)
	default:
		panic(fmt.Sprintf("unhandled grant %T", g))
	}
}

func (s *Server) exchangeCode(ctx context.Context, client *models.OAuthClient, g authorizationCodeGrant) (*tokenResponse, error) {
	now := s.now().UTC()

	ac, err := s.codes.ConsumeCode(ctx, g.Code, client.ClientID, g.RedirectURI, now)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, badRequest("invalid_grant", detailInvalidCode)
	}

	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	if !verifyPKCE(g.CodeVerifier, ac.CodeChallenge, ac.CodeChallengeMethod) {
		s.logger.Warn("PKCE verification failed", slog.String("client_id", client.ClientID))
		return nil, badRequest("invalid_grant", detailPKCEFailed)
	}

	accessToken, _, err := s.issuer.Issue(ctx, ac.UserID, client.ClientID, ac.Scope, s.opts.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	resp := &tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.opts.AccessTokenTTL.Seconds()),
		Scope:       ac.Scope,
	}

	if client.HasGrantType(GrantRefreshToken) {
		rt := &models.RefreshToken{
			Token:     RandomHex(refreshTokenBytes),
			ClientID:  client.ClientID,
			UserID:    ac.UserID,
			Scope:     ac.Scope,
			Active:    true,
			ExpiresAt: now.Add(s.opts.RefreshTokenTTL),
			CreatedAt: now,
		}

		if err := s.refreshTokens.CreateRefreshToken(ctx, rt); err != nil {
			return nil, fmt.Errorf("storing refresh token: %w", err)
		}

		resp.RefreshToken = rt.Token
	}

	s.audit.Publish(ctx, audit.Event{
		Type:     audit.TokenIssued,
		ClientID: client.ClientID,
		UserID:   ac.UserID,
		Scope:    ac.Scope,
	})

	return resp, nil
}

// exchangeRefreshToken mints a new access token and returns the same
// refresh token. Refresh tokens are not rotated so that clients unable
// to persist a new secret keep working.
func (s *Server) exchangeRefreshToken(ctx context.Context, client *models.OAuthClient, g refreshTokenGrant) (*tokenResponse, error) {
	rt, err := s.refreshTokens.GetActiveRefreshToken(ctx, g.RefreshToken, client.ClientID, s.now().UTC())
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, badRequest("invalid_grant", detailInvalidRefreshToken)
	}

	if err != nil {
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}

	accessToken, _, err := s.issuer.Issue(ctx, rt.UserID, client.ClientID, rt.Scope, s.opts.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	s.audit.Publish(ctx, audit.Event{
		Type:     audit.TokenRefreshed,
		ClientID: client.ClientID,
		UserID:   rt.UserID,
		Scope:    rt.Scope,
	})

	return &tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.opts.AccessTokenTTL.Seconds()),
		RefreshToken: g.RefreshToken,
		Scope:        rt.Scope,
	}, nil
}

// readTokenRequest decodes a JSON or form-encoded body.
func readTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}

	if err := r.ParseForm(); err != nil {
		return req, err
	}

	req = tokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
	}

	return req, nil
}

// clientCredentials extracts the client id and secret from HTTP Basic
// (client_secret_basic) or the body (client_secret_post). Basic
// credentials are form-urlencoded per RFC 6749 Section 2.3.1.
func clientCredentials(r *http.Request, bodyID, bodySecret string) (id, secret string, ok bool) {
	user, pass, hasBasic := r.BasicAuth()
	if !hasBasic {
		return bodyID, bodySecret, bodyID != "" && bodySecret != ""
	}

	id, err := url.QueryUnescape(user)
	if err != nil {
		return "", "", false
	}

	secret, err = url.QueryUnescape(pass)
	if err != nil {
		return "", "", false
	}

	// A body client_id naming a different client is a conflicting
	// authentication attempt.
	if bodyID != "" && bodyID != id {
		return "", "", false
	}

	return id, secret, id != "" && secret != ""
}

// authenticateClient verifies the client's credentials, writing a 401
// with a Basic challenge on failure.
func (s *Server) authenticateClient(w http.ResponseWriter, r *http.Request, bodyID, bodySecret string) (*models.OAuthClient, bool) {
	id, secret, ok := clientCredentials(r, bodyID, bodySecret)
	if !ok {
		w.Header().Set("WWW-Authenticate", wwwAuthenticateBasic)
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", detailClientAuthFailed)

		return nil, false
	}

	client, err := s.registry.Authenticate(r.Context(), id, secret)
	if errors.Is(err, ErrInvalidClient) {
		s.logger.Warn("client authentication failed", slog.String("client_id", id))
		w.Header().Set("WWW-Authenticate", wwwAuthenticateBasic)
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", detailClientAuthFailed)

		return nil, false
	}

	if err != nil {
		s.logger.Error("authenticating client", slog.String("client_id", id), slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")

		return nil, false
	}

	return client, true
}

// grantLabel bounds the grant_type metric label to known values.
func grantLabel(grantType string) string {
	if contains(supportedGrantTypes, grantType) {
		return grantType
	}

	return "other"
}
