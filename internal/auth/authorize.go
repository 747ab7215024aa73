package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alexjbarnes/taskauth/internal/audit"
	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
	"github.com/alexjbarnes/taskauth/internal/models"
)

// Authorize outcomes recorded in metrics.
const (
	outcomeInvalidRequest = "invalid_request"
	outcomeRedirectError  = "redirect_error"
	outcomeLoginRequired  = "login_required"
	outcomeConsentShown   = "consent_shown"
	outcomeApproved       = "approved"
	outcomeDenied         = "denied"
	outcomeCSRFFailed     = "csrf_failed"
	outcomeServerError    = "server_error"
)

// authorizeParams are the parameters of an authorization request. The
// consent form carries the same fields back on submission.
type authorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func authorizeParamsFrom(v url.Values) authorizeParams {
	return authorizeParams{
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		ResponseType:        v.Get("response_type"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
	}
}

// missing returns the names of required parameters that are empty.
func (p authorizeParams) missing() []string {
	var names []string

	for _, f := range []struct {
		name, value string
	}{
		{"client_id", p.ClientID},
		{"redirect_uri", p.RedirectURI},
		{"response_type", p.ResponseType},
		{"scope", p.Scope},
		{"state", p.State},
		{"code_challenge", p.CodeChallenge},
		{"code_challenge_method", p.CodeChallengeMethod},
	} {
		if f.value == "" {
			names = append(names, f.name)
		}
	}

	return names
}

// matches reports whether the submitted consent form carries exactly the
// parameters that were stored when the consent screen was rendered.
func (p authorizeParams) matches(pa *models.PendingAuthorization) bool {
	return p.ClientID == pa.ClientID &&
		p.RedirectURI == pa.RedirectURI &&
		p.Scope == pa.Scope &&
		p.State == pa.State &&
		p.CodeChallenge == pa.CodeChallenge &&
		p.CodeChallengeMethod == pa.CodeChallengeMethod
}

// HandleAuthorize returns the /oauth/authorize handler. GET validates
// the request and renders the consent screen; POST processes the user's
// decision.
func (s *Server) HandleAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleAuthorizeGET(w, r)
		case http.MethodPost:
			s.handleAuthorizePOST(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// handleAuthorizeGET validates the request in trust order. Until the
// client and redirect_uri are both verified, errors are rendered in the
// page and never redirected.
func (s *Server) handleAuthorizeGET(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := authorizeParamsFrom(r.URL.Query())

	if missing := p.missing(); len(missing) > 0 {
		s.metrics.Authorize(outcomeInvalidRequest)
		s.renderError(w, http.StatusBadRequest, "Invalid Authorization Request",
			"Missing required parameters: "+strings.Join(missing, ", "))

		return
	}

	client, err := s.registry.Lookup(ctx, p.ClientID)
	if errors.Is(err, apperrors.ErrNotFound) {
		s.metrics.Authorize(outcomeInvalidRequest)
		s.renderError(w, http.StatusBadRequest, "Invalid Client",
			"The OAuth client is not registered or has been disabled.")

		return
	}

	if err != nil {
		s.serverError(w, "looking up client", err)
		return
	}

	if !redirectURIAllowed(client, p.RedirectURI) {
		s.metrics.Authorize(outcomeInvalidRequest)
		s.renderError(w, http.StatusBadRequest, "Invalid Redirect URI",
			"The redirect_uri does not match any registered URIs for this client.")

		return
	}

	// The redirect_uri is trusted from here on.

	if p.ResponseType != ResponseTypeCode || !contains(client.ResponseTypes, ResponseTypeCode) {
		s.redirectWithError(w, r, p.RedirectURI, p.State, "unsupported_response_type", "Only 'code' response_type is supported")
		return
	}

	if p.CodeChallengeMethod != PKCEMethodS256 && p.CodeChallengeMethod != PKCEMethodPlain {
		s.redirectWithError(w, r, p.RedirectURI, p.State, "invalid_request", "code_challenge_method must be S256 or plain")
		return
	}

	if !scopeAllowed(client, p.Scope) {
		s.redirectWithError(w, r, p.RedirectURI, p.State, "invalid_scope", "One or more requested scopes are not allowed for this client")
		return
	}

	userID, ok := s.sessions.UserID(r)
	if !ok {
		s.metrics.Authorize(outcomeLoginRequired)
		http.Redirect(w, r, s.loginRedirect(r), http.StatusSeeOther)

		return
	}

	pending, err := json.Marshal(models.PendingAuthorization{
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		Scope:               p.Scope,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		UserID:              userID,
	})
	if err != nil {
		s.serverError(w, "encoding pending authorization", err)
		return
	}

	csrfToken := RandomHex(csrfTokenBytes)
	if err := s.pending.Put(ctx, csrfToken, pending, s.opts.PendingAuthTTL); err != nil {
		s.serverError(w, "storing pending authorization", err)
		return
	}

	s.metrics.Authorize(outcomeConsentShown)
	s.renderConsent(w, consentData{
		CSRFToken:           csrfToken,
		ClientID:            p.ClientID,
		ClientName:          client.ClientName,
		LogoURI:             client.LogoURI,
		RedirectURI:         p.RedirectURI,
		Scope:               p.Scope,
		Scopes:              describeScopes(p.Scope),
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
	})
}

// handleAuthorizePOST consumes the pending authorization named by the
// CSRF token and issues a code if the user approved. Every failure after
// the pending authorization is found redirects to its stored, trusted
// redirect_uri.
func (s *Server) handleAuthorizePOST(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		s.metrics.Authorize(outcomeInvalidRequest)
		s.renderError(w, http.StatusBadRequest, "Invalid Request", "The consent form could not be read.")

		return
	}

	p := authorizeParamsFrom(r.PostForm)

	raw, err := s.takePending(ctx, r.PostForm.Get("csrf_token"))
	if errors.Is(err, apperrors.ErrNotFound) {
		s.csrfMiss(w, r, p)
		return
	}

	if err != nil {
		s.serverError(w, "taking pending authorization", err)
		return
	}

	var pending models.PendingAuthorization
	if err := json.Unmarshal(raw, &pending); err != nil {
		s.serverError(w, "decoding pending authorization", err)
		return
	}

	if !p.matches(&pending) {
		s.logger.Warn("consent form does not match pending authorization",
			slog.String("client_id", pending.ClientID),
			slog.String("user_id", pending.UserID),
		)
		s.metrics.Authorize(outcomeCSRFFailed)
		s.redirectWithError(w, r, pending.RedirectURI, pending.State, "access_denied", "CSRF validation failed")

		return
	}

	approved, _ := strconv.ParseBool(r.PostForm.Get("approve"))
	if !approved {
		s.logger.Info("consent denied",
			slog.String("client_id", pending.ClientID),
			slog.String("user_id", pending.UserID),
		)
		s.metrics.Authorize(outcomeDenied)
		s.audit.Publish(ctx, audit.Event{
			Type:     audit.ConsentDenied,
			ClientID: pending.ClientID,
			UserID:   pending.UserID,
			Scope:    pending.Scope,
		})
		s.redirect(w, r, pending.RedirectURI, url.Values{
			"error":             {"access_denied"},
			"error_description": {"User denied authorization"},
			"state":             {pending.State},
		})

		return
	}

	now := s.now().UTC()
	code := RandomHex(authCodeBytes)

	err = s.codes.CreateCode(ctx, &models.AuthorizationCode{
		Code:                code,
		ClientID:            pending.ClientID,
		UserID:              pending.UserID,
		RedirectURI:         pending.RedirectURI,
		Scope:               pending.Scope,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		ExpiresAt:           now.Add(s.opts.AuthCodeTTL),
		CreatedAt:           now,
	})
	if err != nil {
		s.logger.Error("storing authorization code", slog.String("error", err.Error()))
		s.metrics.Authorize(outcomeServerError)
		s.redirectWithError(w, r, pending.RedirectURI, pending.State, "server_error", "The authorization code could not be issued")

		return
	}

	s.logger.Info("consent approved",
		slog.String("client_id", pending.ClientID),
		slog.String("user_id", pending.UserID),
		slog.String("scope", pending.Scope),
	)
	s.metrics.Authorize(outcomeApproved)
	s.audit.Publish(ctx, audit.Event{
		Type:     audit.ConsentApproved,
		ClientID: pending.ClientID,
		UserID:   pending.UserID,
		Scope:    pending.Scope,
	})

	params := url.Values{}
	params.Set("code", code)
	params.Set("state", pending.State)
	// RFC 9207: include the issuer identifier to prevent mix-up attacks.
	params.Set("iss", s.opts.IssuerURL)

	s.redirect(w, r, pending.RedirectURI, params)
}

// takePending atomically reads and deletes the pending authorization
// stored under csrfToken.
func (s *Server) takePending(ctx context.Context, csrfToken string) ([]byte, error) {
	if csrfToken == "" {
		return nil, apperrors.ErrNotFound
	}

	return s.pending.Take(ctx, csrfToken)
}

// csrfMiss handles a consent submission whose CSRF token is unknown,
// expired or already used. The submitted redirect_uri is only used when
// it is registered for the submitted client; otherwise the error stays
// in the page.
func (s *Server) csrfMiss(w http.ResponseWriter, r *http.Request, p authorizeParams) {
	s.logger.Warn("consent submitted with invalid or expired CSRF token",
		slog.String("client_id", p.ClientID),
	)
	s.metrics.Authorize(outcomeCSRFFailed)

	if s.registry.ValidateRedirectURI(r.Context(), p.ClientID, p.RedirectURI) {
		s.redirectWithError(w, r, p.RedirectURI, p.State, "access_denied", "Invalid or expired CSRF token")
		return
	}

	s.renderError(w, http.StatusForbidden, "Request Expired",
		"This authorization request is invalid or has expired. Return to the application and try again.")
}

// loginRedirect builds the login URL carrying the absolute URL of the
// current authorization request as return_to.
func (s *Server) loginRedirect(r *http.Request) string {
	returnTo := s.opts.IssuerURL + r.URL.RequestURI()

	sep := "?"
	if strings.Contains(s.opts.LoginURL, "?") {
		sep = "&"
	}

	return s.opts.LoginURL + sep + url.Values{"return_to": {returnTo}}.Encode()
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func (s *Server) redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	if errCode != "access_denied" && errCode != "server_error" {
		s.metrics.Authorize(outcomeRedirectError)
	}

	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	s.redirect(w, r, redirectURI, params)
}

// redirect sends a 303 to redirectURI with params appended, keeping any
// query the registered URI already has (RFC 6749 Section 4.1.2).
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}

	http.Redirect(w, r, redirectURI+sep+params.Encode(), http.StatusSeeOther)
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, slog.String("error", err.Error()))
	s.metrics.Authorize(outcomeServerError)
	s.renderError(w, http.StatusInternalServerError, "Server Error", "Something went wrong. Please try again later.")
}
