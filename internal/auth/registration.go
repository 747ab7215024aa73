package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/taskauth/internal/audit"
)

const maxClientNameLen = 255

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	PolicyURI               string   `json:"policy_uri,omitempty"`
	TOSURI                  string   `json:"tos_uri,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// registrationResponse is the DCR response. It is the only place the
// client secret ever appears.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	PolicyURI               string   `json:"policy_uri,omitempty"`
	TOSURI                  string   `json:"tos_uri,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
}

// HandleRegistration returns the /oauth/register handler. Malformed
// metadata is rejected with 422; metadata outside the server's
// allow-lists with 400.
func (s *Server) HandleRegistration() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.metrics.Registration("invalid")
			writeJSONError(w, http.StatusUnprocessableEntity, "invalid_client_metadata", "invalid request body")

			return
		}

		if msg := validateClientMetadata(&req); msg != "" {
			s.metrics.Registration("invalid")
			writeJSONError(w, http.StatusUnprocessableEntity, "invalid_client_metadata", msg)

			return
		}

		if s.opts.Production {
			for _, u := range req.RedirectURIs {
				if !secureRedirectURI(u) {
					s.metrics.Registration("rejected")
					writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must use HTTPS (loopback http is allowed): "+u)

					return
				}
			}
		}

		client, secret, err := s.registry.Register(r.Context(), ClientMetadata{
			ClientName:              req.ClientName,
			RedirectURIs:            req.RedirectURIs,
			GrantTypes:              req.GrantTypes,
			ResponseTypes:           req.ResponseTypes,
			Scope:                   req.Scope,
			TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
			LogoURI:                 req.LogoURI,
			PolicyURI:               req.PolicyURI,
			TOSURI:                  req.TOSURI,
		})

		var regErr *RegistrationError
		if errors.As(err, &regErr) {
			s.metrics.Registration("rejected")
			writeJSONError(w, http.StatusBadRequest, regErr.Code, regErr.Description)

			return
		}

		if err != nil {
			s.metrics.Registration("error")
			s.logger.Error("client registration failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")

			return
		}

		s.metrics.Registration("created")
		s.audit.Publish(r.Context(), audit.Event{
			Type:     audit.ClientRegistered,
			ClientID: client.ClientID,
			Scope:    strings.Join(client.AllowedScopes, " "),
		})

		writeJSON(w, http.StatusCreated, registrationResponse{
			ClientID:                client.ClientID,
			ClientSecret:            secret,
			ClientName:              client.ClientName,
			RedirectURIs:            client.RedirectURIs,
			GrantTypes:              client.GrantTypes,
			ResponseTypes:           client.ResponseTypes,
			Scope:                   strings.Join(client.AllowedScopes, " "),
			TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
			LogoURI:                 client.LogoURI,
			PolicyURI:               client.PolicyURI,
			TOSURI:                  client.TOSURI,
			ClientIDIssuedAt:        client.CreatedAt.Unix(),
		})
	}
}

// validateClientMetadata normalises the client name and checks the shape
// of the request. It returns a description of the first problem found.
func validateClientMetadata(req *registrationRequest) string {
	req.ClientName = strings.TrimSpace(norm.NFC.String(req.ClientName))
	if req.ClientName == "" {
		return "client_name is required"
	}

	if utf8.RuneCountInString(req.ClientName) > maxClientNameLen {
		return "client_name is too long"
	}

	if len(req.RedirectURIs) == 0 {
		return "redirect_uris is required"
	}

	for _, u := range req.RedirectURIs {
		if !isHTTPURL(u) {
			return "redirect_uris must be absolute http(s) URLs: " + u
		}

		if parsed, _ := url.Parse(u); parsed.Fragment != "" {
			return "redirect_uris must not contain a fragment: " + u
		}
	}

	for name, u := range map[string]string{"logo_uri": req.LogoURI, "policy_uri": req.PolicyURI, "tos_uri": req.TOSURI} {
		if u != "" && !isHTTPURL(u) {
			return name + " must be an absolute http(s) URL"
		}
	}

	if m := req.TokenEndpointAuthMethod; m != "" && !contains(supportedAuthMethods, m) {
		return "unsupported token_endpoint_auth_method: " + m
	}

	return ""
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// secureRedirectURI accepts HTTPS, and plain HTTP only for loopback
// hosts (RFC 8252 Section 7.3).
func secureRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	if u.Scheme == "https" {
		return true
	}

	return u.Scheme == "http" && isLoopbackHost(u.Hostname())
}

// isLoopbackHost returns true if the hostname is a loopback address.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}
