package auth

import (
	"net/http"
	"time"
)

type whoAmIResponse struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
	RemoteIP  string    `json:"remote_ip"`
}

// HandleWhoAmI describes the verified access token of the request. It
// must be mounted behind Middleware.
func HandleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := RequestClaims(r.Context())
		if c == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		resp := whoAmIResponse{
			UserID:   RequestUserID(r.Context()),
			ClientID: RequestClientID(r.Context()),
			Scopes:   c.Scopes(),
			RemoteIP: RequestRemoteIP(r.Context()),
		}

		if c.ExpiresAt != nil {
			resp.ExpiresAt = c.ExpiresAt.UTC()
		}

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, resp)
	}
}
