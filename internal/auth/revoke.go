package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/taskauth/internal/audit"
	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
)

// HandleRevoke returns the /oauth/revoke handler (RFC 7009). Only refresh
// tokens are revocable; access tokens are self-contained and expire on
// their own. Unknown tokens and tokens owned by another client still get
// 200 so that the response reveals nothing.
func (s *Server) HandleRevoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			s.metrics.Revocation("invalid_request")
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")

			return
		}

		client, ok := s.authenticateClient(w, r, r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"))
		if !ok {
			s.metrics.Revocation("invalid_client")
			return
		}

		tok := r.PostForm.Get("token")
		if tok == "" {
			s.metrics.Revocation("invalid_request")
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "Missing required parameter: token")

			return
		}

		err := s.refreshTokens.RevokeRefreshToken(r.Context(), tok, client.ClientID, s.now().UTC())
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			s.metrics.Revocation("unknown")
		case err != nil:
			s.logger.Error("revoking refresh token",
				slog.String("client_id", client.ClientID),
				slog.String("error", err.Error()),
			)
			s.metrics.Revocation("error")
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "revocation failed, try again")

			return
		default:
			s.metrics.Revocation("revoked")
			s.logger.Info("refresh token revoked", slog.String("client_id", client.ClientID))
			s.audit.Publish(r.Context(), audit.Event{
				Type:     audit.TokenRevoked,
				ClientID: client.ClientID,
			})
		}

		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	}
}
