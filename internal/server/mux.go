// Package server provides HTTP server construction for taskauth.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alexjbarnes/taskauth/internal/auth"
)

// healthTimeout bounds each dependency check of /healthz.
const healthTimeout = 2 * time.Second

// Pinger is a dependency whose reachability /healthz reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MuxConfig holds dependencies for building the HTTP router.
type MuxConfig struct {
	Auth       *auth.Server
	Keys       auth.JWKSource
	Verifier   auth.TokenVerifier
	IssuerURL  string
	MCPHandler http.Handler
	Metrics    http.Handler
	Logger     *slog.Logger

	// Health maps a dependency name to its check.
	Health map[string]Pinger
}

// NewMux builds the router with OAuth discovery, registration,
// authorization, token, revocation, whoami and MCP endpoints. The MCP
// endpoint verifies Bearer tokens itself.
func NewMux(cfg MuxConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(cfg.Logger),
		middleware.Recoverer,
	)

	r.Get(auth.PathProtectedResource, auth.HandleProtectedResourceMetadata(cfg.IssuerURL))
	r.Get(auth.PathServerMetadata, auth.HandleServerMetadata(cfg.IssuerURL))
	r.Get(auth.PathJWKS, auth.HandleJWKS(cfg.Keys, cfg.Logger))

	r.HandleFunc(auth.PathRegister, cfg.Auth.HandleRegistration())
	r.HandleFunc(auth.PathAuthorize, cfg.Auth.HandleAuthorize())
	r.HandleFunc(auth.PathToken, cfg.Auth.HandleToken())
	r.HandleFunc(auth.PathRevoke, cfg.Auth.HandleRevoke())

	if cfg.Verifier != nil {
		r.With(
			auth.Middleware(cfg.Verifier, cfg.Logger, cfg.IssuerURL),
			auth.RequireScope(auth.ScopeTasksRead),
		).Get(auth.PathWhoAmI, auth.HandleWhoAmI())
	}

	if cfg.MCPHandler != nil {
		r.Handle("/mcp", cfg.MCPHandler)
	}

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Get("/healthz", healthHandler(cfg.Health, cfg.Logger))

	return r
}

// requestLogger logs one line per request with the chi request id.
// Query strings are not logged because they carry authorization codes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

func healthHandler(checks map[string]Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for name, p := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			err := p.Ping(ctx)

			cancel()

			if err != nil {
				logger.Warn("health check failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				http.Error(w, name+" unavailable", http.StatusServiceUnavailable)

				return
			}
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}
}
