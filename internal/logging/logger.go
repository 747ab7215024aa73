// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

const redacted = "[REDACTED]"

// sensitiveKeys are attribute keys whose values are bearer credentials.
// A stray log call passing one of them must not leak it.
var sensitiveKeys = map[string]bool{
	"client_secret": true,
	"code":          true,
	"code_verifier": true,
	"refresh_token": true,
	"access_token":  true,
	"csrf_token":    true,
	"authorization": true,
}

// NewLogger creates a structured logger appropriate for the environment.
// Production logs JSON at Info, anything else logs text at Debug.
func NewLogger(env string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, env)).With(slog.String("service", "taskauth"))
}

func newHandler(w io.Writer, env string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redact,
	}

	if env == "production" {
		return slog.NewJSONHandler(w, opts)
	}

	opts.Level = slog.LevelDebug

	return slog.NewTextHandler(w, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[a.Key] {
		return slog.String(a.Key, redacted)
	}

	return a
}
