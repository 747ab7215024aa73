// Package audit publishes security-relevant authorization events.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event types.
const (
	ClientRegistered = "client.registered"
	ConsentApproved  = "consent.approved"
	ConsentDenied    = "consent.denied"
	TokenIssued      = "token.issued"
	TokenRefreshed   = "token.refreshed"
	TokenRevoked     = "token.revoked"
	KeyRotated       = "key.rotated"
)

// Event is one audit record. It never carries secrets, codes or tokens.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	ClientID string    `json:"client_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	Scope    string    `json:"scope,omitempty"`
	KeyID    string    `json:"kid,omitempty"`
}

// Publisher records audit events. Publish must not fail the caller's
// request: implementations log delivery problems and return.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs ev at info level.
func (p *LogPublisher) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	p.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event", ev.Type),
		slog.String("client_id", ev.ClientID),
		slog.String("user_id", ev.UserID),
		slog.String("scope", ev.Scope),
		slog.String("kid", ev.KeyID),
	)
}
