// Package cache provides the ephemeral, one-time-use key/value store
// that carries pending authorization requests from the consent screen to
// the consent submission.
package cache

import (
	"context"
	"time"
)

// Store holds values for at most a TTL and hands each one out at most
// once. Implementations must make Take atomic: of any number of
// concurrent Take calls for the same key, at most one returns the value.
type Store interface {
	// Put stores value under key for ttl, replacing any previous value.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Take returns the value under key and deletes it. A missing or
	// expired key returns errors.ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)
}
