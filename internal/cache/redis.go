package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
)

// DefaultKeyPrefix namespaces pending authorizations in a shared Redis.
const DefaultKeyPrefix = "taskauth:csrf:"

// Redis connection timeouts.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Redis is a Store shared across server instances. Expiry is native
// (SET with PX) and Take uses GETDEL, a single atomic round trip.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store = (*Redis)(nil)

// NewRedis connects to the Redis server at rawURL (redis:// or rediss://)
// and verifies the connection.
func NewRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	opts.DialTimeout = DefaultDialTimeout
	opts.ReadTimeout = DefaultReadTimeout
	opts.WriteTimeout = DefaultWriteTimeout

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisWithClient(client, DefaultKeyPrefix), nil
}

// NewRedisWithClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

// Put stores value under key with a native TTL.
func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("storing pending authorization: %w", err)
	}

	return nil
}

// Take reads and deletes key in one GETDEL.
func (r *Redis) Take(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.GetDel(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("taking pending authorization: %w", err)
	}

	return val, nil
}

// Ping checks connectivity. Used by the readiness probe.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
