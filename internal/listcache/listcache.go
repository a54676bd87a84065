// Package listcache caches encoded policy listings keyed by store version.
//
// A version bump changes the key, so a listing cached for an older version is
// never served for a newer one. Entries also expire after a TTL to bound memory.
package listcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "arbiter:policies"
	DefaultTTL = 5 * time.Minute
)

// Cache stores listing payloads. Failures are treated as misses.
type Cache interface {
	Get(ctx context.Context, version int64, policyType string) ([]byte, bool)
	Put(ctx context.Context, version int64, policyType string, payload []byte)
	Close() error
}

// Key returns the cache key of a listing. An empty type means all policies.
func Key(version int64, policyType string) string {
	if policyType == "" {
		policyType = "_all"
	}
	return fmt.Sprintf("%s:v%d:%s", keyPrefix, version, policyType)
}

// Redis is a Cache backed by Redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to url and verifies the connection.
func NewRedis(ctx context.Context, url string, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, logger: logger}, nil
}

func (c *Redis) Get(ctx context.Context, version int64, policyType string) ([]byte, bool) {
	b, err := c.client.Get(ctx, Key(version, policyType)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("listing cache read failed", zap.Int64("version", version), zap.Error(err))
		}
		return nil, false
	}
	return b, true
}

func (c *Redis) Put(ctx context.Context, version int64, policyType string, payload []byte) {
	if err := c.client.Set(ctx, Key(version, policyType), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("listing cache write failed", zap.Int64("version", version), zap.Error(err))
	}
}

func (c *Redis) Close() error {
	return c.client.Close()
}

// Nop never caches.
type Nop struct{}

func (Nop) Get(context.Context, int64, string) ([]byte, bool) { return nil, false }
func (Nop) Put(context.Context, int64, string, []byte)         {}
func (Nop) Close() error                                       { return nil }
