package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror is a Mirror backed by Redis, letting cached results
// stay visible across multiple hephaestusd processes.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror constructs a RedisMirror against a Redis instance at
// addr.
func NewRedisMirror(addr, password string, db int, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "hephaestus:cache:"
	}
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

// Set stores value under key with the given ttl (0 means no expiry).
func (m *RedisMirror) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal mirrored value for %s: %w", key, err)
	}
	if err := m.client.Set(ctx, m.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache: mirror set %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying Redis client connection pool.
func (m *RedisMirror) Close() error { return m.client.Close() }
