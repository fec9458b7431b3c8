// Package redismarker keeps a Redis copy of processed-event markers so
// redeliveries are discarded without a database round trip.
package redismarker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/orderflow/internal/domain/idempotency"
	"github.com/coachpo/orderflow/internal/infra/config"
)

const keyPrefix = "orderflow:marker:"

// Cache implements idempotency.Cache on Redis. Entries expire with the
// marker retention so the cache never outlives the authoritative markers.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New connects to the configured Redis and verifies it answers.
func New(ctx context.Context, cfg config.RedisConfig, retention time.Duration) (*Cache, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(client, retention), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, retention time.Duration) *Cache {
	return &Cache{client: client, ttl: retention}
}

// Seen reports whether the marker is cached.
func (c *Cache) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	if err := idempotency.ValidateKey(consumer, eventID); err != nil {
		return false, err
	}
	n, err := c.client.Exists(ctx, key(consumer, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Remember caches the marker. An existing entry keeps its original expiry.
func (c *Cache) Remember(ctx context.Context, consumer, eventID string) error {
	_, err := c.Claim(ctx, consumer, eventID)
	return err
}

// Claim stores the marker only if absent and reports whether this call
// created it.
func (c *Cache) Claim(ctx context.Context, consumer, eventID string) (bool, error) {
	if err := idempotency.ValidateKey(consumer, eventID); err != nil {
		return false, err
	}
	ok, err := c.client.SetNX(ctx, key(consumer, eventID), time.Now().UTC().Format(time.RFC3339Nano), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func key(consumer, eventID string) string {
	return keyPrefix + consumer + ":" + eventID
}

var _ idempotency.Cache = (*Cache)(nil)
