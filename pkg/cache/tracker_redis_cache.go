// Package cache holds Redis-backed helpers.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper claims keys with SET NX so the first caller wins until the TTL
// expires. It implements out.NotificationDeduper.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper creates a Deduper. ttl defaults to 24h.
func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{client: client, ttl: ttl}
}

// Claim returns false when the key is already held.
func (d *Deduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

// Release drops a claim so a redelivery can retry.
func (d *Deduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}
