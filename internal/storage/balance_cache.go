package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/payment-forwarder/internal/types"
	"github.com/redis/go-redis/v9"
)

// BalanceCache caches unconfirmed received amounts per receiving address.
// Values are satoshis stored as decimal strings.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache creates a balance cache; a zero ttl disables caching
func NewBalanceCache(cache *RedisCache, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: cache.Client(), ttl: ttl}
}

func balanceCacheKey(address string) string {
	return fmt.Sprintf("payproc:unconfirmed:%s", address)
}

// Get returns the cached amount and whether it was present
func (c *BalanceCache) Get(ctx context.Context, address string) (types.Satoshi, bool, error) {
	if c.ttl <= 0 {
		return 0, false, nil
	}
	raw, err := c.client.Get(ctx, balanceCacheKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read balance cache: %w", err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// drop the corrupt entry and treat it as a miss
		_ = c.client.Del(ctx, balanceCacheKey(address)).Err()
		return 0, false, nil
	}
	return types.Satoshi(v), true, nil
}

// Set stores an amount for the cache TTL
func (c *BalanceCache) Set(ctx context.Context, address string, amount types.Satoshi) error {
	if c.ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, balanceCacheKey(address), strconv.FormatInt(amount.Int64(), 10), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write balance cache: %w", err)
	}
	return nil
}

// Invalidate removes a cached amount
func (c *BalanceCache) Invalidate(ctx context.Context, address string) error {
	return c.client.Del(ctx, balanceCacheKey(address)).Err()
}
