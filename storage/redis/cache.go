package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// CacheConfig holds Redis cache configuration
type CacheConfig struct {
	// KeyPrefix is prepended to all cache keys (default: "subsync:cache:")
	KeyPrefix string

	// TTL bounds how long an entry may be served (default: 10m, 0 keeps the default)
	TTL time.Duration
}

// Cache is a plain read cache for subscriptions and settings. Entries are
// JSON strings with a TTL and carry no indexes; the durable store behind
// it stays the source of truth.
type Cache struct {
	client redis.UniversalClient
	config CacheConfig
}

// NewCache creates a Redis cache.
func NewCache(client redis.UniversalClient, config CacheConfig) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:cache:"
	}
	if config.TTL <= 0 {
		config.TTL = 10 * time.Minute
	}
	return &Cache{client: client, config: config}, nil
}

// GetSubscription returns subscription.ErrSubscriptionNotFound on a miss.
func (c *Cache) GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	if err := c.get(ctx, c.subscriptionKey(userID), &sub); err != nil {
		if err == redis.Nil {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// PutSubscription caches sub, version included.
func (c *Cache) PutSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return subscription.ErrInvalidUserID
	}
	return c.set(ctx, c.subscriptionKey(sub.UserID), sub)
}

// EvictSubscription drops the cached subscription.
func (c *Cache) EvictSubscription(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.subscriptionKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to evict subscription: %w", err)
	}
	return nil
}

// GetUserSettings returns subscription.ErrSettingsNotFound on a miss.
func (c *Cache) GetUserSettings(ctx context.Context, userID string) (*subscription.UserSettings, error) {
	var settings subscription.UserSettings
	if err := c.get(ctx, c.settingsKey(userID), &settings); err != nil {
		if err == redis.Nil {
			return nil, subscription.ErrSettingsNotFound
		}
		return nil, err
	}
	return &settings, nil
}

// PutUserSettings caches settings.
func (c *Cache) PutUserSettings(ctx context.Context, settings *subscription.UserSettings) error {
	if settings == nil || settings.UserID == "" {
		return subscription.ErrInvalidUserID
	}
	return c.set(ctx, c.settingsKey(settings.UserID), settings)
}

// EvictUserSettings drops the cached settings.
func (c *Cache) EvictUserSettings(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.settingsKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to evict user settings: %w", err)
	}
	return nil
}

func (c *Cache) get(ctx context.Context, key string, v any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read cache: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return nil
}

func (c *Cache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.config.TTL).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

func (c *Cache) subscriptionKey(userID string) string {
	return fmt.Sprintf("%ssub:%s", c.config.KeyPrefix, userID)
}

func (c *Cache) settingsKey(userID string) string {
	return fmt.Sprintf("%ssettings:%s", c.config.KeyPrefix, userID)
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
