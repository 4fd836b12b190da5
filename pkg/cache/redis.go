package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisReadCache is a distributed ReadCache backed by Redis, for deployments
// where several dashboard instances share one cache. TTL enforcement is
// delegated to Redis key expiry, so lookups past the TTL are misses just as
// they are for the in-memory implementation.
type RedisReadCache[V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
}

// NewRedisReadCache creates and connects a new RedisReadCache. It pings the
// Redis server to ensure connectivity before returning.
func NewRedisReadCache[V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisReadCache[V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for read cache.")

	return &RedisReadCache[V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisReadCache").Logger(),
	}, nil
}

// Get retrieves and unmarshals a live entry from Redis.
func (c *RedisReadCache[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	cachedData, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrCacheMiss
		}
		c.logger.Error().Err(err).Str("key", key).Msg("Unexpected Redis error during Get.")
		return zero, fmt.Errorf("redis get failed for key %s: %w", key, err)
	}

	var value V
	if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached data.")
		return zero, fmt.Errorf("failed to unmarshal data for key %s: %w", key, err)
	}
	return value, nil
}

// Set marshals the value to JSON and stores it in Redis with the given TTL.
func (c *RedisReadCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data for key %s: %w", key, err)
	}
	if err := c.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s in redis: %w", key, err)
	}
	return nil
}

// Invalidate removes a single entry.
func (c *RedisReadCache[V]) Invalidate(ctx context.Context, key string) error {
	if err := c.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", key, err)
	}
	return nil
}

// InvalidatePrefix removes every entry whose key starts with prefix, scanning
// in pages so large keyspaces do not block the server.
func (c *RedisReadCache[V]) InvalidatePrefix(ctx context.Context, prefix string) error {
	iter := c.redisClient.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed for prefix %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redisClient.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del failed for prefix %s: %w", prefix, err)
	}
	c.logger.Debug().Str("prefix", prefix).Int("removed", len(keys)).Msg("Invalidated cache entries by prefix.")
	return nil
}

// Close closes the Redis client connection.
func (c *RedisReadCache[V]) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
