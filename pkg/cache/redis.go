package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"-"`
	DB        int           `yaml:"db"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
	// WriteTimeout bounds the background write-back after a fallback fetch.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// FetchTimeout bounds a fallback fetch shared by concurrent misses.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// RedisCache shares reference data between service instances. Values are stored
// as JSON under "<prefix><key>" with the configured TTL.
type RedisCache[K comparable, V any] struct {
	redisClient  *redis.Client
	logger       zerolog.Logger
	ttl          time.Duration
	prefix       string
	writeTimeout time.Duration
	fetchTimeout time.Duration
	fallback     Fetcher[K, V]
	group        singleflight.Group
	wg           sync.WaitGroup
}

// NewRedisCache creates and connects a new RedisCache. It pings the server
// before returning. fallback may be nil.
func NewRedisCache[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
	fallback Fetcher[K, V],
) (*RedisCache[K, V], error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &RedisCache[K, V]{
		redisClient:  rdb,
		logger:       logger.With().Str("component", "RedisCache").Logger(),
		ttl:          cfg.CacheTTL,
		prefix:       cfg.KeyPrefix,
		writeTimeout: writeTimeout,
		fetchTimeout: fetchTimeout,
		fallback:     fallback,
	}, nil
}

func (c *RedisCache[K, V]) redisKey(key K) string {
	return c.prefix + stringKey(key)
}

// Fetch checks Redis first. On a miss the fallback is called once for all
// concurrent callers and the result is written back in the background.
func (c *RedisCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	value, err := c.FetchFromCache(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Error().Err(err).Str("key", c.redisKey(key)).Msg("Unexpected Redis error during fetch.")
		return zero, err
	}

	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v' not found in cache and no fallback is configured", key)
	}

	return sharedFetch(ctx, &c.group, c.redisKey(key), c.fetchTimeout, func(fetchCtx context.Context) (V, error) {
		sourceValue, sourceErr := c.fallback.Fetch(fetchCtx, key)
		if sourceErr != nil {
			return zero, sourceErr
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			writeCtx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			defer cancel()
			if writeErr := c.WriteToCache(writeCtx, key, sourceValue); writeErr != nil {
				c.logger.Error().Err(writeErr).Str("key", c.redisKey(key)).Msg("Failed to write to cache in background.")
			}
		}()
		return sourceValue, nil
	})
}

// FetchFromCache reads key from Redis only. A miss returns an error wrapping redis.Nil.
func (c *RedisCache[K, V]) FetchFromCache(ctx context.Context, key K) (V, error) {
	var zero V
	rk := c.redisKey(key)
	cachedData, err := c.redisClient.Get(ctx, rk).Bytes()
	if err != nil {
		return zero, err
	}

	var value V
	if err := json.Unmarshal(cachedData, &value); err != nil {
		c.logger.Error().Err(err).Str("key", rk).Msg("Failed to unmarshal cached data.")
		return zero, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	c.logger.Debug().Str("key", rk).Msg("Redis cache hit.")
	return value, nil
}

// WriteToCache stores value under key with the configured TTL.
func (c *RedisCache[K, V]) WriteToCache(ctx context.Context, key K, value V) error {
	rk := c.redisKey(key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		c.logger.Error().Err(err).Str("key", rk).Msg("Failed to marshal data for caching.")
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := c.redisClient.Set(ctx, rk, jsonData, c.ttl).Err(); err != nil {
		c.logger.Error().Err(err).Str("key", rk).Msg("Failed to set data in Redis cache.")
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	c.logger.Debug().Str("key", rk).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Invalidate deletes key from Redis so every instance refetches it.
func (c *RedisCache[K, V]) Invalidate(ctx context.Context, key K) error {
	rk := c.redisKey(key)
	c.group.Forget(rk)
	if err := c.redisClient.Del(ctx, rk).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", rk, err)
	}
	c.logger.Debug().Str("key", rk).Msg("Invalidated Redis cache entry.")
	return nil
}

// Fallback returns the next layer.
func (c *RedisCache[K, V]) Fallback() Fetcher[K, V] {
	return c.fallback
}

// Close waits for background writes, then closes the Redis client and the fallback.
func (c *RedisCache[K, V]) Close() error {
	c.wg.Wait()
	var errs []error
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		errs = append(errs, c.redisClient.Close())
	}
	if c.fallback != nil {
		errs = append(errs, c.fallback.Close())
	}
	return errors.Join(errs...)
}
