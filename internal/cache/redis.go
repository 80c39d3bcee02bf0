// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const opTimeout = 2 * time.Second

// RedisCache is the Redis-backed implementation of Cache, shared by all
// server instances. Every operation carries a bounded timeout; a timed-out
// call is reported as a miss or dropped write, never an error to the caller.
type RedisCache struct {
	client *redis.Client
	logger zerolog.Logger
	stats  struct {
		hits   atomic.Int64
		misses atomic.Int64
		sets   atomic.Int64
	}
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// NewRedisCache connects to Redis and verifies the connection. Callers fall
// back to the no-op cache when this returns an error.
func NewRedisCache(config RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", config.Addr).
		Int("db", config.DB).
		Msg("connected to Redis cache")

	return &RedisCache{
		client: client,
		logger: logger,
	}, nil
}

// newRedisCacheForClient wires an existing client, used by tests.
func newRedisCacheForClient(client *redis.Client, logger zerolog.Logger) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

func (c *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, opTimeout)
}

// Get retrieves a raw value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.stats.misses.Add(1)
		return nil, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
		c.stats.misses.Add(1)
		return nil, false
	}
	c.stats.hits.Add(1)
	return val, true
}

// Set stores a raw value with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis set failed")
		return
	}
	c.stats.sets.Add(1)
}

// Delete removes a value.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis delete failed")
	}
}

// GetCounter reads an integer counter.
func (c *RedisCache) GetCounter(ctx context.Context, key string) (int64, bool) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		c.stats.misses.Add(1)
		return 0, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis counter get failed")
		c.stats.misses.Add(1)
		return 0, false
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis counter not an integer")
		c.stats.misses.Add(1)
		return 0, false
	}
	c.stats.hits.Add(1)
	return n, true
}

// SetCounter stores an integer counter with TTL.
func (c *RedisCache) SetCounter(ctx context.Context, key string, value int64, ttl time.Duration) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, strconv.FormatInt(value, 10), ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis counter set failed")
		return
	}
	c.stats.sets.Add(1)
}

// decrScript decrements only existing counters and clamps at zero, so a
// decrement can never resurrect an expired key or go negative.
var decrScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return -1 end
v = tonumber(v)
if v > 0 then
  redis.call('DECR', KEYS[1])
  return v - 1
end
return 0
`)

// DecrCounter decrements an existing counter, clamped at zero.
func (c *RedisCache) DecrCounter(ctx context.Context, key string) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := decrScript.Run(ctx, c.client, []string{key}).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis counter decrement failed")
	}
}

// ScanCounters walks counter keys with a SCAN cursor and batch-reads their
// values. SCAN never blocks the server the way KEYS would.
func (c *RedisCache) ScanCounters(ctx context.Context, prefix string, fn func(key string, value int64)) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var cursor uint64
	for {
		scanCtx, cancel := context.WithTimeout(ctx, opTimeout)
		keys, next, err := c.client.Scan(scanCtx, cursor, prefix+"*", 100).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			getCtx, cancel := context.WithTimeout(ctx, opTimeout)
			vals, err := c.client.MGet(getCtx, keys...).Result()
			cancel()
			if err != nil {
				return fmt.Errorf("redis mget: %w", err)
			}
			for i, raw := range vals {
				s, ok := raw.(string)
				if !ok {
					continue // expired between SCAN and MGET
				}
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					continue
				}
				fn(keys[i], n)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Available reports whether Redis currently answers pings.
func (c *RedisCache) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

// Stats returns cache statistics.
func (c *RedisCache) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	size, err := c.client.DBSize(ctx).Result()
	if err != nil {
		c.logger.Warn().Err(err).Msg("redis dbsize failed")
		size = 0
	}
	return Stats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Sets:        c.stats.sets.Load(),
		CurrentSize: int(size),
	}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
