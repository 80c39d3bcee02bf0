// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := newRedisCacheForClient(client, zerolog.Nop())
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	return c, mr
}

func TestRedisCache_GetSet(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	c.Delete(ctx, "k")
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Second)
	mr.FastForward(2 * time.Second)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisCache_Counters(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.SetCounter(ctx, "cnt", 3, time.Minute)
	n, ok := c.GetCounter(ctx, "cnt")
	require.True(t, ok)
	assert.Equal(t, int64(3), n)

	c.DecrCounter(ctx, "cnt")
	n, _ = c.GetCounter(ctx, "cnt")
	assert.Equal(t, int64(2), n)
}

func TestRedisCache_DecrCounterClampsAtZero(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.SetCounter(ctx, "cnt", 1, time.Minute)
	c.DecrCounter(ctx, "cnt")
	c.DecrCounter(ctx, "cnt")
	c.DecrCounter(ctx, "cnt")

	n, ok := c.GetCounter(ctx, "cnt")
	require.True(t, ok)
	assert.Equal(t, int64(0), n)
}

func TestRedisCache_DecrCounterLeavesAbsentAbsent(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.DecrCounter(ctx, "ghost")
	_, ok := c.GetCounter(ctx, "ghost")
	assert.False(t, ok, "decrement must not resurrect an absent counter")
}

func TestRedisCache_GetCounterNonInteger(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "blob", []byte("not-a-number"), time.Minute)
	_, ok := c.GetCounter(ctx, "blob")
	assert.False(t, ok)
}

func TestRedisCache_ScanCounters(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	// More keys than a single SCAN page to exercise the cursor walk.
	want := map[string]int64{}
	for i := 0; i < 250; i++ {
		key := fmt.Sprintf("checkind:capacity:count:s%03d", i)
		c.SetCounter(ctx, key, int64(i), time.Minute)
		want[key] = int64(i)
	}
	c.SetCounter(ctx, "other:count:x", 99, time.Minute)
	c.Set(ctx, "checkind:capacity:count:blob", []byte("nope"), time.Minute)

	got := map[string]int64{}
	require.NoError(t, c.ScanCounters(ctx, "checkind:capacity:count:s", func(key string, value int64) {
		got[key] = value
	}))
	assert.Equal(t, want, got)
}

func TestRedisCache_Available(t *testing.T) {
	c, mr := newTestRedis(t)
	assert.True(t, c.Available())

	mr.Close()
	assert.False(t, c.Available())
}

func TestRedisCache_Stats(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	c.Get(ctx, "k")
	c.Get(ctx, "missing")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, 1, stats.CurrentSize)
}
