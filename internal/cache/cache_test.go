// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GetSet(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
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

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "expired entry must read as a miss")
}

func TestMemoryCache_Janitor(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Millisecond)
	assert.Eventually(t, func() bool {
		return c.Stats().CurrentSize == 0
	}, time.Second, 10*time.Millisecond, "janitor should evict expired entries")
}

func TestMemoryCache_Counters(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	_, ok := c.GetCounter(ctx, "cnt")
	assert.False(t, ok)

	c.SetCounter(ctx, "cnt", 3, time.Minute)
	n, ok := c.GetCounter(ctx, "cnt")
	require.True(t, ok)
	assert.Equal(t, int64(3), n)

	c.DecrCounter(ctx, "cnt")
	n, _ = c.GetCounter(ctx, "cnt")
	assert.Equal(t, int64(2), n)

	// Clamped at zero.
	c.SetCounter(ctx, "cnt", 0, time.Minute)
	c.DecrCounter(ctx, "cnt")
	n, ok = c.GetCounter(ctx, "cnt")
	require.True(t, ok)
	assert.Equal(t, int64(0), n)

	// Decrementing an absent counter must not create it.
	c.DecrCounter(ctx, "ghost")
	_, ok = c.GetCounter(ctx, "ghost")
	assert.False(t, ok)
}

// Concurrent readers update the hit/miss counters; the race detector catches
// any non-atomic bookkeeping on the read path.
func TestMemoryCache_ConcurrentReadsKeepStatsConsistent(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "hot", []byte("v"), time.Minute)
	c.SetCounter(ctx, "cnt", 1, time.Minute)

	const goroutines = 8
	const reads = 100
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < reads; j++ {
				c.Get(ctx, "hot")
				c.Get(ctx, "cold")
				c.GetCounter(ctx, "cnt")
			}
		}()
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, int64(2*goroutines*reads), stats.Hits)
	assert.Equal(t, int64(goroutines*reads), stats.Misses)
}

func TestMemoryCache_CounterAndValueNamespacesDisjoint(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	_, ok := c.GetCounter(ctx, "k")
	assert.False(t, ok, "a raw value must not read as a counter")

	c.SetCounter(ctx, "n", 7, time.Minute)
	_, ok = c.Get(ctx, "n")
	assert.False(t, ok, "a counter must not read as a raw value")
}

func TestMemoryCache_ScanCounters(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	c.SetCounter(ctx, "capacity:count:s1", 5, time.Minute)
	c.SetCounter(ctx, "capacity:count:s2", 7, time.Minute)
	c.SetCounter(ctx, "other:count:s3", 1, time.Minute)
	c.Set(ctx, "capacity:count:blob", []byte("x"), time.Minute)

	got := map[string]int64{}
	require.NoError(t, c.ScanCounters(ctx, "capacity:count:", func(key string, value int64) {
		got[key] = value
	}))
	assert.Equal(t, map[string]int64{
		"capacity:count:s1": 5,
		"capacity:count:s2": 7,
	}, got)
}

func TestNoOpCache(t *testing.T) {
	c := NewNoOpCache()
	ctx := context.Background()

	assert.False(t, c.Available())

	c.Set(ctx, "k", []byte("v"), time.Minute)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "no-op cache never stores")

	c.SetCounter(ctx, "cnt", 5, time.Minute)
	_, ok = c.GetCounter(ctx, "cnt")
	assert.False(t, ok)

	visited := false
	require.NoError(t, c.ScanCounters(ctx, "", func(string, int64) { visited = true }))
	assert.False(t, visited)

	assert.Equal(t, Stats{}, c.Stats())
	assert.NoError(t, c.Close())
}
