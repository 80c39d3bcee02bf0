// SPDX-License-Identifier: MIT

// Package cache provides the volatile read-acceleration layer. Entries are
// disposable: absence always means "fall back to the durable store", never
// "zero". The no-op implementation is selected at startup when no backend is
// configured or reachable.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a best-effort TTL cache. Implementations must never block a
// caller on backend failure; a failed read is a miss, a failed write is
// dropped.
type Cache interface {
	// Get retrieves a raw value. Returns false if absent, expired or on error.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Delete removes a value.
	Delete(ctx context.Context, key string)

	// Counter operations back the capacity fast path.
	GetCounter(ctx context.Context, key string) (int64, bool)
	SetCounter(ctx context.Context, key string, value int64, ttl time.Duration)
	// DecrCounter decrements an existing counter, clamped at zero. Absent
	// counters are left absent.
	DecrCounter(ctx context.Context, key string)
	// ScanCounters visits every counter key matching prefix using a
	// non-blocking cursor walk.
	ScanCounters(ctx context.Context, prefix string, fn func(key string, value int64)) error

	// Available reports whether a real backend is serving this cache.
	Available() bool
	// Stats returns cache statistics.
	Stats() Stats
	Close() error
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

type entry struct {
	value      []byte
	counter    int64
	isCounter  bool
	expiration time.Time
}

func (e *entry) expired() bool {
	return time.Now().After(e.expiration)
}

// memoryCache is the in-process implementation, used when Redis is not
// configured but caching is still wanted (single-instance deployments).
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stop    chan struct{}

	// Stats counters are atomic so read paths can stay on the read lock.
	stats struct {
		hits      atomic.Int64
		misses    atomic.Int64
		sets      atomic.Int64
		evictions atomic.Int64
	}
}

// NewMemoryCache creates an in-memory cache with background expiry cleanup.
func NewMemoryCache(cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.janitor(cleanupInterval)
	}
	return c
}

func (c *memoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *memoryCache) deleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.expired() {
			delete(c.entries, key)
			c.stats.evictions.Add(1)
		}
	}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[key]
	if !found || e.expired() || e.isCounter {
		c.stats.misses.Add(1)
		return nil, false
	}
	c.stats.hits.Add(1)
	return e.value, true
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, expiration: time.Now().Add(ttl)}
	c.stats.sets.Add(1)
}

func (c *memoryCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) GetCounter(ctx context.Context, key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[key]
	if !found || e.expired() || !e.isCounter {
		c.stats.misses.Add(1)
		return 0, false
	}
	c.stats.hits.Add(1)
	return e.counter, true
}

func (c *memoryCache) SetCounter(ctx context.Context, key string, value int64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{counter: value, isCounter: true, expiration: time.Now().Add(ttl)}
	c.stats.sets.Add(1)
}

func (c *memoryCache) DecrCounter(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || e.expired() || !e.isCounter {
		return
	}
	if e.counter > 0 {
		e.counter--
	}
}

func (c *memoryCache) ScanCounters(ctx context.Context, prefix string, fn func(key string, value int64)) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, e := range c.entries {
		if !e.isCounter || e.expired() || !strings.HasPrefix(key, prefix) {
			continue
		}
		fn(key, e.counter)
	}
	return nil
}

func (c *memoryCache) Available() bool { return true }

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Sets:        c.stats.sets.Load(),
		Evictions:   c.stats.evictions.Load(),
		CurrentSize: size,
	}
}

func (c *memoryCache) Close() error {
	close(c.stop)
	return nil
}

// noOpCache serves misses and swallows writes. It keeps every capacity
// operation on the durable-store path without branching in callers.
type noOpCache struct{}

// NewNoOpCache creates a cache that does not cache.
func NewNoOpCache() Cache {
	return &noOpCache{}
}

func (noOpCache) Get(context.Context, string) ([]byte, bool)             { return nil, false }
func (noOpCache) Set(context.Context, string, []byte, time.Duration)    {}
func (noOpCache) Delete(context.Context, string)                        {}
func (noOpCache) GetCounter(context.Context, string) (int64, bool)      { return 0, false }
func (noOpCache) SetCounter(context.Context, string, int64, time.Duration) {}
func (noOpCache) DecrCounter(context.Context, string)                   {}
func (noOpCache) ScanCounters(context.Context, string, func(string, int64)) error {
	return nil
}
func (noOpCache) Available() bool { return false }
func (noOpCache) Stats() Stats    { return Stats{} }
func (noOpCache) Close() error    { return nil }
