// Package cache provides an in-memory TTL cache with bounded size and
// hit-rate accounting, used for store read-through caches and the retrieval
// result cache.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the cache configuration.
type Config struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	MaxItems        int
	OnEviction      func(key string, value any)
}

type item struct {
	value      any
	expiresAt  time.Time
	lastAccess time.Time
}

// Cache is a thread-safe in-memory cache with TTL and LRU-style eviction
// when MaxItems is exceeded.
type Cache struct {
	mu     sync.RWMutex
	data   map[string]*item
	config Config

	hits   atomic.Int64
	misses atomic.Int64

	done chan struct{}
	once sync.Once
}

// New creates a new cache and starts its cleanup goroutine.
func New(config Config) *Cache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 10 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	c := &Cache{
		data:   make(map[string]*item),
		config: config,
		done:   make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.data[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if time.Now().After(it.expiresAt) {
		delete(c.data, key)
		c.misses.Add(1)
		return nil, false
	}
	it.lastAccess = time.Now()
	c.hits.Add(1)
	return it.value, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	c.SetWithTTL(ctx, key, value, c.config.DefaultTTL)
}

// SetWithTTL stores a value with a custom TTL.
func (c *Cache) SetWithTTL(_ context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.MaxItems > 0 && len(c.data) >= c.config.MaxItems {
		if _, exists := c.data[key]; !exists {
			c.evictOldestLocked()
		}
	}
	c.data[key] = &item{value: value, expiresAt: now.Add(ttl), lastAccess: now}
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Clear removes all values.
func (c *Cache) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]*item)
}

// Size returns the number of cached items.
func (c *Cache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.data))
}

// HitRate returns the observed hit rate since creation, or 0 when no
// lookups have happened yet.
func (c *Cache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// ResetCounters clears the hit/miss counters. The sweep calls this after
// each sizing re-evaluation so the next window measures fresh traffic.
func (c *Cache) ResetCounters() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// SetMaxItems adjusts the cache capacity, evicting down when shrinking.
func (c *Cache) SetMaxItems(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.MaxItems = n
	for n > 0 && len(c.data) > n {
		c.evictOldestLocked()
	}
}

// MaxItems returns the current capacity.
func (c *Cache) MaxItems() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.MaxItems
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, it := range c.data {
		if oldestKey == "" || it.lastAccess.Before(oldest) {
			oldestKey = k
			oldest = it.lastAccess
		}
	}
	if oldestKey != "" {
		it := c.data[oldestKey]
		delete(c.data, oldestKey)
		if c.config.OnEviction != nil {
			c.config.OnEviction(oldestKey, it.value)
		}
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, it := range c.data {
				if now.After(it.expiresAt) {
					delete(c.data, k)
					if c.config.OnEviction != nil {
						c.config.OnEviction(k, it.value)
					}
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}
