package cache

import (
	"sync"
	"time"
)

// TTL is a bounded map with per-entry expiry, safe for concurrent use from
// multiple connections' event callbacks. When the cap is reached, the entry
// closest to expiry is evicted to make room.
type TTL[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
	max     int
	now     func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL creates a cache holding at most max entries, each expiring ttl
// after its last Set. max <= 0 means unbounded.
func NewTTL[V any](ttl time.Duration, max int) *TTL[V] {
	return &TTL[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// SetClock replaces the cache's time source. Test hook.
func (c *TTL[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the value for key if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, refreshing its expiry.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweepLocked(now)
	if _, exists := c.entries[key]; !exists && c.max > 0 && len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// Delete removes key if present.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of unexpired entries.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.entries)
}

func (c *TTL[V]) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *TTL[V]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
