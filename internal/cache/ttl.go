package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a process-local memoization cache with passive expiry.
// A miss is never an error; expired entries are dropped on read, and
// writes sweep the whole map at most once per default TTL.
type TTL[V any] struct {
	mu        sync.RWMutex
	entries   map[string]entry[V]
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
}

// NewTTL creates a cache whose entries live for ttl unless overridden per Set
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the clock, for tests
func (c *TTL[V]) WithClock(now func() time.Time) *TTL[V] {
	c.now = now
	return c
}

// Get returns the cached value for key if it has not expired
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}

	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		// re-check under the write lock; a concurrent Set may have refreshed it
		if cur, ok := c.entries[key]; ok && !c.now().Before(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()

		var zero V
		return zero, false
	}

	return e.value, true
}

// Set stores value under key with the default TTL
func (c *TTL[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key for ttl
func (c *TTL[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !now.Before(c.nextSweep) {
		c.sweep(now)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
}

// sweep drops every expired entry. Callers hold the write lock.
func (c *TTL[V]) sweep(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	interval := c.ttl
	if interval <= 0 {
		interval = time.Minute
	}
	c.nextSweep = now.Add(interval)
}

// Delete invalidates key
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
