package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type cachedContext struct {
	text     string
	tokens   int
	expires  time.Time
	lastUsed time.Time
}

// contextCache holds rendered contexts of immutable graphs. Deleted ids are
// remembered for one TTL so a build racing the delete cannot repopulate them.
type contextCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	size    int
	now     func() time.Time
	entries map[uuid.UUID]*cachedContext
	deleted map[uuid.UUID]time.Time
}

func newContextCache(size int, ttl time.Duration) *contextCache {
	return &contextCache{
		ttl:     ttl,
		size:    size,
		now:     time.Now,
		entries: map[uuid.UUID]*cachedContext{},
		deleted: map[uuid.UUID]time.Time{},
	}
}

func (c *contextCache) enabled() bool { return c != nil && c.size > 0 && c.ttl > 0 }

func (c *contextCache) get(id uuid.UUID) (string, int, bool) {
	if !c.enabled() {
		return "", 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", 0, false
	}
	now := c.now()
	if now.After(e.expires) {
		delete(c.entries, id)
		return "", 0, false
	}
	e.lastUsed = now
	return e.text, e.tokens, true
}

func (c *contextCache) put(id uuid.UUID, text string, tokens int) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if at, ok := c.deleted[id]; ok {
		if now.Sub(at) < c.ttl {
			return
		}
		delete(c.deleted, id)
	}
	if _, ok := c.entries[id]; !ok && len(c.entries) >= c.size {
		c.evictLocked(now)
	}
	c.entries[id] = &cachedContext{text: text, tokens: tokens, expires: now.Add(c.ttl), lastUsed: now}
}

func (c *contextCache) invalidate(id uuid.UUID) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	now := c.now()
	c.deleted[id] = now
	for k, at := range c.deleted {
		if now.Sub(at) >= c.ttl {
			delete(c.deleted, k)
		}
	}
}

// evictLocked drops expired entries, then the least recently used one if
// the cache is still full.
func (c *contextCache) evictLocked(now time.Time) {
	var oldest uuid.UUID
	var oldestAt time.Time
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			continue
		}
		if oldestAt.IsZero() || e.lastUsed.Before(oldestAt) {
			oldest, oldestAt = k, e.lastUsed
		}
	}
	if len(c.entries) >= c.size && !oldestAt.IsZero() {
		delete(c.entries, oldest)
	}
}

func (c *contextCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
