package utils

import (
	"sync"
	"time"
)

// ValueCache is a small TTL cache for float64 values keyed by string.
// The server uses one per session to withhold unchanged watchable values.
type ValueCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]entry
}

type entry struct {
	v  float64
	at time.Time
}

// NewValueCache creates a new cache with the given TTL. If ttl <= 0, it defaults to 1s.
func NewValueCache(ttl time.Duration) *ValueCache {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &ValueCache{ttl: ttl, now: time.Now, data: make(map[string]entry)}
}

// GetValue returns the cached value if it exists and hasn't expired.
func (c *ValueCache) GetValue(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return 0, false
	}
	return e.v, true
}

// SetValue stores the value with the current timestamp.
func (c *ValueCache) SetValue(key string, v float64) {
	c.mu.Lock()
	c.data[key] = entry{v: v, at: c.now()}
	c.mu.Unlock()
}

// Changed reports whether v must be sent: the key is unknown, its entry
// expired or holds another value. A true result stores v.
func (c *ValueCache) Changed(key string, v float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.data[key]
	if ok && e.v == v && now.Sub(e.at) <= c.ttl {
		return false
	}
	c.data[key] = entry{v: v, at: now}
	return true
}

// Delete forgets key.
func (c *ValueCache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}
