// Package session runs the per-session workers: a realtime frame consumer
// with HTTP backfill polling, a request router for chat, snapshot, and
// managed-file operations, a notification bridge, and the poller that
// discovers and claims requested sessions.
package session

import (
	"sync"
	"time"
)

// KeyCache remembers processed request keys so replayed signals are handled
// at most once. Expiry is lazy: entries older than the TTL are evicted on the
// next lookup or insert. The TTL is constant, so entries expire in insertion
// order and the eviction queue is a plain FIFO.
type KeyCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	max    int
	stamps map[string]time.Time
	queue  []string
	now    func() time.Time
}

// NewKeyCache creates a cache with the given TTL. max bounds the entry count;
// inserting beyond it drops the oldest entries first.
func NewKeyCache(ttl time.Duration, max int) *KeyCache {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	if max <= 0 {
		max = 4096
	}
	return &KeyCache{
		ttl:    ttl,
		max:    max,
		stamps: make(map[string]time.Time),
		now:    time.Now,
	}
}

// MarkOnce records key as processed. It returns true the first time a live
// key is seen and false when the key was already processed within the TTL.
// Duplicates do not refresh the original stamp.
func (c *KeyCache) MarkOnce(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evict(now)

	if _, seen := c.stamps[key]; seen {
		return false
	}
	c.stamps[key] = now
	c.queue = append(c.queue, key)
	for len(c.stamps) > c.max {
		c.dropOldest()
	}
	return true
}

// Seen reports whether key was processed within the TTL.
func (c *KeyCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(c.now())
	_, seen := c.stamps[key]
	return seen
}

// Len returns the live entry count after evicting expired entries.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(c.now())
	return len(c.stamps)
}

func (c *KeyCache) evict(now time.Time) {
	for len(c.queue) > 0 {
		key := c.queue[0]
		ts, ok := c.stamps[key]
		if ok && now.Sub(ts) < c.ttl {
			return
		}
		c.queue = c.queue[1:]
		if ok {
			delete(c.stamps, key)
		}
	}
}

func (c *KeyCache) dropOldest() {
	if len(c.queue) == 0 {
		return
	}
	key := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.stamps, key)
}
