// ABOUTME: Clock-driven TTL cache with LRU eviction for replayed receipt keys
// ABOUTME: CheckAndMark is atomic so concurrent webhook deliveries race safely

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/relaydesk/internal/clock"
)

// DefaultTTL and DefaultSize are used when New gets non-positive values.
const (
	DefaultTTL  = 10 * time.Minute
	DefaultSize = 10000
)

type cacheEntry struct {
	markedAt time.Time
	element  *list.Element
}

// Cache is a thread-safe, TTL-bound, size-limited set of keys. The oldest
// mark is evicted first once the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest mark at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	sweep   clock.Timer
	closed  bool
}

// New creates a cache. Expired keys are swept once per ttl on c.
func New(ttl time.Duration, maxSize int, c clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	cache := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock.OrReal(c),
	}
	cache.sweep = cache.clock.AfterFunc(ttl, cache.runSweep)
	return cache
}

// Key joins parts into a cache key.
func Key(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, '|')
		}
		b = append(b, p...)
	}
	return string(b)
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark reports whether key was already seen, marking it if not.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen now.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key so a later CheckAndMark treats it as new. Used when
// processing after the mark failed and should be retried.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) liveLocked(key string) bool {
	entry, ok := c.seen[key]
	return ok && c.clock.Now().Sub(entry.markedAt) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.clock.Now()

	if entry, ok := c.seen[key]; ok {
		entry.markedAt = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[key] = &cacheEntry{markedAt: now, element: c.order.PushBack(key)}
}

// runSweep drops expired keys from the front of the order list and re-arms.
// Marks are kept in time order, so the walk stops at the first live key.
func (c *Cache) runSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	now := c.clock.Now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := c.seen[key]
		if now.Sub(entry.markedAt) < c.ttl {
			break
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
	c.sweep = c.clock.AfterFunc(c.ttl, c.runSweep)
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.sweep.Stop()
}
