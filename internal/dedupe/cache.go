// ABOUTME: Thread-safe TTL cache of idempotency keys and the message ids they produced.
// ABOUTME: Used by the HTTP API and the socket handler so retried posts are not appended twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Status is the outcome of Begin for a key
type Status int

const (
	// StatusNew means the caller now owns the key and must Complete or Release it
	StatusNew Status = iota
	// StatusDone means the key already completed; the recorded ids are returned
	StatusDone
	// StatusInFlight means another caller owns the key and has not finished
	StatusInFlight
)

// cacheEntry stores the state of one idempotency key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
	ids       []int64
	done      bool
}

// Cache provides a thread-safe, TTL-based, size-limited map from
// idempotency key to the message ids assigned when the key was first used.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Begin atomically claims key. On StatusDone the ids recorded by Complete
// are returned. Expired keys are treated as new.
func (c *Cache) Begin(key string) ([]int64, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !c.expired(entry) {
		if entry.done {
			return append([]int64(nil), entry.ids...), StatusDone
		}
		return nil, StatusInFlight
	}

	c.putLocked(key, &cacheEntry{})
	return nil, StatusNew
}

// Complete records the ids produced for a claimed key.
func (c *Cache) Complete(key string, ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.putLocked(key, &cacheEntry{
		ids:  append([]int64(nil), ids...),
		done: true,
	})
}

// Release drops a claim whose operation failed so the key can be retried.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !entry.done {
		c.removeLocked(key, entry)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(entry *cacheEntry) bool {
	return c.now().Sub(entry.timestamp) >= c.ttl
}

// putLocked inserts or replaces key. Must be called with mu held.
func (c *Cache) putLocked(key string, entry *cacheEntry) {
	entry.timestamp = c.now()

	if existing, ok := c.entries[key]; ok {
		entry.element = existing.element
		c.order.MoveToBack(entry.element)
		c.entries[key] = entry
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	entry.element = c.order.PushBack(key)
	c.entries[key] = entry
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if c.expired(entry) {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
