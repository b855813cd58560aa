package router

import (
	"container/list"
	"sync"
	"time"

	"github.com/babelgate/babelgate/internal/canonical"
	"github.com/babelgate/babelgate/internal/telemetry"
)

// Entry is a fully materialized response kept for replay: the complete
// canonical chunk sequence plus the usage totals recorded when it was
// produced. Replaying an entry to a streaming client re-frames the same
// chunks; replaying to a unary client aggregates them.
type Entry struct {
	Fingerprint string
	Chunks      []canonical.Chunk
	Usage       canonical.UsageRecord
	StoredAt    time.Time
}

// Cache is an in-memory response cache bounded by entry count and TTL.
// Expired entries are dropped lazily on access and proactively by a sweep
// goroutine so that capacity is not held hostage by dead entries.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	ttl     time.Duration
	cap     int
	metrics *telemetry.Metrics

	stop chan struct{}
	done chan struct{}
}

type cacheItem struct {
	key   string
	entry *Entry
}

// NewCache builds a cache with the given TTL and capacity and starts the
// background sweeper. Call Close to stop it.
func NewCache(ttl time.Duration, capacity int, metrics *telemetry.Metrics) *Cache {
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		cap:     capacity,
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the live entry for key, promoting it to most recently used.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*cacheItem)
	if c.expired(item.entry) {
		c.remove(el)
		c.metrics.RecordCacheEviction()
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.entry, true
}

// Put stores an entry, evicting the least recently used one when full.
func (c *Cache) Put(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheItem).entry = entry
		c.order.MoveToFront(el)
		return
	}
	for c.cap > 0 && c.order.Len() >= c.cap {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
		c.metrics.RecordCacheEviction()
	}
	el := c.order.PushFront(&cacheItem{key: key, entry: entry})
	c.entries[key] = el
	c.metrics.SetCacheEntries(c.order.Len())
}

// Delete drops the entry for key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
}

// Len reports the number of stored entries, including not-yet-swept
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close stops the sweep goroutine and waits for it to exit.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done
}

func (c *Cache) expired(e *Entry) bool {
	return c.ttl > 0 && time.Since(e.StoredAt) > c.ttl
}

func (c *Cache) remove(el *list.Element) {
	item := el.Value.(*cacheItem)
	c.order.Remove(el)
	delete(c.entries, item.key)
	c.metrics.SetCacheEntries(c.order.Len())
}

func (c *Cache) sweep() {
	defer close(c.done)

	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Cache) sweepOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var el, prev *list.Element
	for el = c.order.Back(); el != nil; el = prev {
		prev = el.Prev()
		if c.expired(el.Value.(*cacheItem).entry) {
			c.remove(el)
			c.metrics.RecordCacheEviction()
		}
	}
}
