package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
)

// PreviewLRU keeps recently served preview bytes in memory, with TTL.
// Entries are immutable on disk, so a hit is always current unless the
// entry was evicted; the evictor deletes evicted keys from here too.
type PreviewLRU struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*lruItem
	head     *lruItem
	tail     *lruItem
	now      func() time.Time
}

type lruItem struct {
	key     string
	value   []byte
	expires time.Time
	prev    *lruItem
	next    *lruItem
}

// NewPreviewLRU creates a cache holding at most capacity previews.
func NewPreviewLRU(capacity int) *PreviewLRU {
	return &PreviewLRU{
		capacity: capacity,
		items:    make(map[string]*lruItem),
		now:      time.Now,
	}
}

// Get retrieves a preview from the cache.
func (c *PreviewLRU) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil, false
	}

	if c.now().After(item.expires) {
		c.unlink(item)
		delete(c.items, key)
		return nil, false
	}

	c.moveToFront(item)
	return item.value, true
}

// Set stores a preview with TTL.
func (c *PreviewLRU) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(time.Duration(ttlSeconds) * time.Second)

	if item, exists := c.items[key]; exists {
		item.value = value
		item.expires = expires
		c.moveToFront(item)
		return nil
	}

	item := &lruItem{key: key, value: value, expires: expires}
	c.pushFront(item)
	c.items[key] = item

	if len(c.items) > c.capacity {
		c.evictOldest()
	}
	return nil
}

// Delete removes a key from the cache.
func (c *PreviewLRU) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.unlink(item)
		delete(c.items, key)
	}
	return nil
}

// Len returns the number of cached previews.
func (c *PreviewLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *PreviewLRU) moveToFront(item *lruItem) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.pushFront(item)
}

func (c *PreviewLRU) pushFront(item *lruItem) {
	item.next = c.head
	item.prev = nil

	if c.head != nil {
		c.head.prev = item
	}
	c.head = item

	if c.tail == nil {
		c.tail = item
	}
}

func (c *PreviewLRU) unlink(item *lruItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}

	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}

	item.prev = nil
	item.next = nil
}

func (c *PreviewLRU) evictOldest() {
	if c.tail == nil {
		return
	}
	item := c.tail
	c.unlink(item)
	delete(c.items, item.key)
}

// NoopPreviewCache is used when the memory cache is disabled.
type NoopPreviewCache struct{}

func (NoopPreviewCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (NoopPreviewCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (NoopPreviewCache) Delete(ctx context.Context, key string) error { return nil }

// Ensure both caches implement the PreviewCache interface.
var (
	_ ports.PreviewCache = (*PreviewLRU)(nil)
	_ ports.PreviewCache = NoopPreviewCache{}
)
