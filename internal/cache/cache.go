package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Entry is one cached value.
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
}

// IsExpired checks if the entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache holds short-lived copies of key material, such as recipient public
// keys, addressed by namespace and id.
type Cache interface {
	// Get returns a copy of the cached value.
	Get(ctx context.Context, namespace, id string) ([]byte, bool)

	// Set stores a copy of data. A zero ttl uses the cache default.
	Set(ctx context.Context, namespace, id string, data []byte, ttl time.Duration) error

	// Delete removes one value.
	Delete(ctx context.Context, namespace, id string) error

	// Clear removes every value.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics.
type Stats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	maxSize  int64
	maxItems int
	stats    Stats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache bounded by total bytes and
// item count.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[string]*Entry),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

func cacheKey(namespace, id string) string {
	return fmt.Sprintf("%s:%s", namespace, id)
}

// Get returns a copy of the cached value.
func (c *memoryCache) Get(ctx context.Context, namespace, id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(namespace, id)]
	if !ok || entry.IsExpired() {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return append([]byte(nil), entry.Data...), true
}

// Set stores a copy of data.
func (c *memoryCache) Set(ctx context.Context, namespace, id string, data []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}

	entry := &Entry{
		Data:      append([]byte(nil), data...),
		ExpiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(namespace, id)
	delete(c.entries, key)

	entrySize := int64(len(data))
	if entrySize > c.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size", entrySize)
	}

	c.evictExpiredLocked()
	if c.currentSizeLocked()+entrySize > c.maxSize || len(c.entries) >= c.maxItems {
		c.evictForSpaceLocked(entrySize)
	}

	c.entries[key] = entry
	return nil
}

// Delete removes one value.
func (c *memoryCache) Delete(ctx context.Context, namespace, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, cacheKey(namespace, id))
	return nil
}

// Clear removes every value and resets statistics.
func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.stats = Stats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.currentSizeLocked()
	stats.Items = len(c.entries)
	return stats
}

// currentSizeLocked must be called with the lock held.
func (c *memoryCache) currentSizeLocked() int64 {
	var size int64
	for _, entry := range c.entries {
		size += int64(len(entry.Data))
	}
	return size
}

// evictExpiredLocked must be called with the lock held.
func (c *memoryCache) evictExpiredLocked() {
	for key, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
}

// evictForSpaceLocked drops entries, soonest to expire first, until
// neededSpace fits. Must be called with the lock held.
func (c *memoryCache) evictForSpaceLocked(neededSpace int64) {
	currentSize := c.currentSizeLocked()
	for currentSize+neededSpace > c.maxSize || len(c.entries) >= c.maxItems {
		var oldestKey string
		var oldest *Entry
		for key, entry := range c.entries {
			if oldest == nil || entry.ExpiresAt.Before(oldest.ExpiresAt) {
				oldestKey, oldest = key, entry
			}
		}
		if oldest == nil {
			return
		}
		delete(c.entries, oldestKey)
		c.stats.Evictions++
		currentSize -= int64(len(oldest.Data))
	}
}
