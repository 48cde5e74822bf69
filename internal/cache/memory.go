package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process cache. The pipeline creates one per query so
// that a URL resolves to the same document for the whole query and is never
// reused by the next one. Entries outlive a query only when the query runs
// longer than ttl, in which case they are fetched again.
type MemoryCache struct {
	cache *gocache.Cache
}

// NewMemoryCache creates a memo whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{
		cache: gocache.New(ttl, cleanupInterval),
	}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	if val, found := c.cache.Get(key); found {
		b, ok := val.([]byte)
		return b, ok
	}
	return nil, false
}

func (c *MemoryCache) Set(key string, value []byte) {
	c.cache.SetDefault(key, value)
}

// Len reports the number of live entries.
func (c *MemoryCache) Len() int {
	return c.cache.ItemCount()
}
