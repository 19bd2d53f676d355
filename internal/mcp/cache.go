package mcp

import (
	"fmt"
	"sync"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/embeddings"
)

// searchCache caches SEARCH_TOOLS results per bundle, intent and page. The
// catalog changes only through sync runs, so a short TTL keeps results fresh
// enough while absorbing the burst of identical searches agents issue.
type searchCache struct {
	mu    sync.RWMutex
	cache map[string]*searchCacheEntry
	ttl   time.Duration
}

type searchCacheEntry struct {
	result    *domain.CallToolResult
	expiresAt time.Time
}

func newSearchCache(ttl time.Duration) *searchCache {
	c := &searchCache{
		cache: make(map[string]*searchCacheEntry),
		ttl:   ttl,
	}
	go c.cleanup()
	return c
}

func searchCacheKey(bundleID, intent string, limit, offset int) string {
	return fmt.Sprintf("%s:%s:%d:%d", bundleID, embeddings.HashText(intent), limit, offset)
}

func (c *searchCache) Get(key string) *domain.CallToolResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.cache[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.result
}

func (c *searchCache) Set(key string, result *domain.CallToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[key] = &searchCacheEntry{
		result:    result,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *searchCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, entry := range c.cache {
			if now.After(entry.expiresAt) {
				delete(c.cache, key)
			}
		}
		c.mu.Unlock()
	}
}
