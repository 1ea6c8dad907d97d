package discovery

import (
	"sync"
	"time"
)

type cacheEntry struct {
	result  Result
	expires time.Time
}

// resultCache is a small TTL cache over resolved domains, avoiding a fresh
// DNS/HTTP round trip on every outbound send to a recently-seen peer.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newResultCache() *resultCache {
	return &resultCache{entries: make(map[string]cacheEntry)}
}

func (c *resultCache) get(domain string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[domain]
	if !ok || time.Now().After(entry.expires) {
		return Result{}, false
	}
	return entry.result, true
}

func (c *resultCache) put(domain string, result Result, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[domain] = cacheEntry{result: result, expires: time.Now().Add(ttl)}
}
