package fetcher

import (
	"sync"
	"time"

	"github.com/mathisontech/beacon/internal/domain"
)

// ttlCache holds one alert set per location key. Entries are checked for
// expiry on read and are never evicted otherwise.
type ttlCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	set      domain.AlertSet
	storedAt time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *ttlCache) get(key string, now time.Time) (domain.AlertSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || now.Sub(e.storedAt) >= c.ttl {
		return domain.AlertSet{}, false
	}
	return e.set, true
}

func (c *ttlCache) put(key string, set domain.AlertSet, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{set: set, storedAt: now}
}

func (c *ttlCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
