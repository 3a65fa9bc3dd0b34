package catalog

import (
	"sync"
	"time"

	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

// DefaultTTL is how long a catalog stays fresh.
const DefaultTTL = 2 * time.Minute

// Cache memoizes catalog responses per quantized location. Entries older
// than the TTL stop satisfying lookups but are only removed by Prune.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]model.CacheEntry
	ttl     time.Duration
	clock   timectrl.SimClock
	hits    int64
	misses  int64
}

// NewCache creates a cache with the provided TTL; zero uses a default.
func NewCache(ttl time.Duration, clock timectrl.SimClock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	return &Cache{
		entries: make(map[string]model.CacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// Get returns a copy of the entry stored under key if it is younger than the TTL.
func (c *Cache) Get(key string) (model.CacheEntry, bool) {
	if c == nil || key == "" {
		return model.CacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.clock.Now().Sub(entry.FetchedAt) >= c.ttl {
		c.misses++
		return model.CacheEntry{}, false
	}
	c.hits++
	entry.Data = model.CloneSummaries(entry.Data)
	return entry, true
}

// Put stores data under key, stamped with fetchedAt.
func (c *Cache) Put(key string, data []model.SatelliteSummary, fetchedAt time.Time) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	c.entries[key] = model.CacheEntry{Key: key, FetchedAt: fetchedAt, Data: model.CloneSummaries(data)}
	c.mu.Unlock()
}

// Prune drops expired entries and reports how many were removed.
func (c *Cache) Prune() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.FetchedAt) >= c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	c.mu.RLock()
	hits, misses = c.hits, c.misses
	c.mu.RUnlock()
	return
}
