package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// ExactCache is the first caching tier: a fixed-capacity LRU keyed by the
// normalized query string. Equality only, no similarity reasoning.
//
// ExactCache is safe for concurrent use. The lock covers only in-memory
// mutation; no external call is ever made while it is held.
type ExactCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Entry]
	capacity int
	hits     int64
	misses   int64
	logger   *slog.Logger
}

// NewExactCache creates an exact-match cache with the given capacity.
func NewExactCache(capacity int, logger *slog.Logger) (*ExactCache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	lru, err := simplelru.NewLRU[string, *Entry](capacity, nil)
	if err != nil {
		return nil, err
	}

	return &ExactCache{
		lru:      lru,
		capacity: capacity,
		logger:   logger,
	}, nil
}

// Get returns the entry stored under key, or a miss. A hit bumps recency and
// access statistics. An entry past its TTL is removed and reported as a miss.
func (c *ExactCache) Get(key string) (*Entry, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}

	if entry.Expired(now) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}

	entry.LastAccessedAt = now
	entry.HitCount++
	c.hits++
	return entry, true
}

// Put stores entry under key, evicting the least recently used entry if the
// cache is at capacity. An existing entry under the same key is replaced.
// The cache keeps its own copy, so the caller's entry is never written to.
func (c *ExactCache) Put(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, entry.clone())

	if c.lru.Len() > c.capacity {
		// The LRU bounds itself; exceeding capacity means its internal
		// bookkeeping is broken. Reset the segment rather than serve from it.
		c.lru.Purge()
		c.logger.Error("exact cache capacity invariant violated, segment reset",
			"error", ErrCorrupted,
			"capacity", c.capacity,
		)
	}
}

// Len returns the number of resident entries, including any not yet lazily
// expired.
func (c *ExactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear removes all entries and resets statistics.
func (c *ExactCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.hits = 0
	c.misses = 0
}

// Entries returns a snapshot of all resident, unexpired entries ordered from
// least to most recently used.
func (c *ExactCache) Entries() []*Entry {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	values := c.lru.Values()
	entries := make([]*Entry, 0, len(values))
	for _, entry := range values {
		if !entry.Expired(now) {
			entries = append(entries, entry.clone())
		}
	}
	return entries
}

// Stats returns current hit/miss counters and resident entry count.
func (c *ExactCache) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return TierStats{
		Entries: c.lru.Len(),
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate(c.hits, c.misses),
	}
}
