package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// SemanticCache is the second caching tier: an approximate key/value store
// keyed by embedding proximity. A lookup returns the nearest stored entry
// only when its cosine similarity meets the caller's threshold.
//
// Embeddings live in an arena with stable integer slot ids. Below the
// brute-force cutoff lookups scan the arena linearly; above it a navigable
// proximity graph provides sub-linear search and is rebuilt once eviction
// churn has degraded it.
//
// Eviction is least-recently-used by access time, independent of semantic
// clustering: cache-size bounding is deliberately decoupled from the shape
// of the query distribution. Entries handed to readers stay valid after a
// concurrent eviction because Items are immutable and the arena only drops
// its own reference.
//
// SemanticCache is safe for concurrent use. The lock covers only in-memory
// mutation; no external call is ever made while it is held.
type SemanticCache struct {
	mu       sync.Mutex
	capacity int
	cutoff   int

	slots   []slot
	free    []int
	byKey   map[string]int // normalized query -> slot id
	recency *list.List     // element value is a slot id, front = most recent

	index              *nswIndex
	removalsSinceBuild int

	hits   int64
	misses int64
	logger *slog.Logger
}

type slot struct {
	embedding []float32
	mag       float32
	entry     *Entry
	elem      *list.Element
	live      bool
}

// SemanticConfig configures a SemanticCache.
type SemanticConfig struct {
	// Capacity is the maximum number of resident entries.
	Capacity int

	// BruteForceCutoff is the entry count above which the proximity graph
	// replaces linear scanning. Zero or negative disables the graph.
	BruteForceCutoff int
}

// NewSemanticCache creates a semantic cache.
func NewSemanticCache(cfg SemanticConfig, logger *slog.Logger) *SemanticCache {
	if logger == nil {
		logger = slog.Default()
	}

	return &SemanticCache{
		capacity: cfg.Capacity,
		cutoff:   cfg.BruteForceCutoff,
		byKey:    make(map[string]int),
		recency:  list.New(),
		logger:   logger,
	}
}

func (c *SemanticCache) simPair(a, b int) float32 {
	sa, sb := &c.slots[a], &c.slots[b]
	return cosineSimilarity(sa.embedding, sa.mag, sb.embedding, sb.mag)
}

// Get returns the entry whose stored embedding is nearest to embedding,
// provided its similarity meets or exceeds threshold; otherwise it is a
// miss. A hit bumps recency and access statistics. An expired best match is
// removed and reported as a miss.
func (c *SemanticCache) Get(embedding []float32, threshold float32) (*Entry, float32, bool) {
	now := time.Now()
	qmag := magnitude(embedding)

	c.mu.Lock()
	defer c.mu.Unlock()

	bestID, bestSim := c.nearestLiveLocked(embedding, qmag, now)
	if bestID < 0 || bestSim < threshold {
		c.misses++
		return nil, 0, false
	}

	s := &c.slots[bestID]
	s.entry.LastAccessedAt = now
	s.entry.HitCount++
	c.recency.MoveToFront(s.elem)
	c.hits++
	return s.entry, bestSim, true
}

// searchWidth is how many graph candidates are examined per lookup, so an
// expired nearest neighbor still yields the next-nearest live one.
const searchWidth = 8

// nearestLiveLocked finds the most similar unexpired slot, or (-1, 0) when
// none exists. Expired slots encountered along the way are removed.
func (c *SemanticCache) nearestLiveLocked(embedding []float32, qmag float32, now time.Time) (int, float32) {
	if len(c.byKey) == 0 {
		return -1, 0
	}

	if c.index != nil {
		simTo := func(id int) float32 {
			s := &c.slots[id]
			return cosineSimilarity(embedding, qmag, s.embedding, s.mag)
		}
		for _, r := range c.index.Search(simTo, searchWidth) {
			if c.slots[r.id].entry.Expired(now) {
				c.removeSlotLocked(r.id)
				continue
			}
			return r.id, r.sim
		}
		return -1, 0
	}

	bestID, bestSim := -1, float32(0)
	var expired []int
	for id := range c.slots {
		s := &c.slots[id]
		if !s.live {
			continue
		}
		if s.entry.Expired(now) {
			expired = append(expired, id)
			continue
		}
		sim := cosineSimilarity(embedding, qmag, s.embedding, s.mag)
		if bestID < 0 || sim > bestSim {
			bestID, bestSim = id, sim
		}
	}
	for _, id := range expired {
		c.removeSlotLocked(id)
	}
	return bestID, bestSim
}

// Put stores entry keyed by embedding. An existing entry for the same
// normalized query is replaced in place. Inserting beyond capacity evicts
// the least recently used entry first. The cache keeps its own copy, so the
// caller's entry is never written to.
func (c *SemanticCache) Put(embedding []float32, entry *Entry) {
	mag := magnitude(embedding)
	entry = entry.clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byKey[entry.NormalizedQuery]; ok {
		s := &c.slots[id]
		if c.index != nil {
			c.index.Remove(id)
		}
		s.embedding = embedding
		s.mag = mag
		s.entry = entry
		c.recency.MoveToFront(s.elem)
		if c.index != nil {
			c.index.Insert(id)
		}
		return
	}

	if len(c.byKey) >= c.capacity {
		c.evictOldestLocked()
	}

	id := c.allocSlotLocked()
	s := &c.slots[id]
	s.embedding = embedding
	s.mag = mag
	s.entry = entry
	s.elem = c.recency.PushFront(id)
	s.live = true
	c.byKey[entry.NormalizedQuery] = id

	if c.index != nil {
		c.index.Insert(id)
	} else if c.cutoff > 0 && len(c.byKey) > c.cutoff {
		c.rebuildIndexLocked()
	}

	if len(c.byKey) > c.capacity {
		c.logger.Error("semantic cache capacity invariant violated, segment reset",
			"error", ErrCorrupted,
			"capacity", c.capacity,
		)
		c.resetLocked()
	}
}

func (c *SemanticCache) allocSlotLocked() int {
	if n := len(c.free); n > 0 {
		id := c.free[n-1]
		c.free = c.free[:n-1]
		return id
	}
	c.slots = append(c.slots, slot{})
	return len(c.slots) - 1
}

func (c *SemanticCache) evictOldestLocked() {
	back := c.recency.Back()
	if back == nil {
		return
	}
	c.removeSlotLocked(back.Value.(int))
}

func (c *SemanticCache) removeSlotLocked(id int) {
	s := &c.slots[id]
	if !s.live {
		return
	}

	if c.index != nil {
		c.index.Remove(id)
		c.removalsSinceBuild++
	}
	c.recency.Remove(s.elem)
	delete(c.byKey, s.entry.NormalizedQuery)
	*s = slot{}
	c.free = append(c.free, id)

	c.maintainIndexLocked()
}

// maintainIndexLocked drops the proximity graph when the tier shrinks back
// under the cutoff, and rebuilds it once removal churn has degraded graph
// connectivity.
func (c *SemanticCache) maintainIndexLocked() {
	if c.index == nil {
		return
	}
	if len(c.byKey) <= c.cutoff/2 {
		c.index = nil
		c.removalsSinceBuild = 0
		return
	}
	if c.removalsSinceBuild > len(c.byKey)/2 {
		c.rebuildIndexLocked()
	}
}

func (c *SemanticCache) rebuildIndexLocked() {
	index := newNSWIndex(c.simPair)
	for _, id := range c.byKey {
		index.Insert(id)
	}
	c.index = index
	c.removalsSinceBuild = 0
}

func (c *SemanticCache) resetLocked() {
	c.slots = nil
	c.free = nil
	c.byKey = make(map[string]int)
	c.recency.Init()
	c.index = nil
	c.removalsSinceBuild = 0
}

// Len returns the number of resident entries, including any not yet lazily
// expired.
func (c *SemanticCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Clear removes all entries and resets statistics.
func (c *SemanticCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.hits = 0
	c.misses = 0
}

// Entries returns a snapshot of all resident, unexpired entries ordered from
// least to most recently used. Used for persistence snapshots and warm start
// verification.
func (c *SemanticCache) Entries() []*Entry {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]*Entry, 0, len(c.byKey))
	for elem := c.recency.Back(); elem != nil; elem = elem.Prev() {
		entry := c.slots[elem.Value.(int)].entry
		if !entry.Expired(now) {
			entries = append(entries, entry.clone())
		}
	}
	return entries
}

// Stats returns current hit/miss counters and resident entry count.
func (c *SemanticCache) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return TierStats{
		Entries: len(c.byKey),
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate(c.hits, c.misses),
	}
}
