// Package cache implements the two caching tiers that sit in front of vector
// retrieval: an exact-match tier keyed by normalized query text and a
// semantic tier keyed by embedding proximity.
package cache

import (
	"errors"
	"time"

	"github.com/viant/vec/search"
)

// ErrCorrupted reports an internal cache invariant violation. The affected
// cache segment is reset when this is detected; the error exists so callers
// can log and count occurrences.
var ErrCorrupted = errors.New("cache: internal state corrupted")

// RetrievedItem is one ranked document in a cached result set.
type RetrievedItem struct {
	DocumentID  string  `json:"document_id"`
	Content     string  `json:"content"`
	Score       float32 `json:"score"`
	RerankScore float32 `json:"rerank_score,omitempty"`
	Reranked    bool    `json:"reranked,omitempty"`
	Rank        int     `json:"rank"`
}

// Entry is a fully ranked result set cached for one normalized query.
//
// The Items slice is never mutated after the entry is created, so an entry
// handed to a reader stays valid even if the cache evicts it concurrently.
// Access statistics are only updated while holding the owning cache's lock.
type Entry struct {
	Query           string          `json:"query"`
	NormalizedQuery string          `json:"normalized_query"`
	Embedding       []float32       `json:"embedding,omitempty"`
	Items           []RetrievedItem `json:"items"`
	CachedAt        time.Time       `json:"cached_at"`
	LastAccessedAt  time.Time       `json:"last_accessed_at"`
	HitCount        int             `json:"hit_count"`
	TTL             time.Duration   `json:"ttl"`
}

// Expired reports whether the entry's time-to-live has elapsed. Entries are
// invalidated lazily: an expired entry is treated as absent at lookup time,
// no background sweep runs.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CachedAt) > e.TTL
}

// clone returns a copy with its own access statistics. Items and Embedding
// are shared since they are immutable after creation. Each tier stores its
// own clone so stat updates under one tier's lock never touch an entry
// another tier, or the persistence path, is reading.
func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// TierStats summarizes one cache tier.
type TierStats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// magnitude returns the L2 norm of v.
func magnitude(v []float32) float32 {
	return search.Float32s(v).Magnitude()
}

// cosineSimilarity computes cosine similarity. The precomputed magnitudes
// are used only for the zero-vector guard; the distance itself goes through
// the portable CosineDistance, which is available on every GOARCH.
func cosineSimilarity(a []float32, magA float32, b []float32, magB float32) float32 {
	if magA == 0 || magB == 0 {
		return 0
	}
	return 1 - search.Float32s(a).CosineDistance(b)
}
