// Package cache implements the memory engine's Cache Layer (C8): a bounded
// LRU+TTL query cache sitting in front of similarity search. It deliberately
// does not own the embedding cache — internal/embedding keeps its own
// content-hash-keyed LRU, since embedding results are a pure function of
// input text and naturally belong with the service that produces them. This
// package instead caches the more expensive, more volatile thing: the
// ranked result set of a search call.
package cache

import (
	"strconv"
	"strings"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"lukechampine.com/blake3"

	"github.com/shannon-memory/memengine/internal/types"
)

// QueryKey identifies one cacheable search call: the query text (hashed),
// the result width, which tiers were searched, and any filter applied.
type QueryKey struct {
	QueryText  string
	TopK       int
	LayerMask  uint8 // bit i set means types.Layers[i] was included
	FilterHash string
}

// Hit is a cached search result: the matched record ids in rank order with
// their scores, cheap enough to store without retaining the full Record.
type Hit struct {
	ID    string
	Score float32
}

// QueryCache is a bounded LRU with TTL expiry over search results, keyed by
// QueryKey. Entries are never invalidated on write; per the declared
// read-your-writes contract, a short TTL (default 30s) stands in for
// proactive invalidation, and callers that need strict freshness bypass the
// cache entirely.
type QueryCache struct {
	lru *expirable.LRU[string, []Hit]
	ttl time.Duration
}

// NewQueryCache builds a query cache bounded to maxEntries with entries
// expiring after ttl.
func NewQueryCache(maxEntries int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		lru: expirable.NewLRU[string, []Hit](maxEntries, nil, ttl),
		ttl: ttl,
	}
}

// Get returns the cached hits for key, if present and unexpired.
func (c *QueryCache) Get(key QueryKey) ([]Hit, bool) {
	return c.lru.Get(key.string())
}

// Put stores hits for key, evicting the least recently used entry if the
// cache is at capacity.
func (c *QueryCache) Put(key QueryKey, hits []Hit) {
	c.lru.Add(key.string(), append([]Hit(nil), hits...))
}

// Clear empties the cache. Implements resource.CacheClearer so the Resource
// Coordinator can drop the query cache after a circuit-breaker trip storm,
// the same way it would clear any other stale derived state.
func (c *QueryCache) Clear() {
	c.lru.Purge()
}

// Len reports the number of entries currently cached, for metrics and tests.
func (c *QueryCache) Len() int { return c.lru.Len() }

func (k QueryKey) string() string {
	sum := blake3.Sum256([]byte(k.QueryText))
	var b strings.Builder
	b.Write(sum[:8])
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(k.TopK))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(k.LayerMask)))
	b.WriteByte('|')
	b.WriteString(k.FilterHash)
	return b.String()
}

// LayerMaskOf builds the LayerMask bit set for a slice of searched layers.
func LayerMaskOf(layers []types.Layer) uint8 {
	var mask uint8
	for _, l := range layers {
		mask |= 1 << uint(l)
	}
	return mask
}

// FilterHash hashes a filter's canonical string form (e.g. sorted
// "key=value" tag pairs joined by the caller) into the fixed-width
// component of a QueryKey.
func FilterHash(canonical string) string {
	if canonical == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(canonical))
	return string(sum[:8])
}
