// Package hnsw implements a per-tier Hierarchical Navigable Small World
// approximate nearest-neighbor index over L2-normalized vectors, using
// cosine distance (1 - dot product) as its metric.
package hnsw

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shannon-memory/memengine/internal/vecmath"
)

// ErrDimensionMismatch is returned when a vector's length does not match
// the index's configured dimensionality.
var ErrDimensionMismatch = errors.New("hnsw: vector dimension mismatch")

// Config tunes graph construction and search. Zero-valued fields are filled
// in with defaults by NewIndex.
type Config struct {
	M               int // max neighbors per node per layer above 0
	EfConstruction  int // candidate list size while inserting
	EfSearch        int // candidate list size while searching (default)
	MaxLayers       int // hard cap on the number of layers
	LevelMultiplier float64
}

// DefaultConfig returns the index's default tuning parameters.
func DefaultConfig() Config {
	m := 16
	return Config{
		M:               m,
		EfConstruction:  200,
		EfSearch:        50,
		MaxLayers:       4,
		LevelMultiplier: 1.0 / math.Log(float64(m)),
	}
}

func fillDefaults(c Config) Config {
	def := DefaultConfig()
	if c.M <= 0 {
		c.M = def.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = def.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = def.EfSearch
	}
	if c.MaxLayers <= 0 {
		c.MaxLayers = def.MaxLayers
	}
	if c.LevelMultiplier <= 0 {
		c.LevelMultiplier = 1.0 / math.Log(float64(c.M))
	}
	return c
}

type node struct {
	id        uuid.UUID
	vector    []float32
	neighbors [][]uuid.UUID // neighbors[layer] = neighbor ids at that layer
	level     int
	deleted   bool
}

// Result is a single search hit: the record id and its similarity score
// (1 - cosine distance, so higher is closer).
type Result struct {
	ID    uuid.UUID
	Score float32
}

// Index is a single tier's HNSW graph. It is safe for concurrent use: reads
// (Search) take a shared lock; writes (Add, Remove, Compact) take an
// exclusive lock. Go's sync.RWMutex already blocks new readers once a
// writer is waiting, which bounds writer starvation without a separate
// reader-count scheme.
type Index struct {
	mu         sync.RWMutex
	dimensions int
	config     Config
	rng        *rand.Rand

	nodes      map[uuid.UUID]*node
	entryPoint uuid.UUID
	hasEntry   bool
	maxLevel   int

	liveCount  int
	tombstones int
}

// NewIndex creates an empty index over vectors of the given dimensionality.
func NewIndex(dimensions int, config Config) *Index {
	return &Index{
		dimensions: dimensions,
		config:     fillDefaults(config),
		rng:        rand.New(rand.NewSource(randSeed())),
		nodes:      make(map[uuid.UUID]*node),
	}
}

// randSeed is split out so tests can't accidentally depend on wall-clock
// determinism, while production indexes still get distinct level
// distributions across instances.
func randSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 1
	}
	s := int64(binary.LittleEndian.Uint64(b[:]))
	if s < 0 {
		s = -s
	}
	if s == 0 {
		s = 1
	}
	return s
}

// Size returns the number of live (non-tombstoned) vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.liveCount
}

// Tombstones returns the number of soft-deleted nodes awaiting compaction.
func (idx *Index) Tombstones() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tombstones
}

// Entry is one live vector in a Snapshot.
type Entry struct {
	ID     uuid.UUID
	Vector []float32
}

// Snapshot returns every live (non-tombstoned) vector in id order, for
// backup. Restoring from a Snapshot is just replaying Add in order — this
// engine rebuilds the graph rather than serializing its internal layout.
func (idx *Index) Snapshot() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Entry, 0, idx.liveCount)
	for id, n := range idx.nodes {
		if n.deleted {
			continue
		}
		out = append(out, Entry{ID: id, Vector: append([]float32(nil), n.vector...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (idx *Index) randomLevel() int {
	level := 0
	for idx.rng.Float64() < 1.0/math.E && level < idx.config.MaxLayers-1 {
		level++
	}
	// LevelMultiplier-scaled variant used when config overrides the default
	// base; keeps behavior aligned with the configured M even when M != 16.
	if idx.config.LevelMultiplier > 0 {
		scaled := int(-math.Log(idx.rng.Float64()) * idx.config.LevelMultiplier)
		if scaled > level {
			level = scaled
		}
	}
	if level >= idx.config.MaxLayers {
		level = idx.config.MaxLayers - 1
	}
	return level
}

// Add inserts or updates the vector for id. An existing id is fully
// replaced (its old neighbor lists are discarded and it is re-linked at a
// freshly chosen level).
func (idx *Index) Add(id uuid.UUID, vector []float32) error {
	if len(vector) != idx.dimensions {
		return ErrDimensionMismatch
	}
	stored := append([]float32(nil), vector...)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.nodes[id]; ok && !existing.deleted {
		idx.unlinkLocked(existing)
		idx.liveCount--
	} else if ok && existing.deleted {
		idx.tombstones--
	}

	level := idx.randomLevel()
	n := &node{
		id:        id,
		vector:    stored,
		neighbors: make([][]uuid.UUID, level+1),
		level:     level,
	}
	idx.nodes[id] = n
	idx.liveCount++

	if !idx.hasEntry {
		idx.entryPoint = id
		idx.hasEntry = true
		idx.maxLevel = level
		return nil
	}

	idx.insertLocked(n)
	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}
	return nil
}

// insertLocked wires n into the graph via greedy descent from the entry
// point, then beam search + neighbor selection at each of n's layers.
func (idx *Index) insertLocked(n *node) {
	entry := idx.nodes[idx.entryPoint]
	if entry == nil || entry.id == n.id {
		return
	}

	cur := entry
	curDist := vecmath.CosineDistance(n.vector, cur.vector)

	for layer := idx.maxLevel; layer > n.level; layer-- {
		cur, curDist = idx.greedyDescend(cur, curDist, n.vector, layer)
	}

	for layer := min(idx.maxLevel, n.level); layer >= 0; layer-- {
		candidates := idx.searchLayer(n.vector, cur, idx.config.EfConstruction, layer)
		selected := selectNeighbors(candidates, idx.config.M)
		for _, c := range selected {
			idx.connect(n, idx.nodes[c.id], layer)
		}
		if len(candidates) > 0 {
			cur = idx.nodes[candidates[0].id]
		}
	}
}

func (idx *Index) greedyDescend(start *node, startDist float32, target []float32, layer int) (*node, float32) {
	cur, curDist := start, startDist
	for {
		improved := false
		if layer < len(cur.neighbors) {
			for _, nb := range cur.neighbors[layer] {
				nn := idx.nodes[nb]
				if nn == nil || nn.deleted {
					continue
				}
				d := vecmath.CosineDistance(target, nn.vector)
				if d < curDist {
					cur, curDist = nn, d
					improved = true
				}
			}
		}
		if !improved {
			return cur, curDist
		}
	}
}

type candidate struct {
	id   uuid.UUID
	dist float32
}

// searchLayer performs a bounded best-first search at one layer, returning
// up to ef candidates sorted by ascending distance.
func (idx *Index) searchLayer(target []float32, entry *node, ef int, layer int) []candidate {
	visited := map[uuid.UUID]bool{entry.id: true}
	entryDist := vecmath.CosineDistance(target, entry.vector)
	results := []candidate{{entry.id, entryDist}}
	frontier := []candidate{{entry.id, entryDist}}

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i].dist < frontier[j].dist })
		cur := frontier[0]
		frontier = frontier[1:]

		curNode := idx.nodes[cur.id]
		if curNode == nil || layer >= len(curNode.neighbors) {
			continue
		}
		worst := worstDist(results, ef)
		if cur.dist > worst && len(results) >= ef {
			continue
		}

		for _, nbID := range curNode.neighbors[layer] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nb := idx.nodes[nbID]
			if nb == nil || nb.deleted {
				continue
			}
			d := vecmath.CosineDistance(target, nb.vector)
			results = append(results, candidate{nbID, d})
			frontier = append(frontier, candidate{nbID, d})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if len(results) > ef {
		results = results[:ef]
	}
	return results
}

func worstDist(results []candidate, ef int) float32 {
	if len(results) == 0 {
		return math.MaxFloat32
	}
	sorted := append([]candidate(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].dist < sorted[j].dist })
	idx := len(sorted) - 1
	if idx >= ef {
		idx = ef - 1
	}
	return sorted[idx].dist
}

// selectNeighbors keeps the closest m candidates — a simple heuristic
// (as opposed to the diversity-aware heuristic some HNSW variants use),
// adequate at the graph sizes this engine targets.
func selectNeighbors(candidates []candidate, m int) []candidate {
	if len(candidates) <= m {
		return candidates
	}
	return candidates[:m]
}

func (idx *Index) connect(a, b *node, layer int) {
	if a == nil || b == nil || a.id == b.id {
		return
	}
	a.neighbors[layer] = appendUnique(a.neighbors[layer], b.id)
	if layer < len(b.neighbors) {
		b.neighbors[layer] = appendUnique(b.neighbors[layer], a.id)
		if len(b.neighbors[layer]) > idx.config.M {
			b.neighbors[layer] = idx.pruneLocked(b, layer)
		}
	}
}

func (idx *Index) pruneLocked(n *node, layer int) []uuid.UUID {
	cands := make([]candidate, 0, len(n.neighbors[layer]))
	for _, id := range n.neighbors[layer] {
		nb := idx.nodes[id]
		if nb == nil {
			continue
		}
		cands = append(cands, candidate{id, vecmath.CosineDistance(n.vector, nb.vector)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > idx.config.M {
		cands = cands[:idx.config.M]
	}
	out := make([]uuid.UUID, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func appendUnique(list []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// unlinkLocked removes n's back-references from its neighbors, in
// preparation for re-insertion or deletion.
func (idx *Index) unlinkLocked(n *node) {
	for layer, neighbors := range n.neighbors {
		for _, nbID := range neighbors {
			nb := idx.nodes[nbID]
			if nb == nil || layer >= len(nb.neighbors) {
				continue
			}
			nb.neighbors[layer] = removeID(nb.neighbors[layer], n.id)
		}
	}
}

func removeID(list []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Remove tombstones id: the node is marked deleted and excluded from future
// searches and traversal immediately, but its storage and neighbor edges
// are only reclaimed by Compact. This keeps Remove O(1) amortized instead
// of requiring a full relink on every delete.
func (idx *Index) Remove(id uuid.UUID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[id]
	if !ok || n.deleted {
		return
	}
	n.deleted = true
	idx.liveCount--
	idx.tombstones++

	if idx.hasEntry && idx.entryPoint == id {
		idx.reassignEntryLocked()
	}
}

func (idx *Index) reassignEntryLocked() {
	for candidateID, n := range idx.nodes {
		if !n.deleted {
			idx.entryPoint = candidateID
			idx.maxLevel = n.level
			return
		}
	}
	idx.hasEntry = false
	var zero uuid.UUID
	idx.entryPoint = zero
	idx.maxLevel = 0
}

// CompactionThreshold is the tombstone-to-live ratio above which
// ShouldCompact reports true. Compact runs only when a caller invokes it;
// the promotion cycle's evictions leave their tombstones in place.
const CompactionThreshold = 0.25

// ShouldCompact reports whether tombstones have accumulated enough to be
// worth a compaction pass.
func (idx *Index) ShouldCompact() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.liveCount == 0 {
		return idx.tombstones > 0
	}
	return float64(idx.tombstones)/float64(idx.liveCount) > CompactionThreshold
}

// Compact rebuilds the graph from scratch using only live nodes, discarding
// tombstones. This is the lazy half of tombstone+lazy-compaction deletion:
// Remove is cheap and immediate, Compact is the deferred, batched cleanup.
func (idx *Index) Compact() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	live := make([]*node, 0, idx.liveCount)
	for _, n := range idx.nodes {
		if !n.deleted {
			live = append(live, n)
		}
	}

	idx.nodes = make(map[uuid.UUID]*node)
	idx.hasEntry = false
	idx.maxLevel = 0
	idx.liveCount = 0
	idx.tombstones = 0

	for _, n := range live {
		vector := n.vector
		id := n.id
		idx.liveCount++
		fresh := &node{id: id, vector: vector, level: idx.randomLevel()}
		fresh.neighbors = make([][]uuid.UUID, fresh.level+1)
		idx.nodes[id] = fresh
		if !idx.hasEntry {
			idx.entryPoint = id
			idx.hasEntry = true
			idx.maxLevel = fresh.level
			continue
		}
		idx.insertLocked(fresh)
		if fresh.level > idx.maxLevel {
			idx.maxLevel = fresh.level
			idx.entryPoint = id
		}
	}
}

// Search returns up to k nearest neighbors of query with similarity score
// ≥ minScore, sorted by descending score. efSearch, if 0, defaults to the
// index's configured EfSearch (bumped up to at least k).
func (idx *Index) Search(ctx context.Context, query []float32, k int, minScore float32) ([]Result, error) {
	return idx.SearchWithEf(ctx, query, k, minScore, 0)
}

// SearchWithEf is Search with an explicit ef_search override.
func (idx *Index) SearchWithEf(ctx context.Context, query []float32, k int, minScore float32, efSearch int) ([]Result, error) {
	if len(query) != idx.dimensions {
		return nil, ErrDimensionMismatch
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry || len(idx.nodes) == 0 {
		return nil, nil
	}

	ef := efSearch
	if ef <= 0 {
		ef = idx.config.EfSearch
	}
	if ef < k {
		ef = k
	}

	entry := idx.nodes[idx.entryPoint]
	cur := entry
	curDist := vecmath.CosineDistance(query, cur.vector)
	for layer := idx.maxLevel; layer > 0; layer-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		cur, curDist = idx.greedyDescend(cur, curDist, query, layer)
	}

	candidates := idx.searchLayer(query, cur, ef, 0)

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		score := 1 - c.dist
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: c.id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
