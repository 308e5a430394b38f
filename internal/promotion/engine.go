// Package promotion implements the memory engine's promotion cycle: score
// every Interact/Insights record against the active scorer, move
// high-scoring records to their next tier, and evict aged-out low-scoring
// ones. Assets never expires and is never a source tier.
package promotion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shannon-memory/memengine/internal/config"
	"github.com/shannon-memory/memengine/internal/errs"
	"github.com/shannon-memory/memengine/internal/hnsw"
	"github.com/shannon-memory/memengine/internal/store"
	"github.com/shannon-memory/memengine/internal/types"
)

const component = "promotion"

// Indexes is the per-tier set of HNSW indexes the promotion engine keeps
// in lockstep with the store during a move or eviction.
type Indexes map[types.Layer]*hnsw.Index

// TierStats counts one tier's outcomes for a single cycle.
type TierStats struct {
	Promoted int
	Evicted  int
	Failed   int
}

// CycleStats is the result of one RunCycle, broken down per source tier.
type CycleStats struct {
	PerTier map[types.Layer]*TierStats
}

func newCycleStats() CycleStats {
	return CycleStats{PerTier: map[types.Layer]*TierStats{
		types.Interact: {},
		types.Insights: {},
	}}
}

// Engine runs the promotion cycle against a Store and its matching HNSW
// indexes, using one active Scorer.
type Engine struct {
	store   *store.Store
	indexes Indexes
	scorer  *Scorer
	cfg     config.PromotionConfig
	logger  *zap.Logger

	mu          sync.Mutex
	lastCycleAt time.Time
}

// NewEngine builds an Engine. scorer is the active scoring algorithm
// (selected by cfg.Scorer via ParseScorerKind at construction time by the
// caller — the engine itself only drives the already-built Scorer).
func NewEngine(st *store.Store, indexes Indexes, scorer *Scorer, cfg config.PromotionConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, indexes: indexes, scorer: scorer, cfg: cfg, logger: logger}
}

// Interval reports the configured interval between promotion cycles, used
// by the promotion health checker to judge staleness.
func (e *Engine) Interval() time.Duration { return e.cfg.CycleInterval }

// LastCycleAt reports when RunCycle last completed without error, or the
// zero time if no cycle has completed yet.
func (e *Engine) LastCycleAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycleAt
}

// RunCycle executes one promotion/eviction pass over Interact and Insights.
// It never scans or mutates Assets as a source tier.
func (e *Engine) RunCycle(ctx context.Context) (CycleStats, error) {
	stats := newCycleStats()
	now := time.Now()

	tiers := []types.Layer{types.Interact, types.Insights}
	// Both tiers are scanned before any record moves, so a record promoted
	// out of Interact is not scored again as an Insights record in the same
	// cycle.
	candidates := make(map[types.Layer][]*types.Record, len(tiers))
	for _, tier := range tiers {
		err := e.store.IterLayer(tier, func(r *types.Record) bool {
			candidates[tier] = append(candidates[tier], r.Clone())
			return true
		})
		if err != nil {
			return stats, errs.Infra(component, "run_cycle", err)
		}
	}

	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ttl := e.ttlFor(tier)
		ts := stats.PerTier[tier]
		for _, rec := range candidates[tier] {
			e.processOne(ctx, tier, rec, now, ttl, ts)
		}
	}

	e.mu.Lock()
	e.lastCycleAt = time.Now()
	e.mu.Unlock()
	return stats, nil
}

func (e *Engine) processOne(ctx context.Context, tier types.Layer, rec *types.Record, now time.Time, ttl time.Duration, ts *TierStats) {
	features := Extract(rec, Context{Now: now})
	score := e.scorer.Score(features)
	rec.Score = float32(score)

	target, promote := e.decide(tier, score)
	if promote {
		if err := e.promote(rec, tier, target); err != nil {
			e.logger.Warn("promotion failed", zap.String("tier", tier.String()), zap.Error(err))
			ts.Failed++
			return
		}
		ts.Promoted++
		return
	}

	age := now.Sub(rec.Timestamp)
	if age >= ttl && score < e.cfg.PromoteThreshold {
		if err := e.evict(rec, tier); err != nil {
			e.logger.Warn("eviction failed", zap.String("tier", tier.String()), zap.Error(err))
			ts.Failed++
			return
		}
		ts.Evicted++
	}
}

// decide returns the promotion target tier (if any) for a scored record in
// tier. Interact may skip directly to Assets when score crosses
// SkipToAssetsAbove.
func (e *Engine) decide(tier types.Layer, score float64) (types.Layer, bool) {
	switch tier {
	case types.Interact:
		if score >= e.cfg.SkipToAssetsAbove {
			return types.Assets, true
		}
		if score >= e.cfg.PromoteThreshold {
			return types.Insights, true
		}
	case types.Insights:
		if score >= e.cfg.PromoteThreshold {
			return types.Assets, true
		}
	}
	return tier, false
}

// promote moves rec from its current tier to target: insert into the
// target HNSW index first, then relocate the store record, then remove
// from the source HNSW index — matching the move order that keeps a
// concurrent search from ever seeing the record in neither index. The
// store-level Move is itself atomic; a repeat call after the source record
// is gone returns a Conflict, which processOne counts as a failed
// promotion.
func (e *Engine) promote(rec *types.Record, from, to types.Layer) error {
	updated := rec.Clone()
	updated.Layer = to
	updated.Timestamp = time.Now()

	if idx, ok := e.indexes[to]; ok && idx != nil {
		if err := idx.Add(updated.ID, updated.Embedding); err != nil {
			return errs.Infra(component, "promote", err)
		}
	}

	if err := e.store.Move(rec.ID, from, to, updated); err != nil {
		if idx, ok := e.indexes[to]; ok && idx != nil {
			idx.Remove(updated.ID)
		}
		return err
	}

	if idx, ok := e.indexes[from]; ok && idx != nil {
		idx.Remove(rec.ID)
	}
	return nil
}

// evict deletes rec outright from its tier's store and index.
func (e *Engine) evict(rec *types.Record, tier types.Layer) error {
	if err := e.store.Delete(tier, rec.ID); err != nil {
		return err
	}
	if idx, ok := e.indexes[tier]; ok && idx != nil {
		idx.Remove(rec.ID)
	}
	return nil
}

func (e *Engine) ttlFor(tier types.Layer) time.Duration {
	switch tier {
	case types.Interact:
		return time.Duration(e.cfg.InteractTTLHours * float64(time.Hour))
	case types.Insights:
		return time.Duration(e.cfg.InsightsTTLDays * 24 * float64(time.Hour))
	default:
		return 0
	}
}
