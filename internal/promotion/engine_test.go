package promotion

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannon-memory/memengine/internal/config"
	"github.com/shannon-memory/memengine/internal/hnsw"
	"github.com/shannon-memory/memengine/internal/store"
	"github.com/shannon-memory/memengine/internal/types"
)

func newTestEngine(t *testing.T, cfg config.PromotionConfig, scorer *Scorer) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	indexes := Indexes{
		types.Interact: hnsw.NewIndex(4, hnsw.DefaultConfig()),
		types.Insights: hnsw.NewIndex(4, hnsw.DefaultConfig()),
		types.Assets:   hnsw.NewIndex(4, hnsw.DefaultConfig()),
	}
	return NewEngine(st, indexes, scorer, cfg, nil), st
}

// alwaysScorer is a test double that returns a fixed score regardless of
// features, so promotion/eviction decisions are deterministic.
func alwaysScorer(score float64) *Scorer {
	s := NewScorer(Hybrid)
	// Zero out weights and set the bias directly so Score(f) == sigmoid(bias)
	// for any input, i.e. a fixed score independent of the feature vector.
	for i := range s.weights {
		s.weights[i] = 0
	}
	// sigmoid^-1(score)
	if score <= 0 {
		s.bias = -50
	} else if score >= 1 {
		s.bias = 50
	} else {
		s.bias = math.Log(score / (1 - score))
	}
	return s
}

func TestPromoteMovesRecordToNextTier(t *testing.T) {
	cfg := config.PromotionConfig{InteractTTLHours: 24, InsightsTTLDays: 30, PromoteThreshold: 0.5, SkipToAssetsAbove: 0.95}
	eng, st := newTestEngine(t, cfg, alwaysScorer(0.7))

	rec := &types.Record{ID: uuid.New(), Layer: types.Interact, Embedding: []float32{1, 0, 0, 0}, Timestamp: time.Now()}
	require.NoError(t, st.Insert(rec))

	stats, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PerTier[types.Interact].Promoted)

	_, err = st.Get(types.Interact, rec.ID)
	assert.Error(t, err)
	got, err := st.Get(types.Insights, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Insights, got.Layer)
}

func TestPromoteSkipsToAssetsAboveThreshold(t *testing.T) {
	cfg := config.PromotionConfig{InteractTTLHours: 24, InsightsTTLDays: 30, PromoteThreshold: 0.5, SkipToAssetsAbove: 0.9}
	eng, st := newTestEngine(t, cfg, alwaysScorer(0.95))

	rec := &types.Record{ID: uuid.New(), Layer: types.Interact, Embedding: []float32{1, 0, 0, 0}, Timestamp: time.Now()}
	require.NoError(t, st.Insert(rec))

	_, err := eng.RunCycle(context.Background())
	require.NoError(t, err)

	got, err := st.Get(types.Assets, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Assets, got.Layer)
}

func TestEvictsAgedOutLowScoringRecord(t *testing.T) {
	cfg := config.PromotionConfig{InteractTTLHours: 1, InsightsTTLDays: 30, PromoteThreshold: 0.5, SkipToAssetsAbove: 0.95}
	eng, st := newTestEngine(t, cfg, alwaysScorer(0.1))

	rec := &types.Record{ID: uuid.New(), Layer: types.Interact, Embedding: []float32{1, 0, 0, 0}, Timestamp: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, st.Insert(rec))

	stats, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PerTier[types.Interact].Evicted)

	_, err = st.Get(types.Interact, rec.ID)
	assert.Error(t, err)
}

func TestLowScoringFreshRecordIsUntouched(t *testing.T) {
	cfg := config.PromotionConfig{InteractTTLHours: 24, InsightsTTLDays: 30, PromoteThreshold: 0.5, SkipToAssetsAbove: 0.95}
	eng, st := newTestEngine(t, cfg, alwaysScorer(0.1))

	rec := &types.Record{ID: uuid.New(), Layer: types.Interact, Embedding: []float32{1, 0, 0, 0}, Timestamp: time.Now()}
	require.NoError(t, st.Insert(rec))

	stats, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PerTier[types.Interact].Evicted)
	assert.Equal(t, 0, stats.PerTier[types.Interact].Promoted)

	_, err = st.Get(types.Interact, rec.ID)
	assert.NoError(t, err)
}

func TestAssetsNeverEvictedEvenWhenVeryOld(t *testing.T) {
	cfg := config.PromotionConfig{InteractTTLHours: 1, InsightsTTLDays: 1, PromoteThreshold: 0.99, SkipToAssetsAbove: 0.999}
	eng, st := newTestEngine(t, cfg, alwaysScorer(0.01))

	rec := &types.Record{ID: uuid.New(), Layer: types.Assets, Embedding: []float32{1, 0, 0, 0}, Timestamp: time.Now().Add(-1000 * time.Hour)}
	require.NoError(t, st.Insert(rec))

	_, err := eng.RunCycle(context.Background())
	require.NoError(t, err)

	_, err = st.Get(types.Assets, rec.ID)
	assert.NoError(t, err)
}

func TestRunCycleHonorsContextCancellation(t *testing.T) {
	cfg := config.PromotionConfig{InteractTTLHours: 24, InsightsTTLDays: 30, PromoteThreshold: 0.5, SkipToAssetsAbove: 0.95}
	eng, _ := newTestEngine(t, cfg, alwaysScorer(0.7))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
