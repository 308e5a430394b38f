package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannon-memory/memengine/internal/hnsw"
	"github.com/shannon-memory/memengine/internal/store"
	"github.com/shannon-memory/memengine/internal/types"
)

func TestEmbeddingHealthCheckerReportsHealthyOnSuccess(t *testing.T) {
	c := NewEmbeddingHealthChecker(nil, func(ctx context.Context) error { return nil }, nil)
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestEmbeddingHealthCheckerReportsUnhealthyOnProbeError(t *testing.T) {
	c := NewEmbeddingHealthChecker(nil, func(ctx context.Context) error { return errors.New("boom") }, nil)
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "boom", res.Error)
}

func TestVectorStoreHealthCheckerCountsAllTiers(t *testing.T) {
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	c := NewVectorStoreHealthChecker(st, nil)
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Len(t, res.Details, len(types.Layers))
}

func TestIndexHealthCheckerDegradesAboveTombstoneThreshold(t *testing.T) {
	idx := hnsw.NewIndex(4, hnsw.DefaultConfig())
	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = uuid.New()
		_ = idx.Add(ids[i], []float32{1, 0, 0, 0})
	}
	c := NewIndexHealthChecker(types.Interact, idx, nil)
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	// 4 tombstones over 6 live vectors is a ratio of 0.67, above the 0.3 threshold.
	for _, id := range ids[:4] {
		idx.Remove(id)
	}
	res = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
}

func TestPromotionHealthCheckerDegradedWhenNeverRun(t *testing.T) {
	c := NewPromotionHealthChecker(time.Minute, func() time.Time { return time.Time{} }, nil)
	res := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
}

func TestPromotionHealthCheckerHealthyOnSchedule(t *testing.T) {
	c := NewPromotionHealthChecker(time.Minute, func() time.Time { return time.Now() }, nil)
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestCustomHealthCheckerDelegatesToFn(t *testing.T) {
	c := NewCustomHealthChecker("custom", true, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded}
	})
	res := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.True(t, c.IsCritical())
}
