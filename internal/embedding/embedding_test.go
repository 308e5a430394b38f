package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannon-memory/memengine/internal/config"
	"github.com/shannon-memory/memengine/internal/vecmath"
)

func testConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{Dimension: 16, MaxLength: 64}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(testConfig(), 128, 60000, nil)
	require.NoError(t, err)
	return svc
}

func TestEmbedReturnsNormalizedVector(t *testing.T) {
	svc := newTestService(t)
	v, err := svc.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, v, 16)
	assert.InDelta(t, 1.0, vecmath.Norm(v), 1e-4)
}

func TestEmbedIsDeterministic(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	b, err := svc.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmbedDistinctTextsDiffer(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	b, err := svc.Embed(context.Background(), "beta")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	svc := newTestService(t)
	texts := []string{"one", "two", "three"}
	vecs, err := svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	for i, text := range texts {
		single, err := svc.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, vecs[i])
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	svc := newTestService(t)
	vecs, err := svc.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbedUsesCacheOnRepeatedCalls(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	first, err := svc.Embed(ctx, "cached text")
	require.NoError(t, err)

	key := cacheKey("cached text")
	cached, ok := svc.cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, first, cached)
}

func TestDimensionReflectsBackend(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, 16, svc.Dimension())
}

func TestNewServiceDefaultsWithoutModelPath(t *testing.T) {
	// No ModelPath configured: the service must fall back to the hash
	// backend rather than failing to construct.
	svc, err := NewService(config.EmbeddingConfig{Dimension: 8}, 16, 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, svc.Dimension())
}

func TestHashBackendDefaultsDimension(t *testing.T) {
	b := newHashBackend(0)
	assert.Equal(t, 1024, b.Dimension())
}

func TestHashVectorLength(t *testing.T) {
	v := hashVector("anything", 37)
	assert.Len(t, v, 37)
}
