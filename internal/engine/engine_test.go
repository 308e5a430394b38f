package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannon-memory/memengine/internal/config"
	"github.com/shannon-memory/memengine/internal/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Embedding.Dimension = 8
	cfg.Paths.DBPath = ""
	cfg.Cache.MaxEntries = 64
	cfg.Cache.QueryTTLMs = 30_000

	eng, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestInsertThenSearchFindsRecord(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	rec := &types.Record{Text: "the quick brown fox", Layer: types.Interact, Project: "demo"}
	require.NoError(t, eng.Insert(ctx, rec))

	results, err := eng.Search(ctx, "the quick brown fox", SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, rec.ID, results[0].Record.ID)
}

func TestSearchIsCachedOnSecondCall(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	rec := &types.Record{Text: "cached query text", Layer: types.Interact}
	require.NoError(t, eng.Insert(ctx, rec))

	first, err := eng.Search(ctx, "cached query text", SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := eng.Search(ctx, "cached query text", SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, second)
	assert.Equal(t, first[0].Record.ID, second[0].Record.ID)
}

func TestRetrieveIncrementsAccessCount(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	rec := &types.Record{Text: "retrieve me", Layer: types.Interact}
	require.NoError(t, eng.Insert(ctx, rec))

	got, err := eng.Retrieve(ctx, rec.ID, RetrieveOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.AccessCount)

	got2, err := eng.Retrieve(ctx, rec.ID, RetrieveOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, got2.AccessCount)
}

func TestUpdateReplacesRecordInPlace(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	rec := &types.Record{Text: "original text", Layer: types.Interact}
	require.NoError(t, eng.Insert(ctx, rec))

	updated := rec.Clone()
	updated.Text = "replacement text"
	updated.Embedding = nil
	require.NoError(t, eng.Update(ctx, updated))

	got, err := eng.Retrieve(ctx, rec.ID, RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "replacement text", got.Text)
}

func TestDeleteRemovesRecord(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	rec := &types.Record{Text: "to be deleted", Layer: types.Interact}
	require.NoError(t, eng.Insert(ctx, rec))
	require.NoError(t, eng.Delete(ctx, rec.ID, types.Interact))

	_, err := eng.Retrieve(ctx, rec.ID, RetrieveOptions{})
	assert.Error(t, err)
}

func TestInsertBatchReportsPartialSuccess(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	recs := []*types.Record{
		{Text: "batch record one", Layer: types.Interact},
		{Layer: types.Interact}, // neither text nor embedding: fails validation
		{Text: "batch record two", Layer: types.Interact},
	}
	result, err := eng.InsertBatch(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Errors, 1)
}

func TestRunPromotionExecutesWithoutError(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	rec := &types.Record{Text: "promotion candidate", Layer: types.Interact}
	require.NoError(t, eng.Insert(ctx, rec))

	_, err := eng.RunPromotion(ctx)
	require.NoError(t, err)
}

func TestBackupAndRestoreRoundTripThroughEngine(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	rec := &types.Record{Text: "backed up record", Layer: types.Interact}
	require.NoError(t, eng.Insert(ctx, rec))

	dir := filepath.Join(t.TempDir(), "backup")
	require.NoError(t, eng.CreateBackup(ctx, dir))

	restoreEng := newTestEngine(t)
	require.NoError(t, restoreEng.Restore(ctx, dir))

	got, err := restoreEng.Retrieve(ctx, rec.ID, RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, rec.Text, got.Text)
}

func TestHealthReportsRegisteredCheckers(t *testing.T) {
	eng := newTestEngine(t)
	detailed := eng.Health(context.Background())
	assert.Contains(t, detailed.Components, "embedding")
	assert.Contains(t, detailed.Components, "vector_store")
}
