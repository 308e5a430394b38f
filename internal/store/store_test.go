package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannon-memory/memengine/internal/errs"
	"github.com/shannon-memory/memengine/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(layer types.Layer) *types.Record {
	return &types.Record{
		ID:        uuid.New(),
		Text:      "hello world",
		Embedding: []float32{0.1, 0.2, 0.3},
		Layer:     layer,
		Kind:      "note",
		Timestamp: time.Now(),
	}
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord(types.Interact)
	require.NoError(t, s.Insert(rec))

	got, err := s.Get(types.Interact, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Text, got.Text)
	assert.Equal(t, rec.Embedding, got.Embedding)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(types.Interact, uuid.New())
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestInsertSameTierOverwrites(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord(types.Interact)
	require.NoError(t, s.Insert(rec))

	rec.Text = "updated"
	require.NoError(t, s.Insert(rec))

	got, err := s.Get(types.Interact, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Text)
}

func TestInsertCrossTierCollisionRejected(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord(types.Interact)
	require.NoError(t, s.Insert(rec))

	dup := rec.Clone()
	dup.Layer = types.Insights
	err := s.Insert(dup)
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord(types.Interact)
	require.NoError(t, s.Insert(rec))
	require.NoError(t, s.Delete(types.Interact, rec.ID))
	require.NoError(t, s.Delete(types.Interact, rec.ID))

	_, err := s.Get(types.Interact, rec.ID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestMoveRelocatesBetweenTiers(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord(types.Interact)
	require.NoError(t, s.Insert(rec))

	moved := rec.Clone()
	moved.Layer = types.Insights
	require.NoError(t, s.Move(rec.ID, types.Interact, types.Insights, moved))

	_, err := s.Get(types.Interact, rec.ID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	got, err := s.Get(types.Insights, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Insights, got.Layer)
}

func TestMoveMissingSourceFails(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord(types.Interact)
	err := s.Move(rec.ID, types.Interact, types.Insights, rec)
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestIterLayerVisitsOnlyThatTier(t *testing.T) {
	s := newTestStore(t)
	a := sampleRecord(types.Interact)
	b := sampleRecord(types.Interact)
	c := sampleRecord(types.Insights)
	require.NoError(t, s.Insert(a))
	require.NoError(t, s.Insert(b))
	require.NoError(t, s.Insert(c))

	seen := map[uuid.UUID]bool{}
	require.NoError(t, s.IterLayer(types.Interact, func(r *types.Record) bool {
		seen[r.ID] = true
		return true
	}))

	assert.True(t, seen[a.ID])
	assert.True(t, seen[b.ID])
	assert.False(t, seen[c.ID])
}

func TestIterLayerEarlyStop(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Insert(sampleRecord(types.Interact)))
	}
	count := 0
	require.NoError(t, s.IterLayer(types.Interact, func(*types.Record) bool {
		count++
		return count < 2
	}))
	assert.Equal(t, 2, count)
}

func TestCount(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(sampleRecord(types.Interact)))
	}
	n, err := s.Count(types.Interact)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFindAcrossTiers(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord(types.Assets)
	require.NoError(t, s.Insert(rec))

	got, err := s.Find(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Assets, got.Layer)
}

func TestFlushOnClosedStoreErrors(t *testing.T) {
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Error(t, s.Flush())
}
