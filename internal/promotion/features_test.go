package promotion

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/shannon-memory/memengine/internal/types"
)

func TestExtractComputesAgeHours(t *testing.T) {
	now := time.Now()
	rec := &types.Record{ID: uuid.New(), Timestamp: now.Add(-48 * time.Hour), Text: "hello"}
	f := Extract(rec, Context{Now: now})
	assert.InDelta(t, 48.0, f.AgeHours, 0.01)
}

func TestExtractDefaultsContextualSignalsToHalf(t *testing.T) {
	rec := &types.Record{ID: uuid.New(), Timestamp: time.Now(), Text: "hello"}
	f := Extract(rec, Context{Now: time.Now()})
	assert.Equal(t, 0.5, f.CoOccurrence)
	assert.Equal(t, 0.5, f.UserPreference)
}

func TestExtractHonorsExplicitContextualSignals(t *testing.T) {
	co := 0.9
	pref := 0.1
	rec := &types.Record{ID: uuid.New(), Timestamp: time.Now(), Text: "hello"}
	f := Extract(rec, Context{Now: time.Now(), CoOccurrence: &co, UserPreference: &pref})
	assert.Equal(t, 0.9, f.CoOccurrence)
	assert.Equal(t, 0.1, f.UserPreference)
}

func TestExtractKeywordDensityHigherForKeywordHeavyText(t *testing.T) {
	now := time.Now()
	important := &types.Record{ID: uuid.New(), Timestamp: now, Text: "critical error decision important"}
	plain := &types.Record{ID: uuid.New(), Timestamp: now, Text: "the cat sat on the mat"}

	fi := Extract(important, Context{Now: now})
	fp := Extract(plain, Context{Now: now})

	assert.Greater(t, fi.SemanticImportance, fp.SemanticImportance)
	assert.Greater(t, fi.KeywordDensity, fp.KeywordDensity)
}

func TestExtractAccessFrequencyScalesWithAccessCount(t *testing.T) {
	now := time.Now()
	rec := &types.Record{ID: uuid.New(), Timestamp: now.Add(-24 * time.Hour), AccessCount: 10}
	f := Extract(rec, Context{Now: now})
	assert.InDelta(t, 10.0, f.AccessFrequency, 0.1)
}

func TestExtractAccessRecencyDecaysWithStaleness(t *testing.T) {
	now := time.Now()
	fresh := &types.Record{ID: uuid.New(), Timestamp: now.Add(-1 * time.Hour), LastAccess: now.Add(-1 * time.Minute)}
	stale := &types.Record{ID: uuid.New(), Timestamp: now.Add(-1 * time.Hour), LastAccess: now.Add(-72 * time.Hour)}

	ff := Extract(fresh, Context{Now: now})
	fs := Extract(stale, Context{Now: now})
	assert.Greater(t, ff.AccessRecency, fs.AccessRecency)
}

func TestLayerAffinityOrdering(t *testing.T) {
	assert.Less(t, layerAffinityFor(types.Interact), layerAffinityFor(types.Insights))
	assert.Less(t, layerAffinityFor(types.Insights), layerAffinityFor(types.Assets))
}

func TestVectorLengthMatchesFeatureNames(t *testing.T) {
	f := Features{}
	assert.Len(t, f.Vector(), len(FeatureNames))
}
