package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1024, cfg.Embedding.Dimension)
	assert.Equal(t, 16, cfg.HNSW.M)
	assert.Equal(t, 200, cfg.HNSW.EfConstruction)
	assert.Equal(t, "hybrid", cfg.Promotion.Scorer)
}

func TestLoadNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	assert.Error(t, err)
}

func TestEnvOverridesWinOverDefaults(t *testing.T) {
	os.Setenv("MEMENG_HNSW_M", "32")
	os.Setenv("MEMENG_EMBEDDING_USE_GPU", "false")
	defer os.Unsetenv("MEMENG_HNSW_M")
	defer os.Unsetenv("MEMENG_EMBEDDING_USE_GPU")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.HNSW.M)
	assert.False(t, cfg.Embedding.UseGPU)
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	contents := `
[hnsw]
m = 24
ef_search = 64

[promotion]
scorer = "semantic"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.HNSW.M)
	assert.Equal(t, 64, cfg.HNSW.EfSearch)
	assert.Equal(t, "semantic", cfg.Promotion.Scorer)
	// Fields not present in the file keep their defaults.
	assert.Equal(t, 200, cfg.HNSW.EfConstruction)
}
