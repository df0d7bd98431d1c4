package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, 0.7, cfg.Alpha, 1e-12)
	assert.InDelta(t, 0.3, cfg.Beta, 1e-12)
	assert.InDelta(t, 1.0/24, cfg.Lambda, 1e-12)
	assert.InDelta(t, 0.5, cfg.TBase, 1e-12)
	assert.Equal(t, 10, cfg.TopK)
	assert.Equal(t, 3, cfg.MergeRetries)
	assert.Equal(t, "ollama", cfg.EmbeddingProvider)
	assert.Equal(t, 768, cfg.EmbeddingDimensions)
	assert.Equal(t, "pgvector", cfg.IndexBackend)
	assert.Equal(t, 8, cfg.ClusterWorkers)
	assert.Equal(t, 60*time.Second, cfg.ArticleTimeout)
	assert.Equal(t, "resources/feeds.yml", cfg.FeedConfigPath)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ISSUESTREAM_ALPHA", "0.6")
	t.Setenv("ISSUESTREAM_BETA", "0.4")
	t.Setenv("ISSUESTREAM_T_BASE", "0.65")
	t.Setenv("ISSUESTREAM_TOP_K", "25")
	t.Setenv("ISSUESTREAM_CLUSTER_WORKERS", "2")
	t.Setenv("ISSUESTREAM_ARTICLE_TIMEOUT", "90s")
	t.Setenv("ISSUESTREAM_INDEX", "qdrant")
	t.Setenv("QDRANT_URL", "http://localhost:6333")

	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, 0.6, cfg.Alpha, 1e-12)
	assert.InDelta(t, 0.4, cfg.Beta, 1e-12)
	assert.InDelta(t, 0.65, cfg.TBase, 1e-12)
	assert.Equal(t, 25, cfg.TopK)
	assert.Equal(t, 2, cfg.ClusterWorkers)
	assert.Equal(t, 90*time.Second, cfg.ArticleTimeout)
	assert.Equal(t, "qdrant", cfg.IndexBackend)
	assert.Equal(t, "http://localhost:6333", cfg.QdrantURL)
}

func TestLoadMalformedValueFallsBack(t *testing.T) {
	t.Setenv("ISSUESTREAM_TOP_K", "not-a-number")
	t.Setenv("ISSUESTREAM_ARTICLE_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.TopK)
	assert.Equal(t, 60*time.Second, cfg.ArticleTimeout)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("t_base out of range", func(t *testing.T) {
		cfg := base()
		cfg.TBase = 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative alpha", func(t *testing.T) {
		cfg := base()
		cfg.Alpha = -0.1
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown index backend", func(t *testing.T) {
		cfg := base()
		cfg.IndexBackend = "faiss"
		assert.Error(t, cfg.Validate())
	})

	t.Run("qdrant without URL", func(t *testing.T) {
		cfg := base()
		cfg.IndexBackend = "qdrant"
		cfg.QdrantURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("openai without key", func(t *testing.T) {
		cfg := base()
		cfg.EmbeddingProvider = "openai"
		cfg.OpenAIAPIKey = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero workers", func(t *testing.T) {
		cfg := base()
		cfg.ClusterWorkers = 0
		assert.Error(t, cfg.Validate())
	})
}
