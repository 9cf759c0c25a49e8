package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoEnvOrFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ".cache/vectors.db", cfg.VectorCachePath)
	require.Equal(t, ".cache/promotion.db", cfg.PromotionDBPath)
	require.Equal(t, 1000, cfg.VectorCacheMemoryEntries)
	require.Equal(t, int64(256*1024*1024), cfg.VectorCacheByteCap)
	require.Equal(t, 256, cfg.EmbeddingDim)
	require.InDelta(t, 0.6, cfg.FusionWeightSemantic, 1e-9)
	require.InDelta(t, 0.4, cfg.FusionWeightHeuristic, 1e-9)
	require.InDelta(t, 0.4, cfg.MinConfidence, 1e-9)
	require.Equal(t, 5*time.Second, cfg.StableDOMTimeout)
	require.True(t, cfg.PierceShadowDOM)
	require.Equal(t, time.Hour, cfg.PromotionVacuumEvery)
	require.Equal(t, 720*time.Hour, cfg.PromotionVacuumAge)
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("HER_EMBEDDING_DIM", "512")
	t.Setenv("HER_PIERCE_SHADOW_DOM", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 512, cfg.EmbeddingDim)
	require.False(t, cfg.PierceShadowDOM)
}
