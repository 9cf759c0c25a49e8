// Package config loads her's runtime configuration from environment,
// .env, and an optional config file, per SPEC_FULL.md §10. Grounded on the
// teacher's godotenv.Load() bootstrap, generalized with viper so values
// also come from a config file/flags instead of only flat env vars.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every tunable the pipeline's components need at startup.
type Config struct {
	StorageStatePath string
	VectorCachePath  string
	PromotionDBPath  string

	VectorCacheMemoryEntries int
	VectorCacheByteCap       int64

	EmbeddingDim       int
	EmbeddingBatchSize int

	FusionWeightSemantic  float64
	FusionWeightHeuristic float64
	MinConfidence         float64

	ReindexThreshold   float64
	SnapshotRateHz     float64
	StableDOMTimeout   time.Duration
	PierceShadowDOM    bool

	PromotionVacuumEvery time.Duration
	PromotionVacuumAge   time.Duration
}

// Load reads .env (if present, silently ignored otherwise), then layers
// HER_-prefixed environment variables and an optional config file over
// the defaults below.
func Load(configPath string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("HER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("storage_state_path", "")
	v.SetDefault("vector_cache_path", ".cache/vectors.db")
	v.SetDefault("promotion_db_path", ".cache/promotion.db")
	v.SetDefault("vector_cache_memory_entries", 1000)
	v.SetDefault("vector_cache_byte_cap", int64(256*1024*1024))
	v.SetDefault("embedding_dim", 256)
	v.SetDefault("embedding_batch_size", 32)
	v.SetDefault("fusion_weight_semantic", 0.6)
	v.SetDefault("fusion_weight_heuristic", 0.4)
	v.SetDefault("min_confidence", 0.4)
	v.SetDefault("reindex_threshold", 0.3)
	v.SetDefault("snapshot_rate_hz", 10.0)
	v.SetDefault("stable_dom_timeout", "5s")
	v.SetDefault("pierce_shadow_dom", true)
	v.SetDefault("promotion_vacuum_every", "1h")
	v.SetDefault("promotion_vacuum_age", "720h")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	return Config{
		StorageStatePath:         v.GetString("storage_state_path"),
		VectorCachePath:          v.GetString("vector_cache_path"),
		PromotionDBPath:          v.GetString("promotion_db_path"),
		VectorCacheMemoryEntries: v.GetInt("vector_cache_memory_entries"),
		VectorCacheByteCap:       v.GetInt64("vector_cache_byte_cap"),
		EmbeddingDim:             v.GetInt("embedding_dim"),
		EmbeddingBatchSize:       v.GetInt("embedding_batch_size"),
		FusionWeightSemantic:     v.GetFloat64("fusion_weight_semantic"),
		FusionWeightHeuristic:    v.GetFloat64("fusion_weight_heuristic"),
		MinConfidence:            v.GetFloat64("min_confidence"),
		ReindexThreshold:         v.GetFloat64("reindex_threshold"),
		SnapshotRateHz:           v.GetFloat64("snapshot_rate_hz"),
		StableDOMTimeout:         v.GetDuration("stable_dom_timeout"),
		PierceShadowDOM:          v.GetBool("pierce_shadow_dom"),
		PromotionVacuumEvery:     v.GetDuration("promotion_vacuum_every"),
		PromotionVacuumAge:       v.GetDuration("promotion_vacuum_age"),
	}, nil
}
