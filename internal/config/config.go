// Package config loads the memory engine's structured configuration from
// TOML, YAML, or JSON via viper (the teacher's loader library) and applies
// environment overrides under a fixed MEMENG_ prefix, following the
// env-override convention in internal/circuitbreaker/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the fixed prefix used for environment overrides:
// MEMENG_EMBEDDING_DIMENSION, MEMENG_HNSW_M, and so on.
const EnvPrefix = "MEMENG"

type EmbeddingConfig struct {
	ModelPath string `mapstructure:"model_path"`
	Dimension int    `mapstructure:"dimension"`
	MaxLength int    `mapstructure:"max_length"`
	UseGPU    bool   `mapstructure:"use_gpu"`
}

type BatchConfig struct {
	MaxBatchSize int `mapstructure:"max_batch_size"`
	TimeoutMs    int `mapstructure:"timeout_ms"`
}

type HNSWConfig struct {
	M              int `mapstructure:"m"`
	EfConstruction int `mapstructure:"ef_construction"`
	EfSearch       int `mapstructure:"ef_search"`
	MaxLayers      int `mapstructure:"max_layers"`
}

type PromotionConfig struct {
	InteractTTLHours  float64       `mapstructure:"interact_ttl_hours"`
	InsightsTTLDays   float64       `mapstructure:"insights_ttl_days"`
	PromoteThreshold  float64       `mapstructure:"promote_threshold"`
	SkipToAssetsAbove float64       `mapstructure:"skip_to_assets_above"`
	CycleInterval     time.Duration `mapstructure:"cycle_interval"`
	Scorer            string        `mapstructure:"scorer"`
	RetrainInterval   time.Duration `mapstructure:"retrain_interval"`
}

type CacheConfig struct {
	QueryTTLMs int `mapstructure:"query_ttl_ms"`
	MaxEntries int `mapstructure:"max_entries"`
}

type ReliabilityConfig struct {
	FailureThreshold     int `mapstructure:"failure_threshold"`
	RecoveryTimeoutMs    int `mapstructure:"recovery_timeout_ms"`
	MaxConcurrentOps     int `mapstructure:"max_concurrent_operations"`
	SuccessThresholdHalf int `mapstructure:"success_threshold_half_open"`
	MaxHalfOpenRequests  int `mapstructure:"max_half_open_requests"`
}

type PathsConfig struct {
	DBPath    string `mapstructure:"db_path"`
	CachePath string `mapstructure:"cache_path"`
}

// Config is the memory engine's single structured configuration.
type Config struct {
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Batch       BatchConfig       `mapstructure:"batch"`
	HNSW        HNSWConfig        `mapstructure:"hnsw"`
	Promotion   PromotionConfig   `mapstructure:"promotion"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Reliability ReliabilityConfig `mapstructure:"reliability"`
	Paths       PathsConfig       `mapstructure:"paths"`
}

// Default returns the engine's default configuration.
func Default() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Dimension: 1024,
			MaxLength: 512,
			UseGPU:    true,
		},
		Batch: BatchConfig{
			MaxBatchSize: 32,
			TimeoutMs:    30,
		},
		HNSW: HNSWConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       50,
			MaxLayers:      4,
		},
		Promotion: PromotionConfig{
			InteractTTLHours:  24,
			InsightsTTLDays:   30,
			PromoteThreshold:  0.5,
			SkipToAssetsAbove: 0.9,
			CycleInterval:     60 * time.Second,
			Scorer:            "hybrid",
			RetrainInterval:   24 * time.Hour,
		},
		Cache: CacheConfig{
			QueryTTLMs: 30_000,
			MaxEntries: 10_000,
		},
		Reliability: ReliabilityConfig{
			FailureThreshold:     5,
			RecoveryTimeoutMs:    10_000,
			MaxConcurrentOps:     64,
			SuccessThresholdHalf: 2,
			MaxHalfOpenRequests:  3,
		},
		Paths: PathsConfig{
			DBPath:    "./data",
			CachePath: "./data/cache",
		},
	}
}

// Load reads a TOML, YAML, or JSON config file at path (format auto-detected
// by viper from the extension), merges it onto the defaults, then applies
// MEMENG_* environment overrides, which always win over file config.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides scans MEMENG_<SECTION>_<FIELD> environment variables and
// overwrites the corresponding config field.
func applyEnvOverrides(cfg *Config) {
	cfg.Embedding.ModelPath = envString("EMBEDDING_MODEL_PATH", cfg.Embedding.ModelPath)
	cfg.Embedding.Dimension = envInt("EMBEDDING_DIMENSION", cfg.Embedding.Dimension)
	cfg.Embedding.MaxLength = envInt("EMBEDDING_MAX_LENGTH", cfg.Embedding.MaxLength)
	cfg.Embedding.UseGPU = envBool("EMBEDDING_USE_GPU", cfg.Embedding.UseGPU)

	cfg.Batch.MaxBatchSize = envInt("BATCH_MAX_BATCH_SIZE", cfg.Batch.MaxBatchSize)
	cfg.Batch.TimeoutMs = envInt("BATCH_TIMEOUT_MS", cfg.Batch.TimeoutMs)

	cfg.HNSW.M = envInt("HNSW_M", cfg.HNSW.M)
	cfg.HNSW.EfConstruction = envInt("HNSW_EF_CONSTRUCTION", cfg.HNSW.EfConstruction)
	cfg.HNSW.EfSearch = envInt("HNSW_EF_SEARCH", cfg.HNSW.EfSearch)
	cfg.HNSW.MaxLayers = envInt("HNSW_MAX_LAYERS", cfg.HNSW.MaxLayers)

	cfg.Promotion.InteractTTLHours = envFloat("PROMOTION_INTERACT_TTL_HOURS", cfg.Promotion.InteractTTLHours)
	cfg.Promotion.InsightsTTLDays = envFloat("PROMOTION_INSIGHTS_TTL_DAYS", cfg.Promotion.InsightsTTLDays)
	cfg.Promotion.PromoteThreshold = envFloat("PROMOTION_PROMOTE_THRESHOLD", cfg.Promotion.PromoteThreshold)
	cfg.Promotion.SkipToAssetsAbove = envFloat("PROMOTION_SKIP_TO_ASSETS_ABOVE", cfg.Promotion.SkipToAssetsAbove)
	cfg.Promotion.CycleInterval = envDuration("PROMOTION_CYCLE_INTERVAL", cfg.Promotion.CycleInterval)
	cfg.Promotion.Scorer = envString("PROMOTION_SCORER", cfg.Promotion.Scorer)
	cfg.Promotion.RetrainInterval = envDuration("PROMOTION_RETRAIN_INTERVAL", cfg.Promotion.RetrainInterval)

	cfg.Cache.QueryTTLMs = envInt("CACHE_QUERY_TTL_MS", cfg.Cache.QueryTTLMs)
	cfg.Cache.MaxEntries = envInt("CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)

	cfg.Reliability.FailureThreshold = envInt("RELIABILITY_FAILURE_THRESHOLD", cfg.Reliability.FailureThreshold)
	cfg.Reliability.RecoveryTimeoutMs = envInt("RELIABILITY_RECOVERY_TIMEOUT_MS", cfg.Reliability.RecoveryTimeoutMs)
	cfg.Reliability.MaxConcurrentOps = envInt("RELIABILITY_MAX_CONCURRENT_OPERATIONS", cfg.Reliability.MaxConcurrentOps)
	cfg.Reliability.SuccessThresholdHalf = envInt("RELIABILITY_SUCCESS_THRESHOLD_HALF_OPEN", cfg.Reliability.SuccessThresholdHalf)
	cfg.Reliability.MaxHalfOpenRequests = envInt("RELIABILITY_MAX_HALF_OPEN_REQUESTS", cfg.Reliability.MaxHalfOpenRequests)

	cfg.Paths.DBPath = envString("PATHS_DB_PATH", cfg.Paths.DBPath)
	cfg.Paths.CachePath = envString("PATHS_CACHE_PATH", cfg.Paths.CachePath)
}

func envKey(suffix string) string {
	return EnvPrefix + "_" + suffix
}

func envString(suffix, def string) string {
	if v := os.Getenv(envKey(suffix)); v != "" {
		return v
	}
	return def
}

func envInt(suffix string, def int) int {
	if v := os.Getenv(envKey(suffix)); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func envFloat(suffix string, def float64) float64 {
	if v := os.Getenv(envKey(suffix)); v != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(suffix string, def time.Duration) time.Duration {
	if v := os.Getenv(envKey(suffix)); v != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(suffix string, def bool) bool {
	if v := os.Getenv(envKey(suffix)); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}
