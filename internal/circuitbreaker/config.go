package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// CircuitBreakerConfig is the per-coordinator tuning a circuit breaker is
// built from.
type CircuitBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// GetEmbeddingConfig returns the Embedding Coordinator's circuit breaker
// configuration, seeded from base (itself derived from the engine's
// reliability config) and then overridden by any CB_EMBEDDING_* environment
// variable.
func GetEmbeddingConfig(base CircuitBreakerConfig) CircuitBreakerConfig {
	return fromEnv("CB_EMBEDDING", base)
}

// GetSearchConfig returns the Search Coordinator's circuit breaker
// configuration. Search carries the hard 50ms SLA, so its recovery timeout
// base (5s) is shorter than that of every other coordinator except Health,
// which shares it.
func GetSearchConfig(base CircuitBreakerConfig) CircuitBreakerConfig {
	return fromEnv("CB_SEARCH", base)
}

// GetPromotionConfig returns the Promotion Coordinator's circuit breaker
// configuration.
func GetPromotionConfig(base CircuitBreakerConfig) CircuitBreakerConfig {
	return fromEnv("CB_PROMOTION", base)
}

// GetBackupConfig returns the Backup Coordinator's circuit breaker
// configuration.
func GetBackupConfig(base CircuitBreakerConfig) CircuitBreakerConfig {
	return fromEnv("CB_BACKUP", base)
}

// GetHealthConfig returns the Health Coordinator's circuit breaker
// configuration.
func GetHealthConfig(base CircuitBreakerConfig) CircuitBreakerConfig {
	return fromEnv("CB_HEALTH", base)
}

// GetResourceConfig returns the Resource Coordinator's circuit breaker
// configuration.
func GetResourceConfig(base CircuitBreakerConfig) CircuitBreakerConfig {
	return fromEnv("CB_RESOURCE", base)
}

func fromEnv(prefix string, def CircuitBreakerConfig) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32(prefix+"_MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration(prefix+"_INTERVAL", def.Interval),
		Timeout:          getEnvDuration(prefix+"_TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32(prefix+"_FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"_SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

// ToConfig converts CircuitBreakerConfig to circuit breaker Config.
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		SuccessThreshold: cbc.SuccessThreshold,
		OnStateChange:    nil, // set by the coordinator that owns this breaker
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
