package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shannon-memory/memengine/internal/circuitbreaker"
	"github.com/shannon-memory/memengine/internal/coordinator"
	"github.com/shannon-memory/memengine/internal/hnsw"
	"github.com/shannon-memory/memengine/internal/store"
	"github.com/shannon-memory/memengine/internal/types"
)

// EmbeddingHealthChecker checks the embedding backend by round-tripping a
// short probe text and reporting the circuit breaker's state alongside
// latency.
type EmbeddingHealthChecker struct {
	coord   *coordinator.Coordinator
	probe   func(ctx context.Context) error
	logger  *zap.Logger
	timeout time.Duration
}

// NewEmbeddingHealthChecker creates an embedding service health checker.
// probe should embed a short fixed string and discard the result.
func NewEmbeddingHealthChecker(coord *coordinator.Coordinator, probe func(ctx context.Context) error, logger *zap.Logger) *EmbeddingHealthChecker {
	return &EmbeddingHealthChecker{coord: coord, probe: probe, logger: logger, timeout: 5 * time.Second}
}

func (e *EmbeddingHealthChecker) Name() string           { return "embedding" }
func (e *EmbeddingHealthChecker) IsCritical() bool       { return true }
func (e *EmbeddingHealthChecker) Timeout() time.Duration { return e.timeout }

func (e *EmbeddingHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "embedding", Critical: true, Timestamp: startTime}

	if e.coord != nil && e.coord.BreakerState() == circuitbreaker.StateOpen {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "embedding coordinator circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := e.probe(ctx)
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "embedding probe failed"
		result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
		return result
	}

	if result.Duration > 200*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "embedding backend responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "embedding backend healthy"
	}
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	return result
}

// VectorStoreHealthChecker checks the per-tier BadgerDB store by counting
// records in each layer.
type VectorStoreHealthChecker struct {
	st      *store.Store
	logger  *zap.Logger
	timeout time.Duration
}

// NewVectorStoreHealthChecker creates a vector store health checker.
func NewVectorStoreHealthChecker(st *store.Store, logger *zap.Logger) *VectorStoreHealthChecker {
	return &VectorStoreHealthChecker{st: st, logger: logger, timeout: 5 * time.Second}
}

func (v *VectorStoreHealthChecker) Name() string           { return "vector_store" }
func (v *VectorStoreHealthChecker) IsCritical() bool       { return true }
func (v *VectorStoreHealthChecker) Timeout() time.Duration { return v.timeout }

func (v *VectorStoreHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "vector_store", Critical: true, Timestamp: startTime}

	counts := make(map[string]interface{}, len(types.Layers))
	for _, layer := range types.Layers {
		n, err := v.st.Count(layer)
		result.Duration = time.Since(startTime)
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			result.Message = "vector store count failed for tier " + layer.String()
			return result
		}
		counts[layer.String()] = n
	}

	if result.Duration > 500*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "vector store responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "vector store healthy"
	}
	result.Details = counts
	return result
}

// IndexHealthChecker checks an HNSW index's tombstone ratio, a proxy for
// whether compaction is falling behind.
type IndexHealthChecker struct {
	layer           types.Layer
	index           *hnsw.Index
	tombstoneFactor float64
	logger          *zap.Logger
	timeout         time.Duration
}

// NewIndexHealthChecker creates an HNSW index health checker for one tier.
func NewIndexHealthChecker(layer types.Layer, index *hnsw.Index, logger *zap.Logger) *IndexHealthChecker {
	return &IndexHealthChecker{layer: layer, index: index, tombstoneFactor: 0.3, logger: logger, timeout: 5 * time.Second}
}

func (i *IndexHealthChecker) Name() string           { return "index_" + i.layer.String() }
func (i *IndexHealthChecker) IsCritical() bool       { return false }
func (i *IndexHealthChecker) Timeout() time.Duration { return i.timeout }

func (i *IndexHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: i.Name(), Critical: false, Timestamp: startTime}

	size := i.index.Size()
	tombstones := i.index.Tombstones()
	result.Duration = time.Since(startTime)

	ratio := 0.0
	if size > 0 {
		ratio = float64(tombstones) / float64(size)
	}

	if ratio > i.tombstoneFactor {
		result.Status = StatusDegraded
		result.Message = "index tombstone ratio above threshold, compaction is falling behind"
	} else {
		result.Status = StatusHealthy
		result.Message = "index healthy"
	}
	result.Details = map[string]interface{}{
		"size":            size,
		"tombstones":      tombstones,
		"tombstone_ratio": ratio,
	}
	return result
}

// PromotionHealthChecker checks that the promotion cycle is running on
// schedule by comparing the time of its last completed cycle against the
// configured interval.
type PromotionHealthChecker struct {
	lastCycleAt  func() time.Time
	cycleInterval time.Duration
	logger        *zap.Logger
	timeout       time.Duration
}

// NewPromotionHealthChecker creates a promotion cycle health checker.
// lastCycleAt should return the timestamp of the most recently completed
// cycle (zero value if none has run yet).
func NewPromotionHealthChecker(cycleInterval time.Duration, lastCycleAt func() time.Time, logger *zap.Logger) *PromotionHealthChecker {
	return &PromotionHealthChecker{lastCycleAt: lastCycleAt, cycleInterval: cycleInterval, logger: logger, timeout: 5 * time.Second}
}

func (p *PromotionHealthChecker) Name() string           { return "promotion" }
func (p *PromotionHealthChecker) IsCritical() bool       { return false }
func (p *PromotionHealthChecker) Timeout() time.Duration { return p.timeout }

func (p *PromotionHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "promotion", Critical: false, Timestamp: startTime}

	last := p.lastCycleAt()
	result.Duration = time.Since(startTime)

	if last.IsZero() {
		result.Status = StatusDegraded
		result.Message = "promotion cycle has not completed yet"
		return result
	}

	overdueBy := time.Since(last) - p.cycleInterval
	if overdueBy > p.cycleInterval {
		result.Status = StatusUnhealthy
		result.Message = "promotion cycle is significantly overdue"
	} else if overdueBy > 0 {
		result.Status = StatusDegraded
		result.Message = "promotion cycle is overdue"
	} else {
		result.Status = StatusHealthy
		result.Message = "promotion cycle on schedule"
	}
	result.Details = map[string]interface{}{
		"last_cycle_at":   last,
		"cycle_interval_s": p.cycleInterval.Seconds(),
	}
	return result
}

// CustomHealthChecker allows ad hoc health check logic to be registered.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker.
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }
func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult { return c.checkFn(ctx) }
