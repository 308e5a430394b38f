// Package coordinator implements the reliability mesh fronting every
// component of the memory engine: a small async facade that bounds
// concurrency with a semaphore, gates calls through a circuit breaker,
// retries transient failures with backoff and jitter, enforces a timeout,
// and records outcome metrics. Six coordinators share this shape —
// Embedding, Search, Promotion, Backup, Health, Resource — differing only
// in their tuning.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shannon-memory/memengine/internal/circuitbreaker"
	"github.com/shannon-memory/memengine/internal/config"
	"github.com/shannon-memory/memengine/internal/errs"
)

// Reliability baselines that the hardcoded per-kind tuning below was
// designed against. A loaded config.ReliabilityConfig scales every
// coordinator's concurrency and circuit breaker tuning relative to these,
// so the reliability.* config keys actually drive behavior instead of
// being parsed and discarded.
const (
	baseFailureThreshold    = 5
	baseSuccessThresholdHlf = 2
	baseMaxHalfOpenRequests = 3
	baseRecoveryTimeoutMs   = 10_000
	baseMaxConcurrentOps    = 64
)

func scaleInt64(orig int64, num, den int) int64 {
	if num <= 0 || den <= 0 {
		return orig
	}
	v := orig * int64(num) / int64(den)
	if v < 1 {
		v = 1
	}
	return v
}

func scaleUint32(orig uint32, num, den int) uint32 {
	if num <= 0 || den <= 0 {
		return orig
	}
	v := int64(orig) * int64(num) / int64(den)
	if v < 1 {
		v = 1
	}
	return uint32(v)
}

func scaleDuration(orig time.Duration, num, den int) time.Duration {
	if num <= 0 || den <= 0 {
		return orig
	}
	return orig * time.Duration(num) / time.Duration(den)
}

// Kind names one of the six coordinator roles.
type Kind int

const (
	Embedding Kind = iota
	Search
	Promotion
	Backup
	Health
	Resource
)

func (k Kind) String() string {
	switch k {
	case Embedding:
		return "embedding"
	case Search:
		return "search"
	case Promotion:
		return "promotion"
	case Backup:
		return "backup"
	case Health:
		return "health"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

// Config is a coordinator's tuning: how many calls may run concurrently,
// how long a single attempt is given, and the retry/backoff policy applied
// to retriable failures.
type Config struct {
	Concurrency         int64
	Timeout             time.Duration
	MaxRetries          int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	RandomizationFactor float64

	// RetryRate and RetryBurst size a token bucket that widens the jitter
	// window applied on top of each exponential backoff wait: a coordinator
	// starved of tokens (many concurrent retries in flight) waits longer,
	// spreading a retry storm instead of letting every caller retry in
	// lockstep. Zero RetryRate disables this extra spreading.
	RetryRate  rate.Limit
	RetryBurst int
}

// defaultConfig returns spec-mandated defaults per coordinator kind: a
// 30s timeout everywhere except Search (hard 50ms cap) and Health (5s).
// Concurrency scales from rel.MaxConcurrentOps, preserving each kind's
// proportion of the baseMaxConcurrentOps this tuning was designed against.
func defaultConfig(kind Kind, rel config.ReliabilityConfig) Config {
	conc := func(base int64) int64 { return scaleInt64(base, rel.MaxConcurrentOps, baseMaxConcurrentOps) }
	switch kind {
	case Search:
		return Config{Concurrency: conc(64), Timeout: 50 * time.Millisecond, MaxRetries: 0}
	case Health:
		return Config{Concurrency: conc(8), Timeout: 5 * time.Second, MaxRetries: 1,
			BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, RandomizationFactor: 0.2,
			RetryRate: 20, RetryBurst: 4}
	case Embedding:
		return Config{Concurrency: conc(16), Timeout: 30 * time.Second, MaxRetries: 2,
			BaseBackoff: 50 * time.Millisecond, MaxBackoff: 2 * time.Second, RandomizationFactor: 0.3,
			RetryRate: 10, RetryBurst: 4}
	case Promotion:
		return Config{Concurrency: conc(2), Timeout: 30 * time.Second, MaxRetries: 1,
			BaseBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second, RandomizationFactor: 0.3,
			RetryRate: 5, RetryBurst: 2}
	case Backup:
		return Config{Concurrency: conc(1), Timeout: 30 * time.Second, MaxRetries: 1,
			BaseBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second, RandomizationFactor: 0.2,
			RetryRate: 2, RetryBurst: 1}
	default: // Resource
		return Config{Concurrency: conc(8), Timeout: 30 * time.Second, MaxRetries: 1,
			BaseBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second, RandomizationFactor: 0.3,
			RetryRate: 5, RetryBurst: 2}
	}
}

// breakerBase is a per-kind circuit breaker tuning before reliability
// scaling is applied.
type breakerBase struct {
	maxRequests      uint32
	interval         time.Duration
	timeout          time.Duration
	failureThreshold uint32
	successThreshold uint32
}

// scaled applies rel's failure_threshold, recovery_timeout_ms, and
// half-open tuning proportionally to b, the same way defaultConfig scales
// concurrency, then lets any CB_<NAME>_* environment variable override the
// result (applied by the Get*Config callers below).
func (b breakerBase) scaled(rel config.ReliabilityConfig) circuitbreaker.CircuitBreakerConfig {
	return circuitbreaker.CircuitBreakerConfig{
		MaxRequests:      scaleUint32(b.maxRequests, rel.MaxHalfOpenRequests, baseMaxHalfOpenRequests),
		Interval:         b.interval,
		Timeout:          scaleDuration(b.timeout, rel.RecoveryTimeoutMs, baseRecoveryTimeoutMs),
		FailureThreshold: scaleUint32(b.failureThreshold, rel.FailureThreshold, baseFailureThreshold),
		SuccessThreshold: scaleUint32(b.successThreshold, rel.SuccessThresholdHalf, baseSuccessThresholdHlf),
	}
}

func breakerConfigFor(kind Kind, rel config.ReliabilityConfig) circuitbreaker.Config {
	switch kind {
	case Embedding:
		base := breakerBase{3, 30 * time.Second, 10 * time.Second, 5, 2}
		return circuitbreaker.GetEmbeddingConfig(base.scaled(rel)).ToConfig()
	case Search:
		base := breakerBase{3, 30 * time.Second, 5 * time.Second, 5, 2}
		return circuitbreaker.GetSearchConfig(base.scaled(rel)).ToConfig()
	case Promotion:
		base := breakerBase{2, 60 * time.Second, 15 * time.Second, 3, 2}
		return circuitbreaker.GetPromotionConfig(base.scaled(rel)).ToConfig()
	case Backup:
		base := breakerBase{1, 120 * time.Second, 30 * time.Second, 3, 1}
		return circuitbreaker.GetBackupConfig(base.scaled(rel)).ToConfig()
	case Health:
		base := breakerBase{5, 15 * time.Second, 5 * time.Second, 5, 2}
		return circuitbreaker.GetHealthConfig(base.scaled(rel)).ToConfig()
	default:
		base := breakerBase{3, 30 * time.Second, 10 * time.Second, 5, 2}
		return circuitbreaker.GetResourceConfig(base.scaled(rel)).ToConfig()
	}
}

// Coordinator is the reliability-mesh facade in front of one component.
type Coordinator struct {
	name         string
	kind         Kind
	cfg          Config
	sem          *semaphore.Weighted
	breaker      *circuitbreaker.CircuitBreaker
	retryLimiter *rate.Limiter
	logger       *zap.Logger
}

// New builds a coordinator of the given kind with the spec-mandated
// defaults for its role, scaled by appCfg.Reliability (a nil appCfg falls
// back to config.Default()).
func New(kind Kind, appCfg *config.Config, logger *zap.Logger) *Coordinator {
	rel := config.Default().Reliability
	if appCfg != nil {
		rel = appCfg.Reliability
	}
	return newCoordinator(kind, defaultConfig(kind, rel), rel, logger)
}

// NewWithConfig builds a coordinator with an explicit tuning, e.g. one
// resized at runtime by the Resource Coordinator. Its circuit breaker is
// tuned against config.Default().Reliability; callers that need the
// breaker itself scaled by a loaded reliability config should use New.
func NewWithConfig(kind Kind, cfg Config, logger *zap.Logger) *Coordinator {
	return newCoordinator(kind, cfg, config.Default().Reliability, logger)
}

func newCoordinator(kind Kind, cfg Config, rel config.ReliabilityConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := kind.String()
	cb := circuitbreaker.NewCircuitBreaker(name, breakerConfigFor(kind, rel), logger)
	circuitbreaker.GlobalMetricsCollector.RegisterCircuitBreaker(name, "memengine", cb)

	var limiter *rate.Limiter
	if cfg.RetryRate > 0 {
		limiter = rate.NewLimiter(cfg.RetryRate, cfg.RetryBurst)
	}
	return &Coordinator{
		name:         name,
		kind:         kind,
		cfg:          cfg,
		sem:          semaphore.NewWeighted(cfg.Concurrency),
		breaker:      cb,
		retryLimiter: limiter,
		logger:       logger,
	}
}

// Kind reports which of the six roles this coordinator fills.
func (c *Coordinator) Kind() Kind { return c.kind }

// Resize changes the coordinator's concurrency limit, used by the Resource
// Coordinator to raise capacity under sustained SLA violation.
func (c *Coordinator) Resize(concurrency int64) {
	c.cfg.Concurrency = concurrency
	c.sem = semaphore.NewWeighted(concurrency)
}

// Concurrency reports the coordinator's current semaphore capacity.
func (c *Coordinator) Concurrency() int64 { return c.cfg.Concurrency }

// BreakerState reports the coordinator's circuit breaker state, polled by
// the Resource Coordinator to detect trip storms.
func (c *Coordinator) BreakerState() circuitbreaker.State { return c.breaker.State() }

// BreakerCounts reports the coordinator's circuit breaker counters.
func (c *Coordinator) BreakerCounts() circuitbreaker.Counts { return c.breaker.Counts() }

// Run acquires a concurrency permit, gates the call through the circuit
// breaker, retries retriable failures with backoff and jitter, and reports
// outcome metrics. fn receives a context bound to the coordinator's
// per-attempt timeout.
func (c *Coordinator) Run(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		recordRejection(c.name, "concurrency")
		return nil, errs.ResourceExhaustedErr(c.name, op, "concurrency limit reached")
	}
	defer c.sem.Release(1)

	start := time.Now()
	var result any
	breakerErr := c.breaker.Execute(ctx, func() error {
		r, err := c.runWithRetry(ctx, op, fn)
		result = r
		return err
	})
	recordLatency(c.name, time.Since(start))

	if breakerErr != nil {
		if errors.Is(breakerErr, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(breakerErr, circuitbreaker.ErrTooManyRequests) {
			recordRejection(c.name, "circuit_open")
			circuitbreaker.GlobalMetricsCollector.RecordRequest(c.name, "memengine", c.breaker.State(), false)
			return nil, errs.CircuitOpenErr(c.name, op, c.cfg.Timeout.Milliseconds())
		}
		circuitbreaker.GlobalMetricsCollector.RecordRequest(c.name, "memengine", c.breaker.State(), false)
		return nil, breakerErr
	}
	circuitbreaker.GlobalMetricsCollector.RecordRequest(c.name, "memengine", c.breaker.State(), true)
	return result, nil
}

// Result carries the outcome of a tolerant call: either a value, or a Miss
// indicating the call exceeded the coordinator's hard deadline without
// that being treated as an error.
type Result struct {
	Value any
	Miss  bool
}

// RunTolerant is Run for the Search Coordinator's contract: a timeout
// under the hard SLA cap is counted (via the circuit breaker and the miss
// metric) but surfaced to the caller as a miss, not an error.
func (c *Coordinator) RunTolerant(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (Result, error) {
	v, err := c.Run(ctx, op, fn)
	if err != nil {
		if errs.Is(err, errs.Timeout) {
			recordMiss(c.name)
			return Result{Miss: true}, nil
		}
		return Result{}, err
	}
	return Result{Value: v}, nil
}

func (c *Coordinator) runWithRetry(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.RandomizationFactor = c.cfg.RandomizationFactor
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // attempt count, not elapsed time, bounds the loop

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		result, fnErr := fn(callCtx)
		timedOut := callCtx.Err() != nil && ctx.Err() == nil
		cancel()

		var err error
		if timedOut {
			// The attempt's own error (if any) is a side effect of the
			// deadline, not application semantics; classify by deadline.
			err = errs.TimeoutErr(c.name, op)
		} else {
			err = fnErr
		}

		if err == nil {
			return result, nil
		}
		lastErr = err

		if !errs.KindOf(err).Retriable() {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}
		recordRetry(c.name)
		c.logger.Debug("retrying after failure",
			zap.String("coordinator", c.name),
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if c.retryLimiter != nil {
			wait += c.retryLimiter.Reserve().Delay()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// NewEmbeddingCoordinator fronts the Embedding Service (C1) and Batch
// Processor (C2).
func NewEmbeddingCoordinator(appCfg *config.Config, logger *zap.Logger) *Coordinator {
	return New(Embedding, appCfg, logger)
}

// NewSearchCoordinator fronts similarity search across the Vector Store
// (C3) and HNSW Index (C4), enforcing the hard 50ms SLA cap.
func NewSearchCoordinator(appCfg *config.Config, logger *zap.Logger) *Coordinator {
	return New(Search, appCfg, logger)
}

// NewPromotionCoordinator fronts the Promotion Engine (C5) background
// cycle.
func NewPromotionCoordinator(appCfg *config.Config, logger *zap.Logger) *Coordinator {
	return New(Promotion, appCfg, logger)
}

// NewBackupCoordinator fronts create_backup/restore (C10).
func NewBackupCoordinator(appCfg *config.Config, logger *zap.Logger) *Coordinator {
	return New(Backup, appCfg, logger)
}

// NewHealthCoordinator fronts health checks (C9).
func NewHealthCoordinator(appCfg *config.Config, logger *zap.Logger) *Coordinator {
	return New(Health, appCfg, logger)
}

// NewResourceCoordinator fronts the Resource Controller's own
// administrative calls (resizing other coordinators, clearing caches).
func NewResourceCoordinator(appCfg *config.Config, logger *zap.Logger) *Coordinator {
	return New(Resource, appCfg, logger)
}
