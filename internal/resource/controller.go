// Package resource implements the Resource Coordinator: the mesh member
// that watches the other five coordinators and reacts to sustained
// trouble by raising concurrency limits or clearing caches, rather than
// fronting a component of its own.
package resource

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shannon-memory/memengine/internal/circuitbreaker"
	"github.com/shannon-memory/memengine/internal/coordinator"
)

// CacheClearer is satisfied by the cache layer; the controller calls
// Clear when circuit-breaker trips exceed the configured threshold.
type CacheClearer interface {
	Clear()
}

// Resizable is the subset of *coordinator.Coordinator the controller
// needs to watch and adjust.
type Resizable interface {
	Kind() coordinator.Kind
	Concurrency() int64
	Resize(int64)
	BreakerState() circuitbreaker.State
}

// Config tunes the controller's reaction thresholds.
type Config struct {
	// EvalInterval is how often the controller reassesses SLA violation
	// and breaker trip rates.
	EvalInterval time.Duration
	// ViolationWindow is the trailing window over which the SLA
	// violation rate is computed.
	ViolationWindow time.Duration
	// ViolationRateThreshold triggers a concurrency raise when exceeded
	// (spec default: 10% over the last minute).
	ViolationRateThreshold float64
	// GrowthFactor multiplies a coordinator's concurrency when the
	// violation threshold trips.
	GrowthFactor float64
	// MaxConcurrency bounds how far a coordinator may be grown.
	MaxConcurrency int64
	// TripWindow is the trailing window over which breaker trips are
	// counted.
	TripWindow time.Duration
	// TripCountThreshold triggers a cache clear when exceeded within
	// TripWindow.
	TripCountThreshold int
}

// DefaultConfig returns the spec-mandated thresholds.
func DefaultConfig() Config {
	return Config{
		EvalInterval:           10 * time.Second,
		ViolationWindow:        time.Minute,
		ViolationRateThreshold: 0.10,
		GrowthFactor:           1.5,
		MaxConcurrency:         256,
		TripWindow:             time.Minute,
		TripCountThreshold:     3,
	}
}

type outcome struct {
	at        time.Time
	violation bool
}

// Controller owns adaptive concurrency for the reliability mesh: it
// samples SLA-violation reports from callers (the Search Coordinator's
// caller knows the SLA; the Resource Coordinator does not reimplement
// it), raises the offending coordinator's concurrency when violations
// persist, and clears caches when circuit breakers are tripping
// repeatedly.
type Controller struct {
	cfg          Config
	coordinators map[coordinator.Kind]Resizable
	cache        CacheClearer
	logger       *zap.Logger

	mu        sync.Mutex
	outcomes  map[coordinator.Kind][]outcome
	tripTimes map[coordinator.Kind][]time.Time
	lastState map[coordinator.Kind]circuitbreaker.State
	stopCh    chan struct{}
	started   bool
	wg        sync.WaitGroup
}

// NewController builds a Resource Coordinator watching the given
// coordinators and, if non-nil, clearing cache on repeated trips.
func NewController(cfg Config, coordinators []Resizable, cache CacheClearer, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	byKind := make(map[coordinator.Kind]Resizable, len(coordinators))
	lastState := make(map[coordinator.Kind]circuitbreaker.State, len(coordinators))
	for _, c := range coordinators {
		byKind[c.Kind()] = c
		lastState[c.Kind()] = c.BreakerState()
	}
	return &Controller{
		cfg:          cfg,
		coordinators: byKind,
		cache:        cache,
		logger:       logger,
		outcomes:     make(map[coordinator.Kind][]outcome),
		tripTimes:    make(map[coordinator.Kind][]time.Time),
		lastState:    lastState,
		stopCh:       make(chan struct{}),
	}
}

// RecordOutcome reports whether a call through the named coordinator
// violated its SLA. Callers that know a latency budget (e.g. the Search
// Coordinator's 50ms cap) report outcomes here; the controller itself
// stays budget-agnostic.
func (c *Controller) RecordOutcome(kind coordinator.Kind, violated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[kind] = append(c.outcomes[kind], outcome{at: time.Now(), violation: violated})
}

// Start begins the background evaluation loop.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.loop()
}

// Stop halts the background evaluation loop.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Evaluate(time.Now())
		}
	}
}

// Evaluate runs one assessment pass against the given reference time,
// exported so tests (and a caller wanting synchronous control) can drive
// it without waiting on the ticker.
func (c *Controller) Evaluate(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detectTrips(now)

	for kind, rz := range c.coordinators {
		rate := c.violationRate(kind, now)
		if rate <= c.cfg.ViolationRateThreshold {
			continue
		}
		cur := rz.Concurrency()
		next := int64(float64(cur) * c.cfg.GrowthFactor)
		if next <= cur {
			next = cur + 1
		}
		if next > c.cfg.MaxConcurrency {
			next = c.cfg.MaxConcurrency
		}
		if next == cur {
			continue
		}
		rz.Resize(next)
		c.logger.Warn("raised coordinator concurrency on sustained SLA violation",
			zap.String("coordinator", kind.String()),
			zap.Float64("violation_rate", rate),
			zap.Int64("from", cur),
			zap.Int64("to", next),
		)
	}
}

// violationRate computes the fraction of recorded outcomes within
// ViolationWindow that were violations, pruning stale samples as it
// goes. Must be called with c.mu held.
func (c *Controller) violationRate(kind coordinator.Kind, now time.Time) float64 {
	cutoff := now.Add(-c.cfg.ViolationWindow)
	samples := c.outcomes[kind]
	kept := samples[:0]
	violations := 0
	for _, s := range samples {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		if s.violation {
			violations++
		}
	}
	c.outcomes[kind] = kept
	if len(kept) == 0 {
		return 0
	}
	return float64(violations) / float64(len(kept))
}

// detectTrips polls each coordinator's breaker state, records a trip
// whenever it observes a transition into Open, prunes trips outside
// TripWindow, and clears the cache if the trip count within the window
// exceeds the threshold. Must be called with c.mu held.
func (c *Controller) detectTrips(now time.Time) {
	cutoff := now.Add(-c.cfg.TripWindow)
	totalRecent := 0
	for kind, rz := range c.coordinators {
		state := rz.BreakerState()
		if state == circuitbreaker.StateOpen && c.lastState[kind] != circuitbreaker.StateOpen {
			c.tripTimes[kind] = append(c.tripTimes[kind], now)
		}
		c.lastState[kind] = state

		times := c.tripTimes[kind]
		kept := times[:0]
		for _, t := range times {
			if !t.Before(cutoff) {
				kept = append(kept, t)
			}
		}
		c.tripTimes[kind] = kept
		totalRecent += len(kept)
	}

	if totalRecent > c.cfg.TripCountThreshold && c.cache != nil {
		c.logger.Warn("clearing cache after repeated circuit breaker trips",
			zap.Int("trip_count", totalRecent),
			zap.Duration("window", c.cfg.TripWindow),
		)
		c.cache.Clear()
	}
}
