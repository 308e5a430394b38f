package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannon-memory/memengine/internal/circuitbreaker"
	"github.com/shannon-memory/memengine/internal/coordinator"
)

type fakeCoordinator struct {
	kind        coordinator.Kind
	concurrency int64
	state       circuitbreaker.State
}

func (f *fakeCoordinator) Kind() coordinator.Kind             { return f.kind }
func (f *fakeCoordinator) Concurrency() int64                 { return f.concurrency }
func (f *fakeCoordinator) Resize(n int64)                     { f.concurrency = n }
func (f *fakeCoordinator) BreakerState() circuitbreaker.State { return f.state }

type fakeCache struct{ cleared int }

func (f *fakeCache) Clear() { f.cleared++ }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EvalInterval = time.Millisecond
	return cfg
}

func TestEvaluateRaisesConcurrencyOnSustainedViolation(t *testing.T) {
	search := &fakeCoordinator{kind: coordinator.Search, concurrency: 10}
	cfg := testConfig()
	cfg.GrowthFactor = 2
	cfg.MaxConcurrency = 100
	ctrl := NewController(cfg, []Resizable{search}, nil, nil)

	now := time.Now()
	for i := 0; i < 9; i++ {
		ctrl.RecordOutcome(coordinator.Search, false)
	}
	for i := 0; i < 2; i++ {
		ctrl.RecordOutcome(coordinator.Search, true)
	}
	// 2/11 ~ 18% > 10% threshold
	ctrl.Evaluate(now)

	assert.Equal(t, int64(20), search.Concurrency())
}

func TestEvaluateLeavesConcurrencyBelowThreshold(t *testing.T) {
	search := &fakeCoordinator{kind: coordinator.Search, concurrency: 10}
	ctrl := NewController(testConfig(), []Resizable{search}, nil, nil)

	now := time.Now()
	for i := 0; i < 20; i++ {
		ctrl.RecordOutcome(coordinator.Search, false)
	}
	ctrl.RecordOutcome(coordinator.Search, true)
	ctrl.Evaluate(now)

	assert.Equal(t, int64(10), search.Concurrency())
}

func TestEvaluateRespectsMaxConcurrency(t *testing.T) {
	search := &fakeCoordinator{kind: coordinator.Search, concurrency: 90}
	cfg := testConfig()
	cfg.GrowthFactor = 2
	cfg.MaxConcurrency = 100
	ctrl := NewController(cfg, []Resizable{search}, nil, nil)

	now := time.Now()
	ctrl.RecordOutcome(coordinator.Search, true)
	ctrl.Evaluate(now)

	assert.Equal(t, int64(100), search.Concurrency())
}

func TestViolationWindowPrunesStaleSamples(t *testing.T) {
	search := &fakeCoordinator{kind: coordinator.Search, concurrency: 10}
	cfg := testConfig()
	cfg.ViolationWindow = time.Minute
	ctrl := NewController(cfg, []Resizable{search}, nil, nil)

	old := time.Now().Add(-2 * time.Minute)
	ctrl.mu.Lock()
	ctrl.outcomes[coordinator.Search] = []outcome{{at: old, violation: true}}
	ctrl.mu.Unlock()

	ctrl.Evaluate(time.Now())
	assert.Equal(t, int64(10), search.Concurrency())
}

func TestDetectTripsClearsCacheAfterThreshold(t *testing.T) {
	search := &fakeCoordinator{kind: coordinator.Search, concurrency: 10, state: circuitbreaker.StateClosed}
	cache := &fakeCache{}
	cfg := testConfig()
	cfg.TripCountThreshold = 1
	ctrl := NewController(cfg, []Resizable{search}, cache, nil)

	now := time.Now()
	search.state = circuitbreaker.StateOpen
	ctrl.Evaluate(now)
	search.state = circuitbreaker.StateClosed
	ctrl.Evaluate(now.Add(time.Millisecond))
	search.state = circuitbreaker.StateOpen
	ctrl.Evaluate(now.Add(2 * time.Millisecond))

	assert.GreaterOrEqual(t, cache.cleared, 1)
}

func TestDetectTripsIgnoresSteadyOpenState(t *testing.T) {
	search := &fakeCoordinator{kind: coordinator.Search, concurrency: 10, state: circuitbreaker.StateOpen}
	cache := &fakeCache{}
	cfg := testConfig()
	cfg.TripCountThreshold = 5
	ctrl := NewController(cfg, []Resizable{search}, cache, nil)

	now := time.Now()
	for i := 0; i < 3; i++ {
		ctrl.Evaluate(now.Add(time.Duration(i) * time.Millisecond))
	}

	assert.Equal(t, 0, cache.cleared)
}

func TestStartStopIsIdempotent(t *testing.T) {
	ctrl := NewController(testConfig(), nil, nil, nil)
	ctrl.Start()
	ctrl.Start()
	ctrl.Stop()
	ctrl.Stop()
	require.False(t, ctrl.started)
}
