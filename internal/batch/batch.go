// Package batch implements the memory engine's batch GPU processor: it
// coalesces many concurrent single-text embed calls into fewer, larger
// inference dispatches, amortizing per-call device overhead, and falls
// back to a CPU backend for the current dispatch when the GPU backend
// fails with an out-of-memory signal — the same backend-tries-then-
// CPU-falls-back shape the accelerator package in the pack uses for GPU
// search.
package batch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shannon-memory/memengine/internal/embedding"
	"github.com/shannon-memory/memengine/internal/errs"
)

const component = "batch"

// Config controls dispatch triggers and adaptive sizing.
type Config struct {
	MaxBatchSize int
	TimeoutMs    int

	// AdaptiveSizing enables the rolling-latency-window grow/shrink policy.
	AdaptiveSizing  bool
	MinBatchSize    int
	TargetLatencyMs int
	WindowSize      int
}

// DefaultConfig mirrors the engine's default batch tuning.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:    32,
		TimeoutMs:       30,
		AdaptiveSizing:  true,
		MinBatchSize:    4,
		TargetLatencyMs: 40,
		WindowSize:      20,
	}
}

type request struct {
	ctx      context.Context
	text     string
	resultCh chan result
}

type result struct {
	vec []float32
	err error
}

// Processor is the engine's single point of entry for individual embed
// requests: each caller submits one text and receives one vector, while
// internally requests are coalesced into batches dispatched to a backend.
type Processor struct {
	cfg     Config
	primary embedding.Backend
	// fallback re-runs the whole batch when primary fails with an OOM
	// signal. May be nil if no CPU fallback backend is configured
	// (e.g. the primary already is the CPU/hash backend).
	fallback embedding.Backend
	logger   *zap.Logger

	queue  chan *request
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.Mutex
	currentMaxBatch int
	latencies       *latencyWindow
	pool            *bufferPool

	gpuFallbackActive atomic.Bool
}

// NewProcessor builds a Processor. primary is typically a GPU-configured
// embedding backend; fallback, if non-nil, re-runs the whole batch whenever
// primary signals an out-of-memory failure.
func NewProcessor(primary, fallback embedding.Backend, cfg Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = DefaultConfig().TimeoutMs
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}

	p := &Processor{
		cfg:             cfg,
		primary:         primary,
		fallback:        fallback,
		logger:          logger,
		queue:           make(chan *request, cfg.MaxBatchSize*4),
		stopCh:          make(chan struct{}),
		currentMaxBatch: cfg.MaxBatchSize,
		latencies:       newLatencyWindow(cfg.WindowSize),
		pool:            newBufferPool(),
	}
	return p
}

// Start launches the dispatch loop. Safe to call once.
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop drains the queue and halts the dispatch loop.
func (p *Processor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Embed submits a single text and blocks until its vector is ready or ctx
// is cancelled.
func (p *Processor) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &request{ctx: ctx, text: text, resultCh: make(chan result, 1)}
	select {
	case p.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, errs.New(errs.Infrastructure, component, "embed", "processor stopped", nil)
	}

	select {
	case res := <-req.resultCh:
		return res.vec, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GPUFallbackActive reports whether the most recent dispatch ran on the
// fallback backend because the primary failed with an OOM signal.
func (p *Processor) GPUFallbackActive() bool {
	return p.gpuFallbackActive.Load()
}

func (p *Processor) run() {
	defer p.wg.Done()
	timeout := time.Duration(p.cfg.TimeoutMs) * time.Millisecond
	var pending []*request
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		p.dispatch(batch)
	}

	for {
		maxBatch := p.maxBatchSize()
		select {
		case <-p.stopCh:
		drain:
			for {
				select {
				case req := <-p.queue:
					pending = append(pending, req)
				default:
					break drain
				}
			}
			flush()
			return
		case req := <-p.queue:
			pending = append(pending, req)
			if len(pending) == 1 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
			}
			if len(pending) >= maxBatch {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(timeout)
		}
	}
}

// dispatch runs one inference call for the accumulated batch, completing
// every caller in FIFO submission order, and adapts the next batch size
// from the observed latency.
func (p *Processor) dispatch(batch []*request) {
	texts := make([]string, len(batch))
	for i, r := range batch {
		texts[i] = r.text
	}

	bucket := bucketFor(len(texts))
	staged := p.pool.get(bucket)
	defer p.pool.put(bucket, staged)

	start := time.Now()
	vecs, usedFallback, err := p.runBackend(context.Background(), texts)
	elapsed := time.Since(start)

	p.gpuFallbackActive.Store(usedFallback)
	p.recordLatency(elapsed)

	if err != nil {
		for _, r := range batch {
			r.resultCh <- result{err: err}
		}
		return
	}

	staged = append(staged, vecs...)
	for i, r := range batch {
		r.resultCh <- result{vec: staged[i]}
	}
}

// runBackend tries the primary backend first; on an OOM signal it retries
// the whole batch on the fallback backend (if configured) rather than
// retrying individual callers — the current batch completes on CPU, per
// the engine's no-caller-retry fallback contract.
func (p *Processor) runBackend(ctx context.Context, texts []string) (vecs [][]float32, usedFallback bool, err error) {
	vecs, err = p.primary.EmbedBatch(ctx, texts)
	if err == nil {
		return vecs, false, nil
	}
	if !isOOMSignal(err) || p.fallback == nil {
		return nil, false, err
	}
	p.logger.Warn("gpu backend signaled out-of-memory, falling back to cpu for this batch",
		zap.Int("batch_size", len(texts)), zap.Error(err))
	vecs, err = p.fallback.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, true, err
	}
	return vecs, true, nil
}

func isOOMSignal(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "oom") ||
		strings.Contains(msg, "cuda_error_out_of_memory") ||
		strings.Contains(msg, "resource_exhausted")
}

func (p *Processor) maxBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentMaxBatch
}

// recordLatency feeds the rolling window and, when adaptive sizing is on,
// shrinks the batch size if recent dispatches overshoot the target latency
// or grows it if they undershoot, bounded by [MinBatchSize, cfg.MaxBatchSize].
func (p *Processor) recordLatency(d time.Duration) {
	if !p.cfg.AdaptiveSizing {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.latencies.add(d)
	if !p.latencies.full() {
		return
	}
	avg := p.latencies.average()
	target := time.Duration(p.cfg.TargetLatencyMs) * time.Millisecond

	switch {
	case avg > target && p.currentMaxBatch > p.cfg.MinBatchSize:
		p.currentMaxBatch--
	case avg < target/2 && p.currentMaxBatch < p.cfg.MaxBatchSize:
		p.currentMaxBatch++
	}
}
