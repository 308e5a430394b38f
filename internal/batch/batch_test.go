package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	dim      int
	err      error
	callLog  *[][]string
	mu       sync.Mutex
	delay    time.Duration
}

func (f *fakeBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	if f.callLog != nil {
		*f.callLog = append(*f.callLog, append([]string(nil), texts...))
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func (f *fakeBackend) Dimension() int { return f.dim }
func (f *fakeBackend) Close() error   { return nil }

func newProcessorForTest(t *testing.T, primary, fallback *fakeBackend, cfg Config) *Processor {
	t.Helper()
	p := NewProcessor(primary, fallback, cfg, nil)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestEmbedSingleRequest(t *testing.T) {
	backend := &fakeBackend{dim: 4}
	cfg := Config{MaxBatchSize: 8, TimeoutMs: 20}
	p := newProcessorForTest(t, backend, nil, cfg)

	v, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 4)
}

func TestEmbedCoalescesConcurrentRequests(t *testing.T) {
	var calls [][]string
	backend := &fakeBackend{dim: 4, callLog: &calls, delay: 10 * time.Millisecond}
	cfg := Config{MaxBatchSize: 16, TimeoutMs: 200}
	p := newProcessorForTest(t, backend, nil, cfg)

	var wg sync.WaitGroup
	n := 10
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Embed(context.Background(), "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Less(t, len(calls), n, "expected requests to coalesce into fewer than %d dispatches", n)
}

func TestEmbedRespectsTimeoutTrigger(t *testing.T) {
	backend := &fakeBackend{dim: 4}
	cfg := Config{MaxBatchSize: 100, TimeoutMs: 15}
	p := newProcessorForTest(t, backend, nil, cfg)

	start := time.Now()
	_, err := p.Embed(context.Background(), "solo")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestEmbedFallsBackOnOOM(t *testing.T) {
	primary := &fakeBackend{dim: 4, err: errors.New("CUDA_ERROR_OUT_OF_MEMORY: failed to allocate")}
	fallback := &fakeBackend{dim: 4}
	cfg := Config{MaxBatchSize: 4, TimeoutMs: 20}
	p := newProcessorForTest(t, primary, fallback, cfg)

	v, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.True(t, p.GPUFallbackActive())
}

func TestEmbedPropagatesNonOOMError(t *testing.T) {
	primary := &fakeBackend{dim: 4, err: errors.New("tokenizer exploded")}
	cfg := Config{MaxBatchSize: 4, TimeoutMs: 20}
	p := newProcessorForTest(t, primary, nil, cfg)

	_, err := p.Embed(context.Background(), "hello")
	assert.Error(t, err)
	assert.False(t, p.GPUFallbackActive())
}

func TestEmbedHonorsContextCancellation(t *testing.T) {
	backend := &fakeBackend{dim: 4, delay: 500 * time.Millisecond}
	cfg := Config{MaxBatchSize: 1, TimeoutMs: 1000}
	p := newProcessorForTest(t, backend, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Embed(ctx, "hello")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBucketForRoundsToPowerOfTwo(t *testing.T) {
	assert.Equal(t, 1, bucketFor(1))
	assert.Equal(t, 4, bucketFor(3))
	assert.Equal(t, 8, bucketFor(8))
	assert.Equal(t, 16, bucketFor(9))
}

func TestLatencyWindowAverage(t *testing.T) {
	w := newLatencyWindow(3)
	assert.False(t, w.full())
	w.add(10 * time.Millisecond)
	w.add(20 * time.Millisecond)
	w.add(30 * time.Millisecond)
	assert.True(t, w.full())
	assert.Equal(t, 20*time.Millisecond, w.average())

	w.add(60 * time.Millisecond)
	assert.Equal(t, (20+30+60)*time.Millisecond/3, w.average())
}
