package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannon-memory/memengine/internal/errs"
)

func testCfg(maxRetries int) Config {
	return Config{
		Concurrency:         4,
		Timeout:             50 * time.Millisecond,
		MaxRetries:          maxRetries,
		BaseBackoff:         1 * time.Millisecond,
		MaxBackoff:          5 * time.Millisecond,
		RandomizationFactor: 0,
	}
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	c := NewWithConfig(Embedding, testCfg(0), nil)
	v, err := c.Run(context.Background(), "embed", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRunRetriesRetriableErrorThenSucceeds(t *testing.T) {
	c := NewWithConfig(Embedding, testCfg(2), nil)
	var calls int32
	v, err := c.Run(context.Background(), "embed", func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, errs.Infra("embedding", "embed", assert.AnError)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.EqualValues(t, 2, calls)
}

func TestRunDoesNotRetryNonRetriableError(t *testing.T) {
	c := NewWithConfig(Embedding, testCfg(3), nil)
	var calls int32
	_, err := c.Run(context.Background(), "embed", func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errs.Validationf("embedding", "embed", "bad input")
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Validation))
	assert.EqualValues(t, 1, calls)
}

func TestRunOpensCircuitAfterConsecutiveFailures(t *testing.T) {
	c := NewWithConfig(Promotion, testCfg(0), nil)
	failing := func(ctx context.Context) (any, error) {
		return nil, errs.Infra("promotion", "cycle", assert.AnError)
	}

	// Promotion's default breaker config trips at 3 consecutive failures.
	for i := 0; i < 3; i++ {
		_, err := c.Run(context.Background(), "cycle", failing)
		require.Error(t, err)
	}

	_, err := c.Run(context.Background(), "cycle", failing)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CircuitOpen))
}

func TestRunTimesOutAndWrapsAsTimeout(t *testing.T) {
	c := NewWithConfig(Embedding, testCfg(0), nil)
	_, err := c.Run(context.Background(), "embed", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Timeout))
}

func TestSearchCoordinatorSurfacesTimeoutAsMiss(t *testing.T) {
	c := NewWithConfig(Search, testCfg(0), nil)
	res, err := c.RunTolerant(context.Background(), "search", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	assert.True(t, res.Miss)
	assert.Nil(t, res.Value)
}

func TestRunHonorsCallerCancellation(t *testing.T) {
	c := NewWithConfig(Embedding, testCfg(3), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, "embed", func(ctx context.Context) (any, error) {
		return nil, errs.Infra("embedding", "embed", assert.AnError)
	})
	require.Error(t, err)
}

func TestResizeSerializesUnderReducedConcurrency(t *testing.T) {
	c := NewWithConfig(Resource, testCfg(0), nil)
	c.Resize(1)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_, _ = c.Run(context.Background(), "op", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
		close(done)
	}()

	<-started

	secondStarted := make(chan struct{})
	go func() {
		_, _ = c.Run(context.Background(), "op", func(ctx context.Context) (any, error) {
			close(secondStarted)
			return nil, nil
		})
	}()

	select {
	case <-secondStarted:
		t.Fatal("second call started before first released its permit")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	<-secondStarted
}

func TestCoordinatorKindString(t *testing.T) {
	assert.Equal(t, "embedding", Embedding.String())
	assert.Equal(t, "search", Search.String())
	assert.Equal(t, "promotion", Promotion.String())
	assert.Equal(t, "backup", Backup.String())
	assert.Equal(t, "health", Health.String())
	assert.Equal(t, "resource", Resource.String())
}
