package rerank

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// closableReranker counts Close calls for unload assertions.
type closableReranker struct {
	recordingReranker
	closed atomic.Int32
}

func (c *closableReranker) Close() error {
	c.closed.Add(1)
	return nil
}

func TestCacheCoalescesConcurrentLoads(t *testing.T) {
	var loads atomic.Int32
	cache, err := NewModelCache(ModelCacheOptions{
		Load: func(context.Context, ModelKey) (Reranker, error) {
			loads.Add(1)
			time.Sleep(10 * time.Millisecond)
			return &recordingReranker{}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	key := ModelKey{Model: "fast", Quantization: "int8"}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), key)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), loads.Load())
}

func TestCacheKeysByModelAndQuantization(t *testing.T) {
	var loads atomic.Int32
	cache, err := NewModelCache(ModelCacheOptions{
		Load: func(context.Context, ModelKey) (Reranker, error) {
			loads.Add(1)
			return &recordingReranker{}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	ctx := context.Background()
	_, err = cache.Get(ctx, ModelKey{Model: "fast", Quantization: "int8"})
	require.NoError(t, err)
	_, err = cache.Get(ctx, ModelKey{Model: "fast", Quantization: "fp16"})
	require.NoError(t, err)
	_, err = cache.Get(ctx, ModelKey{Model: "fast", Quantization: "int8"})
	require.NoError(t, err)
	require.Equal(t, int32(2), loads.Load())
}

func TestCacheUnloadsIdleModels(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	var loads atomic.Int32
	model := &closableReranker{}
	cache, err := NewModelCache(ModelCacheOptions{
		Load: func(context.Context, ModelKey) (Reranker, error) {
			loads.Add(1)
			return model, nil
		},
		Now: clock,
	})
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	key := ModelKey{Model: "fast"}
	_, err = cache.Get(context.Background(), key)
	require.NoError(t, err)

	// Still warm inside the idle window.
	advance(DefaultIdleUnload - time.Second)
	require.Zero(t, cache.evictIdle(clock()))

	// Using the model resets its idle clock.
	_, err = cache.Get(context.Background(), key)
	require.NoError(t, err)
	advance(DefaultIdleUnload - time.Second)
	require.Zero(t, cache.evictIdle(clock()))

	advance(time.Second)
	require.Equal(t, 1, cache.evictIdle(clock()))
	require.Equal(t, int32(1), model.closed.Load())

	// Next use reloads.
	_, err = cache.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, int32(2), loads.Load())
}

func TestCacheCloseUnloadsEverything(t *testing.T) {
	a, b := &closableReranker{}, &closableReranker{}
	models := map[string]*closableReranker{"a": a, "b": b}
	cache, err := NewModelCache(ModelCacheOptions{
		Load: func(_ context.Context, key ModelKey) (Reranker, error) {
			return models[key.Model], nil
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cache.Get(ctx, ModelKey{Model: "a"})
	require.NoError(t, err)
	_, err = cache.Get(ctx, ModelKey{Model: "b"})
	require.NoError(t, err)

	cache.Close()
	require.Equal(t, int32(1), a.closed.Load())
	require.Equal(t, int32(1), b.closed.Load())

	_, err = cache.Get(ctx, ModelKey{Model: "a"})
	require.ErrorContains(t, err, "model cache is closed")

	// Idempotent.
	cache.Close()
	require.Equal(t, int32(1), a.closed.Load())
}

func TestCacheLoadFailureIsNotCached(t *testing.T) {
	var loads atomic.Int32
	fail := true
	cache, err := NewModelCache(ModelCacheOptions{
		Load: func(context.Context, ModelKey) (Reranker, error) {
			loads.Add(1)
			if fail {
				return nil, context.DeadlineExceeded
			}
			return &recordingReranker{}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	key := ModelKey{Model: "fast"}
	_, err = cache.Get(context.Background(), key)
	require.Error(t, err)

	fail = false
	_, err = cache.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, int32(2), loads.Load())
}
