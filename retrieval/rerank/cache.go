package rerank

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/engram/telemetry"
)

// DefaultIdleUnload is how long a model stays loaded without use.
const DefaultIdleUnload = 5 * time.Minute

const defaultJanitorEvery = time.Minute

type (
	// ModelKey identifies one loaded model variant.
	ModelKey struct {
		Model        string
		Quantization string
	}

	// LoadFunc materializes the reranker for a key: opening the HTTP
	// session, warming the remote model, whatever the backend needs.
	LoadFunc func(ctx context.Context, key ModelKey) (Reranker, error)

	// ModelCacheOptions configures the cache.
	ModelCacheOptions struct {
		// Load materializes models. Required.
		Load LoadFunc
		// IdleUnload evicts models unused for this long. Defaults to 5
		// minutes.
		IdleUnload time.Duration
		// JanitorEvery is the eviction sweep cadence. Defaults to 1 minute.
		JanitorEvery time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// ModelCache keeps one reranker per model variant. Concurrent loads of
	// the same key coalesce; models idle past the unload window are closed
	// by a janitor and reload on next use. Close unloads everything and
	// stops the janitor.
	ModelCache struct {
		load   LoadFunc
		idle   time.Duration
		logger telemetry.Logger
		now    func() time.Time

		group singleflight.Group

		mu      sync.Mutex
		entries map[ModelKey]*cacheEntry
		stop    chan struct{}
		closed  bool
	}

	cacheEntry struct {
		reranker Reranker
		lastUsed time.Time
	}
)

// NewModelCache creates the cache and starts its eviction janitor.
func NewModelCache(opts ModelCacheOptions) (*ModelCache, error) {
	if opts.Load == nil {
		return nil, fmt.Errorf("rerank: model load func is required")
	}
	if opts.IdleUnload <= 0 {
		opts.IdleUnload = DefaultIdleUnload
	}
	if opts.JanitorEvery <= 0 {
		opts.JanitorEvery = defaultJanitorEvery
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &ModelCache{
		load:    opts.Load,
		idle:    opts.IdleUnload,
		logger:  opts.Logger,
		now:     opts.Now,
		entries: make(map[ModelKey]*cacheEntry),
		stop:    make(chan struct{}),
	}
	go c.janitor(opts.JanitorEvery)
	return c, nil
}

// Get returns the loaded model for key, loading it on first use.
// Concurrent first uses share one load.
func (c *ModelCache) Get(ctx context.Context, key ModelKey) (Reranker, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("rerank: model cache is closed")
	}
	if e, ok := c.entries[key]; ok {
		e.lastUsed = c.now()
		c.mu.Unlock()
		return e.reranker, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key.Model+"|"+key.Quantization, func() (any, error) {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.lastUsed = c.now()
			c.mu.Unlock()
			return e.reranker, nil
		}
		c.mu.Unlock()

		r, err := c.load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load model %s/%s: %w", key.Model, key.Quantization, err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			unload(r)
			return nil, fmt.Errorf("rerank: model cache is closed")
		}
		c.entries[key] = &cacheEntry{reranker: r, lastUsed: c.now()}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Reranker), nil
}

// Close unloads every model and stops the janitor. Idempotent.
func (c *ModelCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	entries := c.entries
	c.entries = make(map[ModelKey]*cacheEntry)
	c.mu.Unlock()

	for _, e := range entries {
		unload(e.reranker)
	}
}

func (c *ModelCache) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.evictIdle(c.now()); n > 0 {
				c.logger.Debug(context.Background(), "unloaded idle rerank models", "count", n)
			}
		}
	}
}

// evictIdle unloads models unused since before now minus the idle window
// and returns how many it closed.
func (c *ModelCache) evictIdle(now time.Time) int {
	c.mu.Lock()
	var evicted []Reranker
	for key, e := range c.entries {
		if now.Sub(e.lastUsed) >= c.idle {
			evicted = append(evicted, e.reranker)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for _, r := range evicted {
		unload(r)
	}
	return len(evicted)
}

// unload closes the model when its backend holds resources.
func unload(r Reranker) {
	if closer, ok := r.(io.Closer); ok {
		_ = closer.Close()
	}
}
