// Package parse turns raw provider envelopes into the typed event sum.
// One Strategy per provider reassembles streaming fragments into whole
// events; reassembly state lives in TTL buffers keyed by session and
// message so abandoned streams are evicted after an idle period. The
// Worker consumes the raw topic, dispatches to the registered strategy,
// and publishes typed events to the parsed topic in per-session order.
package parse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/fault"
	"github.com/hyperengineering/engram/pipeline/event"
)

// DefaultBufferTTL is how long reassembly state survives without new
// fragments before it is evicted.
const DefaultBufferTTL = 10 * time.Minute

type (
	// Strategy translates one raw envelope into zero or more typed events.
	// Implementations may buffer fragments across calls; buffered state is
	// keyed by session and message so one instance serves all sessions.
	Strategy interface {
		Parse(ctx context.Context, raw event.Raw) ([]event.Event, error)
	}

	// Sweeper is implemented by strategies that hold reassembly buffers.
	Sweeper interface {
		// Sweep evicts state idle at now and reports how many entries went.
		Sweep(now time.Time) int
	}

	// Registry maps providers to their parsing strategies.
	Registry struct {
		mu         sync.RWMutex
		strategies map[event.Provider]Strategy
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[event.Provider]Strategy)}
}

// DefaultRegistry wires every known provider to its strategy. The
// OpenAI-family providers share one instance; its buffers are keyed by
// session and message id, so sharing is safe.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	family := NewOpenAI()
	r.Register(event.ProviderOpenAI, family)
	r.Register(event.ProviderXAI, family)
	r.Register(event.ProviderCodexSSE, family)
	r.Register(event.ProviderAnthropic, NewAnthropic())
	r.Register(event.ProviderClaudeCode, NewClaudeCode())
	r.Register(event.ProviderGemini, NewGemini())
	r.Register(event.ProviderCodex, NewCodex())
	return r
}

// Register binds a provider to a strategy, replacing any previous binding.
func (r *Registry) Register(p event.Provider, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[p] = s
}

// For returns the strategy registered for the provider.
func (r *Registry) For(p event.Provider) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[p]
	return s, ok
}

// Sweep evicts idle reassembly state across all registered strategies and
// reports the total evicted. Shared instances are swept once.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	swept := make(map[Strategy]bool, len(r.strategies))
	n := 0
	for _, s := range r.strategies {
		if swept[s] {
			continue
		}
		swept[s] = true
		if sw, ok := s.(Sweeper); ok {
			n += sw.Sweep(now)
		}
	}
	return n
}

// bufferKey identifies one in-flight reassembly.
type bufferKey struct {
	session string
	message string
}

type bufferEntry[T any] struct {
	state    *T
	lastSeen time.Time
}

// buffers holds per-message reassembly state with idle eviction. Access
// sweeps opportunistically; the worker sweeps on a timer as well.
type buffers[T any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[bufferKey]*bufferEntry[T]
}

func newBuffers[T any](ttl time.Duration, now func() time.Time) *buffers[T] {
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	if now == nil {
		now = time.Now
	}
	return &buffers[T]{ttl: ttl, now: now, items: make(map[bufferKey]*bufferEntry[T])}
}

// get returns the state for the key, creating it with mk when absent,
// and refreshes its idle deadline.
func (b *buffers[T]) get(session, message string, mk func() *T) *T {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.sweepLocked(now)
	k := bufferKey{session: session, message: message}
	e, ok := b.items[k]
	if !ok {
		e = &bufferEntry[T]{state: mk()}
		b.items[k] = e
	}
	e.lastSeen = now
	return e.state
}

// take removes and returns the state for the key.
func (b *buffers[T]) take(session, message string) (*T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := bufferKey{session: session, message: message}
	e, ok := b.items[k]
	if !ok {
		return nil, false
	}
	delete(b.items, k)
	return e.state, true
}

// sweep evicts entries idle past the TTL and reports the count.
func (b *buffers[T]) sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sweepLocked(now)
}

func (b *buffers[T]) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range b.items {
		if now.Sub(e.lastSeen) > b.ttl {
			delete(b.items, k)
			n++
		}
	}
	return n
}

func (b *buffers[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// emitter stamps Base metadata onto typed events in emission order, so
// ids and timestamps are deterministic for a given raw envelope.
type emitter struct {
	raw     event.Raw
	session uuid.UUID
	n       int
	out     []event.Event
}

func newEmitter(raw event.Raw) (*emitter, error) {
	session, err := raw.SessionID()
	if err != nil {
		return nil, fault.Invalid("invalid_session_id", "headers.x-session-id", "session id must be a UUID")
	}
	return &emitter{raw: raw, session: session}, nil
}

// base mints the metadata for the next event. The sequence mirrors the
// causal timestamp, so it is monotonic within a session as long as ingest
// timestamps are.
func (e *emitter) base() event.Base {
	ts := event.DeriveTimestamp(e.raw.IngestTimestamp, e.n)
	b := event.Base{
		EventID:   event.DeriveID(e.raw.EventID, e.n),
		SessionID: e.session,
		Sequence:  uint64(ts),
		TS:        ts,
		Origin:    e.raw.Provider,
	}
	e.n++
	return b
}

func (e *emitter) add(ev event.Event) { e.out = append(e.out, ev) }

func (e *emitter) events() []event.Event { return e.out }

// filePathOf extracts a file path from tool input JSON, looking at the
// field names the supported agents use. Returns "" when there is none.
func filePathOf(input string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(input), &m); err != nil {
		return ""
	}
	for _, key := range []string{"file_path", "path", "filename"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
