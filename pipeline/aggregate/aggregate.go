// Package aggregate consumes the typed event stream and materializes the
// bitemporal session graph. A per-session state machine detects turn
// boundaries, every event becomes an idempotent graph upsert keyed by its
// event id, oversized payloads move to the blob store, and each write is
// announced durably on the node-created stream and ephemerally to session
// subscribers. Partition ordering keeps one session's events serial;
// distinct sessions aggregate in parallel.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/blob"
	"github.com/hyperengineering/engram/broker"
	"github.com/hyperengineering/engram/fault"
	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/notify"
	"github.com/hyperengineering/engram/pipeline/event"
	"github.com/hyperengineering/engram/pubsub"
	"github.com/hyperengineering/engram/telemetry"
)

const (
	// ExternalizeThreshold is the payload size in bytes above which message
	// text, tool payloads, and diff bodies move to the blob store.
	ExternalizeThreshold = 16 << 10

	// DefaultIdleTimeout closes open turns after session silence.
	DefaultIdleTimeout = 30 * time.Minute

	defaultSweepEvery = time.Minute

	previewLimit = 140
	summaryLimit = 180
)

// Close reasons recorded on finalized turns.
const (
	// ClosedByUsage marks a turn closed by its usage marker.
	ClosedByUsage = "usage_marker"
	// ClosedByRoleFlip marks a turn closed implicitly by the next user
	// message.
	ClosedByRoleFlip = "role_flip"
	// ClosedByIdle marks a turn closed by the idle sweep.
	ClosedByIdle = "idle_timeout"
)

// TurnFinalized is the durable record published to memory.turns.finalized
// when a turn closes.
type TurnFinalized struct {
	SessionID    uuid.UUID `json:"session_id"`
	TurnID       uuid.UUID `json:"turn_id"`
	Ordinal      int       `json:"ordinal"`
	ClosedBy     string    `json:"closed_by"`
	Summary      string    `json:"summary,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	Model        string    `json:"model,omitempty"`
	StopReason   string    `json:"stop_reason,omitempty"`
}

// Deduplicator reports an existing node holding near-identical content.
// The aggregator consults it before inserting reasoning nodes and records
// the existing id instead of creating a duplicate.
type Deduplicator interface {
	FindDuplicate(ctx context.Context, content string) (uuid.UUID, bool, error)
}

type (
	// Options configures the aggregator.
	Options struct {
		// Broker delivers typed events and carries notifications. Required.
		Broker broker.Client
		// Store is the bitemporal graph store. Required.
		Store memory.Store
		// Blobs holds externalized payloads. Required.
		Blobs blob.Store
		// PubSub carries ephemeral session updates. Optional.
		PubSub pubsub.Client
		// Feed is the durable session-update sink. Optional.
		Feed notify.Sink
		// Dedup collapses near-duplicate reasoning nodes. Optional.
		Dedup Deduplicator
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Retry overrides the write retry policy. Defaults to
		// fault.DefaultRetry.
		Retry fault.RetryConfig
		// IdleTimeout closes open turns after session silence. Defaults to
		// 30 minutes.
		IdleTimeout time.Duration
		// SweepEvery is the idle-sweep cadence. Defaults to 1 minute.
		SweepEvery time.Duration
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Aggregator consumes the parsed topic and writes the session graph.
	// Events it cannot persist go to dlq.memory and are acknowledged so the
	// partition advances; deliveries are acknowledged only after the graph
	// write and the durable notification both complete.
	Aggregator struct {
		broker      broker.Client
		store       memory.Store
		blobs       blob.Store
		pubsub      pubsub.Client
		feed        notify.Sink
		dedup       Deduplicator
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		retry       fault.RetryConfig
		idleTimeout time.Duration
		sweepEvery  time.Duration
		now         func() time.Time

		mu       sync.Mutex
		sessions map[uuid.UUID]*sessionState
	}
)

// New creates the aggregator.
func New(opts Options) (*Aggregator, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("aggregate: broker client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("aggregate: graph store is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("aggregate: blob store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fault.DefaultRetry()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		broker:      opts.Broker,
		store:       opts.Store,
		blobs:       opts.Blobs,
		pubsub:      opts.PubSub,
		feed:        opts.Feed,
		dedup:       opts.Dedup,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		retry:       opts.Retry,
		idleTimeout: opts.IdleTimeout,
		sweepEvery:  opts.SweepEvery,
		now:         opts.Now,
		sessions:    make(map[uuid.UUID]*sessionState),
	}, nil
}

// Run subscribes to the parsed topic and blocks until ctx is canceled,
// closing idle turns between deliveries.
func (a *Aggregator) Run(ctx context.Context) error {
	sub, err := a.broker.Subscribe(ctx, broker.TopicEventsParsed, broker.GroupAggregator, a.Handle)
	if err != nil {
		return fmt.Errorf("aggregate: subscribe %s: %w", broker.TopicEventsParsed, err)
	}
	a.logger.Info(ctx, "aggregator started", "topic", broker.TopicEventsParsed, "group", broker.GroupAggregator)

	ticker := time.NewTicker(a.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sub.Unsubscribe(context.Background())
		case now := <-ticker.C:
			if n := a.SweepIdle(ctx, now); n > 0 {
				a.logger.Debug(ctx, "closed idle turns", "count", n)
			}
		}
	}
}

// Handle processes one typed-event delivery. Exported so single-process
// wiring can drive it without a subscription.
func (a *Aggregator) Handle(ctx context.Context, d broker.Delivery) error {
	ev, err := event.Unmarshal(d.Value)
	if err != nil {
		return a.deadLetter(ctx, d.Message, err)
	}
	if err := a.apply(ctx, ev); err != nil {
		var rp *republishError
		if errors.As(err, &rp) || errors.Is(err, context.Canceled) {
			// Unacked: the graph writes are idempotent, so redelivery
			// replays them and retries the notification.
			return err
		}
		return a.deadLetter(ctx, d.Message, err)
	}
	a.metrics.IncCounter("aggregate_events_total", 1, "kind", string(ev.Kind()))
	return nil
}

// SweepIdle finalizes turns in sessions idle past the timeout and drops
// their state. Returns the number of turns closed.
func (a *Aggregator) SweepIdle(ctx context.Context, now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	closed := 0
	for id, st := range a.sessions {
		if !st.mu.TryLock() {
			continue
		}
		if now.Sub(st.lastSeen) < a.idleTimeout {
			st.mu.Unlock()
			continue
		}
		if st.turn != nil {
			if err := a.finalizeTurn(ctx, st, ClosedByIdle, nil, now); err != nil {
				a.logger.Warn(ctx, "idle turn close failed", "session", id, "err", err)
				st.mu.Unlock()
				continue
			}
			closed++
		}
		st.gone = true
		st.mu.Unlock()
		delete(a.sessions, id)
	}
	return closed
}

// write runs one store or blob operation under the retry policy.
func (a *Aggregator) write(ctx context.Context, op func(ctx context.Context) error) error {
	return fault.Retry(ctx, a.retry, op)
}

// externalize returns the text inline when it fits, or saves it to the
// blob store and returns the content-addressed URI.
func (a *Aggregator) externalize(ctx context.Context, text string) (inline, ref string, err error) {
	if len(text) <= ExternalizeThreshold {
		return text, "", nil
	}
	var uri string
	if err := a.write(ctx, func(ctx context.Context) error {
		var err error
		uri, err = a.blobs.Save(ctx, []byte(text))
		return err
	}); err != nil {
		return "", "", fmt.Errorf("externalize payload: %w", err)
	}
	a.metrics.IncCounter("aggregate_externalized_total", 1)
	return "", uri, nil
}

// announce publishes the notification durably to the node-created stream
// and fans it out to ephemeral subscribers. A durable publish failure
// comes back as a republishError so the delivery stays unacknowledged.
func (a *Aggregator) announce(ctx context.Context, n memory.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.broker.Publish(ctx, broker.TopicNodesCreated, broker.Message{Key: n.SessionID.String(), Value: data})
	}); err != nil {
		return &republishError{fmt.Errorf("publish %s: %w", broker.TopicNodesCreated, err)}
	}
	a.fanout(ctx, n)
	return nil
}

// publishFinalized records the closed turn on the durable finalized topic
// and fans the notification out to ephemeral subscribers.
func (a *Aggregator) publishFinalized(ctx context.Context, fin TurnFinalized) error {
	data, err := json.Marshal(fin)
	if err != nil {
		return fmt.Errorf("marshal finalized turn: %w", err)
	}
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.broker.Publish(ctx, broker.TopicTurnsFinalized, broker.Message{Key: fin.SessionID.String(), Value: data})
	}); err != nil {
		return &republishError{fmt.Errorf("publish %s: %w", broker.TopicTurnsFinalized, err)}
	}
	a.fanout(ctx, memory.Notification{
		Type:      memory.NotifyTurnFinalized,
		SessionID: fin.SessionID,
		NodeID:    fin.TurnID,
		Kind:      memory.KindTurn,
	})
	return nil
}

// fanout delivers the notification to live subscribers and the durable
// session feed. Both are best-effort side channels: failures are logged,
// never propagated.
func (a *Aggregator) fanout(ctx context.Context, n memory.Notification) {
	if a.pubsub != nil {
		session := pubsub.SessionChannel(n.SessionID.String())
		if err := a.pubsub.Publish(ctx, session, n); err != nil {
			a.logger.Debug(ctx, "session update publish failed", "channel", session, "err", err)
		}
		if err := a.pubsub.Publish(ctx, pubsub.ChannelSessions, n); err != nil {
			a.logger.Debug(ctx, "session update publish failed", "channel", pubsub.ChannelSessions, "err", err)
		}
	}
	if a.feed != nil {
		if err := a.feed.Send(ctx, n); err != nil {
			a.logger.Warn(ctx, "session feed append failed", "session", n.SessionID, "err", err)
		}
	}
}

// deadLetter parks the message with error context and acknowledges it so
// the partition advances past the poison pill.
func (a *Aggregator) deadLetter(ctx context.Context, m broker.Message, cause error) error {
	a.logger.Warn(ctx, "dead-lettering event", "key", m.Key, "err", cause)
	dead := m
	headers := make(map[string]string, len(m.Headers)+3)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[broker.HeaderDeadLetterStage] = "aggregate"
	headers[broker.HeaderDeadLetterError] = cause.Error()
	headers[broker.HeaderDeadLetterTopic] = broker.TopicEventsParsed
	dead.Headers = headers
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.broker.Publish(ctx, broker.TopicDLQMemory, dead)
	}); err != nil {
		// Dead-letter append failed too; stay unacked so redelivery tries
		// the whole sequence again.
		return errors.Join(cause, err)
	}
	a.metrics.IncCounter("aggregate_dead_lettered_total", 1)
	return nil
}

// republishError marks a downstream publish failure after a successful
// graph write. The delivery stays unacknowledged so the idempotent writes
// replay instead of parking a valid event in the DLQ.
type republishError struct{ err error }

func (e *republishError) Error() string { return e.err.Error() }
func (e *republishError) Unwrap() error { return e.err }
