package parse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/engram/broker"
	"github.com/hyperengineering/engram/fault"
	"github.com/hyperengineering/engram/pipeline/event"
	"github.com/hyperengineering/engram/telemetry"
)

const defaultSweepEvery = time.Minute

type (
	// WorkerOptions configures the parse worker.
	WorkerOptions struct {
		// Broker delivers raw events and receives typed ones. Required.
		Broker broker.Client
		// Registry maps providers to strategies. Defaults to
		// DefaultRegistry.
		Registry *Registry
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Retry overrides the publish retry policy. Defaults to
		// fault.DefaultRetry.
		Retry fault.RetryConfig
		// SweepEvery is the buffer eviction cadence. Defaults to 1 minute.
		SweepEvery time.Duration
	}

	// Worker consumes the raw topic, parses each envelope with the
	// provider's strategy, and republishes the typed events in per-session
	// order. Unparseable envelopes are dead-lettered and acknowledged so
	// the partition advances; publish failures stay unacknowledged for
	// redelivery.
	Worker struct {
		broker     broker.Client
		registry   *Registry
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		retry      fault.RetryConfig
		sweepEvery time.Duration
	}
)

// NewWorker creates the parse worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("parse: broker client is required")
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
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
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	return &Worker{
		broker:     opts.Broker,
		registry:   opts.Registry,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		retry:      opts.Retry,
		sweepEvery: opts.SweepEvery,
	}, nil
}

// Run subscribes to the raw topic and blocks until ctx is canceled,
// sweeping idle reassembly buffers between deliveries.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.broker.Subscribe(ctx, broker.TopicEventsRaw, broker.GroupParser, w.Handle)
	if err != nil {
		return fmt.Errorf("parse: subscribe %s: %w", broker.TopicEventsRaw, err)
	}
	w.logger.Info(ctx, "parse worker started", "topic", broker.TopicEventsRaw, "group", broker.GroupParser)

	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sub.Unsubscribe(context.Background())
		case now := <-ticker.C:
			if n := w.registry.Sweep(now); n > 0 {
				w.logger.Debug(ctx, "evicted idle reassembly buffers", "count", n)
			}
		}
	}
}

// Handle processes one raw delivery. Exported so single-process wiring
// can drive it without a subscription.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) error {
	var raw event.Raw
	if err := json.Unmarshal(d.Value, &raw); err != nil {
		return w.deadLetter(ctx, d.Message, fmt.Errorf("decode raw envelope: %w", err))
	}
	strat, ok := w.registry.For(raw.Provider)
	if !ok {
		return w.deadLetter(ctx, d.Message, fmt.Errorf("no strategy for provider %q", raw.Provider))
	}
	events, err := strat.Parse(ctx, raw)
	if err != nil {
		w.metrics.IncCounter("parse_failed_total", 1, "provider", string(raw.Provider))
		return w.deadLetter(ctx, d.Message, err)
	}
	if len(events) == 0 {
		return nil
	}

	msgs := make([]broker.Message, 0, len(events))
	for _, ev := range events {
		data, err := event.Marshal(ev)
		if err != nil {
			return w.deadLetter(ctx, d.Message, err)
		}
		msgs = append(msgs, broker.Message{Key: ev.Session().String(), Value: data})
	}
	if err := fault.Retry(ctx, w.retry, func(ctx context.Context) error {
		return w.broker.Publish(ctx, broker.TopicEventsParsed, msgs...)
	}); err != nil {
		// Unacked: the partition redelivers and order holds.
		return fmt.Errorf("parse: publish typed events: %w", err)
	}
	w.metrics.IncCounter("parse_events_total", float64(len(events)), "provider", string(raw.Provider))
	return nil
}

// deadLetter parks the message with error context and acknowledges it so
// the partition advances past the poison pill.
func (w *Worker) deadLetter(ctx context.Context, m broker.Message, cause error) error {
	w.logger.Warn(ctx, "dead-lettering unparseable event", "key", m.Key, "err", cause)
	dead := m
	dead.Headers = mergeHeaders(m.Headers, map[string]string{
		broker.HeaderDeadLetterStage: "parse",
		broker.HeaderDeadLetterError: cause.Error(),
		broker.HeaderDeadLetterTopic: broker.TopicEventsRaw,
	})
	if err := fault.Retry(ctx, w.retry, func(ctx context.Context) error {
		return w.broker.Publish(ctx, broker.TopicDLQIngestion, dead)
	}); err != nil {
		// Dead-letter append failed too; stay unacked and let redelivery
		// try the whole sequence again.
		return errors.Join(cause, err)
	}
	w.metrics.IncCounter("parse_dead_lettered_total", 1)
	return nil
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
