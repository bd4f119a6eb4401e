// Package ingest implements the pipeline's acceptance boundary. Raw
// provider envelopes are validated against an embedded JSON Schema,
// stamped with a fresh bitemporal interval, and published to the raw
// event topic keyed by session id so per-session order survives
// partitioning. Exhausted publish retries park the envelope on the
// ingestion dead-letter stream instead of dropping it.
package ingest

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hyperengineering/engram/broker"
	"github.com/hyperengineering/engram/fault"
	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/pipeline/event"
	"github.com/hyperengineering/engram/telemetry"
)

//go:embed schema.json
var rawEventSchema []byte

type (
	// Options configures the ingestion service.
	Options struct {
		// Broker publishes accepted envelopes. Required.
		Broker broker.Client
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Retry overrides the publish retry policy. Defaults to
		// fault.DefaultRetry.
		Retry fault.RetryConfig
		// Now overrides the clock used for bitemporal stamps. Tests only.
		Now func() time.Time
	}

	// Service accepts raw provider events at the front of the pipeline.
	Service struct {
		broker  broker.Client
		logger  telemetry.Logger
		metrics telemetry.Metrics
		retry   fault.RetryConfig
		now     func() time.Time
		schema  *jsonschema.Schema
	}

	// Receipt acknowledges an accepted event.
	Receipt struct {
		// EventID is the envelope's id, echoed back to the producer.
		EventID uuid.UUID
		// SessionID is the parsed session header, the event's partition key.
		SessionID uuid.UUID
	}
)

// New creates the ingestion service and compiles the envelope schema.
func New(opts Options) (*Service, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("ingest: broker client is required")
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
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var schemaDoc any
	if err := json.Unmarshal(rawEventSchema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("ingest: unmarshal embedded schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("raw-event.schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("ingest: add schema resource: %w", err)
	}
	schema, err := c.Compile("raw-event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("ingest: compile schema: %w", err)
	}

	return &Service{
		broker:  opts.Broker,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		retry:   opts.Retry,
		now:     opts.Now,
		schema:  schema,
	}, nil
}

// Ingest validates a wire-format envelope and hands it to Accept. The
// bytes must satisfy the embedded envelope schema; anything else is a
// validation error, never retried.
func (s *Service) Ingest(ctx context.Context, data []byte) (Receipt, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Receipt{}, s.reject(ctx, "malformed_json", "", err.Error())
	}
	if err := s.schema.Validate(doc); err != nil {
		return Receipt{}, s.reject(ctx, "schema_violation", "", err.Error())
	}
	var raw event.Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return Receipt{}, s.reject(ctx, "malformed_envelope", "", err.Error())
	}
	return s.Accept(ctx, raw)
}

// Accept validates a decoded envelope, stamps its bitemporal interval,
// and publishes it to the raw event topic keyed by session id. When
// publish retries are exhausted the envelope is appended to the ingestion
// dead-letter stream and the publish error is still returned, so the
// producer sees the failure while the event survives for replay.
func (s *Service) Accept(ctx context.Context, raw event.Raw) (Receipt, error) {
	if !raw.Provider.Known() {
		return Receipt{}, s.reject(ctx, "unknown_provider", "provider", fmt.Sprintf("unrecognized provider %q", raw.Provider))
	}
	if raw.EventID == uuid.Nil {
		return Receipt{}, s.reject(ctx, "missing_event_id", "event_id", "event id is required")
	}
	sessionID, err := raw.SessionID()
	if err != nil {
		return Receipt{}, s.reject(ctx, "invalid_session_id", "headers.x-session-id", "session id must be a UUID")
	}
	if raw.IngestTimestamp.IsZero() {
		return Receipt{}, s.reject(ctx, "missing_ingest_timestamp", "ingest_timestamp", "ingest timestamp is required")
	}
	if len(raw.Payload) == 0 {
		return Receipt{}, s.reject(ctx, "missing_payload", "payload", "payload is required")
	}

	raw.Interval = memory.NewInterval(s.now())
	value, err := json.Marshal(raw)
	if err != nil {
		return Receipt{}, fmt.Errorf("ingest: encode envelope: %w", err)
	}
	msg := broker.Message{Key: sessionID.String(), Value: value}

	err = fault.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.broker.Publish(ctx, broker.TopicEventsRaw, msg)
	})
	if err == nil {
		s.metrics.IncCounter("ingest_accepted_total", 1, "provider", string(raw.Provider))
		return Receipt{EventID: raw.EventID, SessionID: sessionID}, nil
	}
	if errors.Is(err, context.Canceled) {
		return Receipt{}, err
	}

	s.logger.Error(ctx, "publish retries exhausted, dead-lettering raw event",
		"event_id", raw.EventID, "session_id", sessionID, "err", err)
	dead := msg
	dead.Headers = map[string]string{
		broker.HeaderDeadLetterStage: "ingest",
		broker.HeaderDeadLetterError: err.Error(),
		broker.HeaderDeadLetterTopic: broker.TopicEventsRaw,
	}
	if dlqErr := s.broker.Publish(ctx, broker.TopicDLQIngestion, dead); dlqErr != nil {
		return Receipt{}, errors.Join(err, fmt.Errorf("ingest: dead-letter append: %w", dlqErr))
	}
	s.metrics.IncCounter("ingest_dead_lettered_total", 1, "provider", string(raw.Provider))
	return Receipt{}, err
}

// reject records the rejection and builds the validation error returned
// to the producer.
func (s *Service) reject(ctx context.Context, code, field, message string) error {
	s.metrics.IncCounter("ingest_rejected_total", 1, "code", code)
	s.logger.Debug(ctx, "raw event rejected", "code", code, "field", field)
	return fault.Invalid(code, field, message)
}
