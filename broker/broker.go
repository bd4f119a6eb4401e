// Package broker defines the partition-ordered message broker facade the
// pipeline stages communicate through. Topics are partitioned by a string
// key; all messages sharing a key preserve publish order through retries.
// Consumers join durable groups and acknowledge deliveries only after
// processing, so unacked messages throttle their partition and provide
// back-pressure. Backends: NATS JetStream, Kafka-compatible (Redpanda),
// and an in-memory fake for tests.
package broker

import (
	"context"

	"goa.design/clue/health"
)

// Topics used by the pipeline.
const (
	// TopicEventsRaw carries validated provider events from the ingestor.
	TopicEventsRaw = "events.raw"
	// TopicEventsParsed carries typed events from the parser.
	TopicEventsParsed = "events.parsed"
	// TopicTurnsFinalized announces closed turns.
	TopicTurnsFinalized = "memory.turns.finalized"
	// TopicNodesCreated feeds the indexer.
	TopicNodesCreated = "memory.nodes.created"
	// TopicDLQIngestion dead-letters raw events that failed parsing or
	// publishing past the retry cap.
	TopicDLQIngestion = "dlq.ingestion"
	// TopicDLQMemory dead-letters typed events the aggregator could not
	// persist.
	TopicDLQMemory = "dlq.memory"
)

// Consumer groups.
const (
	GroupParser     = "parser"
	GroupAggregator = "aggregator"
	GroupIndexer    = "indexer"
)

// Message headers stamped on dead letters so replay tooling can tell where
// and why a message was parked.
const (
	HeaderDeadLetterStage = "x-dead-letter-stage"
	HeaderDeadLetterError = "x-dead-letter-error"
	HeaderDeadLetterTopic = "x-dead-letter-topic"
)

// Retention selects how a logical stream discards messages.
type Retention string

const (
	// RetentionLimits discards by age/size limits only.
	RetentionLimits Retention = "limits"
	// RetentionWorkQueue removes each message once acknowledged by its
	// consumer group.
	RetentionWorkQueue Retention = "workqueue"
)

// Stream describes a logical stream grouping related topics.
type Stream struct {
	Name      string
	Retention Retention
	MaxAgeHrs int
	Topics    []string
}

// Streams returns the deployment's stream layout: EVENTS retains raw and
// parsed events for 24 h, MEMORY is a work queue for aggregator output,
// DLQ retains dead letters for 7 days.
func Streams() []Stream {
	return []Stream{
		{Name: "EVENTS", Retention: RetentionLimits, MaxAgeHrs: 24, Topics: []string{TopicEventsRaw, TopicEventsParsed}},
		{Name: "MEMORY", Retention: RetentionWorkQueue, Topics: []string{TopicTurnsFinalized, TopicNodesCreated}},
		{Name: "DLQ", Retention: RetentionLimits, MaxAgeHrs: 7 * 24, Topics: []string{TopicDLQIngestion, TopicDLQMemory}},
	}
}

type (
	// Message is one partitioned record. Key selects the partition (the
	// pipeline keys by session id); Headers carry propagation metadata such
	// as error context on dead letters.
	Message struct {
		Key     string
		Value   []byte
		Headers map[string]string
	}

	// Delivery is a message handed to a consumer along with its
	// acknowledgement handle.
	Delivery struct {
		Message
		Topic     string
		Partition int
	}

	// Handler processes one delivery. Returning nil acknowledges the
	// message; returning an error leaves it unacknowledged for redelivery,
	// blocking the partition behind it.
	Handler func(ctx context.Context, d Delivery) error

	// Subscription is an active group membership.
	Subscription interface {
		// Unsubscribe stops delivery and leaves the group. Idempotent.
		Unsubscribe(ctx context.Context) error
	}

	// Client is the broker facade. Connect/Disconnect are idempotent;
	// Disconnect is serialized internally so concurrent shutdowns cannot
	// tear the connection.
	Client interface {
		health.Pinger

		// Connect establishes the connection and ensures the stream layout
		// exists. Safe to call repeatedly.
		Connect(ctx context.Context) error

		// Disconnect closes producers and consumers. Safe to call repeatedly.
		Disconnect(ctx context.Context) error

		// IsConnected reports connection state.
		IsConnected() bool

		// Publish appends messages to the topic. Messages sharing a key land
		// on one partition in publish order.
		Publish(ctx context.Context, topic string, msgs ...Message) error

		// Subscribe joins the durable group on the topic and delivers
		// messages to h, one at a time per partition, until the subscription
		// is closed or ctx is canceled.
		Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error)
	}
)
