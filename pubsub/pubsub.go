// Package pubsub defines the ephemeral publish/subscribe facade carrying
// session-update notifications to UI subscribers. Delivery is fire-and-
// forget JSON: callbacks receive messages that parsed as JSON, parse
// failures are logged and dropped without killing the subscription, and
// the last unsubscribe of a channel tears down the underlying
// subscription. Backends: Redis pub/sub and an in-memory fake.
package pubsub

import (
	"context"
	"encoding/json"

	"goa.design/clue/health"
)

// Channel names.
const (
	// ChannelSessions aggregates updates across all sessions.
	ChannelSessions = "observatory.sessions.updates"
	// ChannelConsumers carries pipeline consumer status updates.
	ChannelConsumers = "observatory.consumers.status"
)

// SessionChannel returns the per-session update channel.
func SessionChannel(sessionID string) string {
	return "observatory.session." + sessionID + ".updates"
}

// Handler receives one published message, already validated as JSON.
type Handler func(ctx context.Context, msg json.RawMessage)

// Unsubscribe removes a handler. The last handler of a channel closes the
// underlying subscription. Idempotent.
type Unsubscribe func(ctx context.Context) error

// Client is the pub/sub facade. Connect/Disconnect are idempotent.
type Client interface {
	health.Pinger

	// Connect establishes the connection. Safe to call repeatedly.
	Connect(ctx context.Context) error

	// Disconnect closes every subscription and the connection. Safe to
	// call repeatedly.
	Disconnect(ctx context.Context) error

	// IsConnected reports connection state.
	IsConnected() bool

	// Publish marshals msg to JSON and publishes it on the channel.
	Publish(ctx context.Context, channel string, msg any) error

	// Subscribe registers h on the channel and returns its unsubscribe
	// handle. Multiple handlers may share a channel.
	Subscribe(ctx context.Context, channel string, h Handler) (Unsubscribe, error)
}
