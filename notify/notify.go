// Package notify defines the durable session-update sink. Where the
// pubsub facade is fire-and-forget for live UI subscribers, sinks append
// the same notifications to a durable per-session feed that late joiners
// can replay. Backends: Pulse streams over Redis and an in-memory fake.
package notify

import (
	"context"

	"github.com/hyperengineering/engram/memory"
)

// Sink appends session notifications to a durable feed.
type Sink interface {
	// Send appends the notification to the session's feed.
	Send(ctx context.Context, n memory.Notification) error

	// Close releases the sink. Idempotent.
	Close(ctx context.Context) error
}
