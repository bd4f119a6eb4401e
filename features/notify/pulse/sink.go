// Package pulse exposes a notify.Sink implementation that appends session
// notifications to goa.design/pulse streams (Redis Streams). Each session
// owns one feed; entries survive until trimmed, so UI subscribers that join
// late can replay what the ephemeral pub/sub channel already dropped.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	clientspulse "github.com/hyperengineering/engram/features/notify/pulse/clients/pulse"
	"github.com/hyperengineering/engram/memory"
)

// StreamName returns the Pulse stream holding the session's feed.
func StreamName(sessionID uuid.UUID) string {
	return fmt.Sprintf("session/%s/feed", sessionID)
}

type (
	// PublishedEntry describes one appended notification, for observers.
	PublishedEntry struct {
		Notification memory.Notification
		StreamID     string
		EntryID      string
	}

	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to append entries. Required.
		Client clientspulse.Client
		// OnPublished, when set, runs after each successful append.
		OnPublished func(ctx context.Context, e PublishedEntry) error
	}

	// Sink appends notifications to per-session Pulse streams. Safe for
	// concurrent Send calls.
	Sink struct {
		client      clientspulse.Client
		onPublished func(ctx context.Context, e PublishedEntry) error
	}

	// envelope wraps notifications for transmission, adding the append time.
	envelope struct {
		memory.Notification
		Timestamp time.Time `json:"timestamp"`
	}
)

// NewSink constructs a Pulse-backed feed sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Sink{client: opts.Client, onPublished: opts.OnPublished}, nil
}

// Send appends the notification to its session feed.
func (s *Sink) Send(ctx context.Context, n memory.Notification) error {
	if n.SessionID == uuid.Nil {
		return errors.New("notification missing session id")
	}
	streamID := StreamName(n.SessionID)
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Notification: n, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	entryID, err := handle.Add(ctx, string(n.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEntry{Notification: n, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
