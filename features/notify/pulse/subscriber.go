package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/hyperengineering/engram/features/notify/pulse/clients/pulse"
	"github.com/hyperengineering/engram/memory"
)

type (
	// SubscriberOptions configures a Pulse-backed feed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume feeds. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "engram_feed".
		SinkName string
		// Buffer specifies the notification channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes session feeds and emits notifications. It wraps a
	// Pulse consumer group and decodes incoming entries.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "engram_feed"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens the session's feed and returns channels for notifications
// and errors. The returned cancel function stops consumption, closes the
// consumer group, and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	sessionID uuid.UUID,
	opts ...streamopts.Sink,
) (<-chan memory.Notification, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamName(sessionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan memory.Notification, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, out, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, errs, cancelFunc, nil
}

// consume reads entries from the Pulse sink, decodes them, and emits them on
// out. Each entry is acked after successful emission. Both channels close
// when ctx is canceled or the sink channel closes; decode and ack failures
// are reported on errs before returning.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- memory.Notification, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- env.Notification:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
