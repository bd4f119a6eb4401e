// Package inmem provides an in-process pub/sub client for tests and the
// single-process development mode. Publish dispatches synchronously to
// subscribed handlers and records messages for assertions.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/hyperengineering/engram/pubsub"
)

// Client implements pubsub.Client in process memory.
type Client struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	handlers  map[string]map[int]pubsub.Handler
	published map[string][]json.RawMessage
}

// New returns a disconnected client.
func New() *Client {
	return &Client{
		handlers:  make(map[string]map[int]pubsub.Handler),
		published: make(map[string][]json.RawMessage),
	}
}

var _ pubsub.Client = (*Client)(nil)

// Name implements health.Pinger.
func (c *Client) Name() string { return "pubsub-inmem" }

// Ping reports healthy while connected.
func (c *Client) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	return nil
}

// Connect marks the client connected.
func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

// Disconnect drops all handlers.
func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.handlers = make(map[string]map[int]pubsub.Handler)
	return nil
}

// IsConnected reports connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Publish marshals msg and dispatches it synchronously.
func (c *Client) Publish(ctx context.Context, channel string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return errors.New("not connected")
	}
	c.published[channel] = append(c.published[channel], data)
	handlers := make([]pubsub.Handler, 0, len(c.handlers[channel]))
	for _, h := range c.handlers[channel] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ctx, data)
	}
	return nil
}

// Subscribe registers h on the channel.
func (c *Client) Subscribe(_ context.Context, channel string, h pubsub.Handler) (pubsub.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, errors.New("not connected")
	}
	if c.handlers[channel] == nil {
		c.handlers[channel] = make(map[int]pubsub.Handler)
	}
	id := c.nextID
	c.nextID++
	c.handlers[channel][id] = h
	return func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[channel], id)
		if len(c.handlers[channel]) == 0 {
			delete(c.handlers, channel)
		}
		return nil
	}, nil
}

// Published returns the messages published on channel, in order.
func (c *Client) Published(channel string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]json.RawMessage, len(c.published[channel]))
	copy(out, c.published[channel])
	return out
}
