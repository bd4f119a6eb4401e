// Package redis implements the pub/sub facade on Redis channels. Each
// subscribed channel owns one Redis subscription and a dispatch goroutine
// fanning messages out to registered handlers; the last unsubscribe closes
// the underlying subscription.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hyperengineering/engram/pubsub"
	"github.com/hyperengineering/engram/telemetry"
)

const clientName = "pubsub-redis"

// Options configures the Redis pub/sub client.
type Options struct {
	Redis  goredis.UniversalClient
	Logger telemetry.Logger
}

// Client implements pubsub.Client on Redis.
type Client struct {
	rdb goredis.UniversalClient
	log telemetry.Logger

	mu        sync.Mutex
	connected bool
	runCtx    context.Context
	runCancel context.CancelFunc
	subs      map[string]*channelSub
}

type channelSub struct {
	pubsub   *goredis.PubSub
	handlers map[int]pubsub.Handler
	nextID   int
	done     chan struct{}
}

// New returns a disconnected client.
func New(opts Options) (*Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Client{
		rdb:  opts.Redis,
		log:  logger,
		subs: make(map[string]*channelSub),
	}, nil
}

var _ pubsub.Client = (*Client)(nil)

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.rdb.Ping(ctx).Err()
}

// Connect verifies the connection and prepares the dispatch context.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.connected = true
	return nil
}

// Disconnect closes every subscription. The Redis connection itself is
// owned by the caller.
func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.runCancel()
	subs := c.subs
	c.subs = make(map[string]*channelSub)
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
		<-sub.done
	}
	return errors.Join(errs...)
}

// IsConnected reports connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Publish marshals msg and publishes it on the channel.
func (c *Client) Publish(ctx context.Context, channel string, msg any) error {
	if !c.IsConnected() {
		return errors.New("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe registers h on the channel, opening the Redis subscription on
// first use.
func (c *Client) Subscribe(ctx context.Context, channel string, h pubsub.Handler) (pubsub.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, errors.New("not connected")
	}
	sub, ok := c.subs[channel]
	if !ok {
		ps := c.rdb.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, err
		}
		sub = &channelSub{
			pubsub:   ps,
			handlers: make(map[int]pubsub.Handler),
			done:     make(chan struct{}),
		}
		c.subs[channel] = sub
		go c.dispatch(channel, sub)
	}
	id := sub.nextID
	sub.nextID++
	sub.handlers[id] = h
	return c.unsubscriber(channel, id), nil
}

func (c *Client) unsubscriber(channel string, id int) pubsub.Unsubscribe {
	return func(context.Context) error {
		c.mu.Lock()
		sub, ok := c.subs[channel]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		delete(sub.handlers, id)
		last := len(sub.handlers) == 0
		if last {
			delete(c.subs, channel)
		}
		c.mu.Unlock()
		if !last {
			return nil
		}
		err := sub.pubsub.Close()
		<-sub.done
		return err
	}
}

// dispatch fans messages out until the subscription closes. Payloads that
// are not valid JSON are logged and dropped.
func (c *Client) dispatch(channel string, sub *channelSub) {
	defer close(sub.done)
	for msg := range sub.pubsub.Channel() {
		payload := []byte(msg.Payload)
		if !json.Valid(payload) {
			c.log.Warn(c.runCtx, "dropping non-json pubsub message", "channel", channel, "bytes", len(payload))
			continue
		}
		c.mu.Lock()
		handlers := make([]pubsub.Handler, 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(c.runCtx, json.RawMessage(payload))
		}
	}
}
