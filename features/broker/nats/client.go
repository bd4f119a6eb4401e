// Package nats implements the broker on NATS JetStream. Topics map to
// subject families: messages for topic T land on subject T.p<n> where n
// is the key's partition, and each consumer group runs one durable
// consumer per partition subject with a max ack pending of one, so a
// failed message blocks only its partition. Streams follow the layout
// broker.Streams() declares.
package nats

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/hyperengineering/engram/broker"
	"github.com/hyperengineering/engram/telemetry"
)

const (
	clientName        = "broker-nats"
	defaultPartitions = 8
	defaultAckWait    = 30 * time.Second

	// keyHeader carries the partition key; NATS messages have no native
	// key field.
	keyHeader = "Engram-Key"
)

// Options configures the JetStream broker.
type Options struct {
	// URL is the server address, e.g. nats://localhost:4222. Required.
	URL string
	// Partitions is the per-topic partition count. Defaults to 8. Must
	// match across producers and consumers of a deployment.
	Partitions int
	// AckWait is how long JetStream waits for an ack before redelivering.
	// Defaults to 30s.
	AckWait time.Duration
	// ConnectionName labels the connection on the server. Defaults to
	// "engram".
	ConnectionName string
	// Logger defaults to a no-op logger.
	Logger telemetry.Logger
}

// js is the slice of the JetStream context the client uses.
// natsgo.JetStreamContext satisfies it; tests inject fakes.
type js interface {
	AddStream(cfg *natsgo.StreamConfig, opts ...natsgo.JSOpt) (*natsgo.StreamInfo, error)
	StreamInfo(stream string, opts ...natsgo.JSOpt) (*natsgo.StreamInfo, error)
	PublishMsg(m *natsgo.Msg, opts ...natsgo.PubOpt) (*natsgo.PubAck, error)
	QueueSubscribe(subj, queue string, cb natsgo.MsgHandler, opts ...natsgo.SubOpt) (*natsgo.Subscription, error)
	ConsumersInfo(stream string, opts ...natsgo.JSOpt) <-chan *natsgo.ConsumerInfo
}

var _ js = natsgo.JetStreamContext(nil)

// Client implements broker.Client and broker.GroupInspector on JetStream.
type Client struct {
	opts   Options
	logger telemetry.Logger

	mu   sync.Mutex
	nc   *natsgo.Conn
	js   js
	subs map[*subscription]struct{}
}

var (
	_ broker.Client         = (*Client)(nil)
	_ broker.GroupInspector = (*Client)(nil)
)

// New returns a disconnected client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("url is required")
	}
	if opts.Partitions <= 0 {
		opts.Partitions = defaultPartitions
	}
	if opts.AckWait <= 0 {
		opts.AckWait = defaultAckWait
	}
	if opts.ConnectionName == "" {
		opts.ConnectionName = "engram"
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Client{opts: opts, logger: opts.Logger, subs: make(map[*subscription]struct{})}, nil
}

// newClientWithJS wires a pre-built JetStream context, for tests.
func newClientWithJS(ctx js) *Client {
	return &Client{
		opts:   Options{Partitions: defaultPartitions, AckWait: defaultAckWait},
		logger: telemetry.NewNoopLogger(),
		js:     ctx,
		subs:   make(map[*subscription]struct{}),
	}
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping round-trips the connection.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	nc := c.nc
	connected := c.js != nil
	c.mu.Unlock()
	if !connected {
		return errors.New("broker is not connected")
	}
	if nc == nil {
		return nil
	}
	return nc.FlushWithContext(ctx)
}

// Connect dials the server and ensures the stream layout. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.js != nil {
		return nil
	}
	nc, err := natsgo.Connect(c.opts.URL,
		natsgo.Name(c.opts.ConnectionName),
		natsgo.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	jsc, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}
	if err := ensureStreams(ctx, jsc); err != nil {
		nc.Close()
		return err
	}
	c.nc = nc
	c.js = jsc
	return nil
}

// Disconnect drains subscriptions and closes the connection. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.js == nil {
		c.mu.Unlock()
		return nil
	}
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	nc := c.nc
	c.nc = nil
	c.js = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if nc != nil {
		nc.Close()
	}
	return errors.Join(errs...)
}

// IsConnected reports connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.js != nil
}

// Publish appends messages to the topic's partition subjects.
func (c *Client) Publish(ctx context.Context, topic string, msgs ...broker.Message) error {
	jsc, err := c.context()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		nm := natsgo.NewMsg(subjectFor(topic, partitionOf(m.Key, c.opts.Partitions)))
		nm.Data = m.Value
		nm.Header.Set(keyHeader, m.Key)
		for k, v := range m.Headers {
			nm.Header.Set(k, v)
		}
		if _, err := jsc.PublishMsg(nm, natsgo.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe joins the durable group: one durable push consumer per
// partition subject, max ack pending one, explicit acks.
func (c *Client) Subscribe(ctx context.Context, topic, group string, h broker.Handler) (broker.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	jsc, err := c.context()
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{client: c, cancel: cancel}
	for p := 0; p < c.opts.Partitions; p++ {
		durable := durableName(group, topic, p)
		ns, err := jsc.QueueSubscribe(
			subjectFor(topic, p),
			durable,
			c.msgHandler(subCtx, topic, p, h),
			natsgo.Durable(durable),
			natsgo.ManualAck(),
			natsgo.AckExplicit(),
			natsgo.AckWait(c.opts.AckWait),
			natsgo.MaxAckPending(1),
			natsgo.DeliverAll(),
		)
		if err != nil {
			sub.drain()
			cancel()
			return nil, fmt.Errorf("subscribe %s group %s: %w", topic, group, err)
		}
		sub.subs = append(sub.subs, ns)
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	// Drain when the caller's context ends so redeliveries stop cleanly.
	go func() {
		<-subCtx.Done()
		sub.drain()
	}()
	return sub, nil
}

// msgHandler adapts one partition's push deliveries to the broker
// handler, acking on success and naking for redelivery on failure.
func (c *Client) msgHandler(ctx context.Context, topic string, partition int, h broker.Handler) natsgo.MsgHandler {
	return func(msg *natsgo.Msg) {
		if ctx.Err() != nil {
			return
		}
		if err := h(ctx, deliveryFromMsg(msg, topic, partition)); err != nil {
			c.logger.Warn(ctx, "message handling failed, redelivering", "topic", topic, "partition", partition, "err", err)
			if nakErr := msg.Nak(); nakErr != nil {
				c.logger.Error(ctx, "nak failed", "topic", topic, "err", nakErr)
			}
			return
		}
		if err := msg.Ack(); err != nil {
			c.logger.Error(ctx, "ack failed", "topic", topic, "err", err)
		}
	}
}

// GroupStatus implements broker.GroupInspector: the group is Stable when
// at least one of its durable consumers has a bound subscriber. Groups
// with no consumers yet report a zero status.
func (c *Client) GroupStatus(ctx context.Context, group string) (broker.GroupStatus, error) {
	jsc, err := c.context()
	if err != nil {
		return broker.GroupStatus{}, err
	}
	prefix := sanitizeToken(group) + "-"
	members := 0
	for _, stream := range broker.Streams() {
		for info := range jsc.ConsumersInfo(stream.Name, natsgo.Context(ctx)) {
			if strings.HasPrefix(info.Name, prefix) && info.PushBound {
				members++
			}
		}
	}
	if members == 0 {
		return broker.GroupStatus{}, nil
	}
	return broker.GroupStatus{State: broker.StateStable, Members: members}, nil
}

func (c *Client) context() (js, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.js == nil {
		return nil, errors.New("broker is not connected")
	}
	return c.js, nil
}

// ensureStreams creates any missing stream from the declared layout.
// Existing streams are left untouched.
func ensureStreams(ctx context.Context, jsc js) error {
	for _, s := range broker.Streams() {
		_, err := jsc.StreamInfo(s.Name, natsgo.Context(ctx))
		if err == nil {
			continue
		}
		if !errors.Is(err, natsgo.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", s.Name, err)
		}
		if _, err := jsc.AddStream(streamConfig(s), natsgo.Context(ctx)); err != nil {
			return fmt.Errorf("add stream %s: %w", s.Name, err)
		}
	}
	return nil
}

// streamConfig renders a declared stream as a JetStream configuration.
// Each topic contributes a wildcard over its partition subjects.
func streamConfig(s broker.Stream) *natsgo.StreamConfig {
	cfg := &natsgo.StreamConfig{Name: s.Name}
	for _, t := range s.Topics {
		cfg.Subjects = append(cfg.Subjects, t+".*")
	}
	switch s.Retention {
	case broker.RetentionWorkQueue:
		cfg.Retention = natsgo.WorkQueuePolicy
	default:
		cfg.Retention = natsgo.LimitsPolicy
	}
	if s.MaxAgeHrs > 0 {
		cfg.MaxAge = time.Duration(s.MaxAgeHrs) * time.Hour
	}
	return cfg
}

func deliveryFromMsg(msg *natsgo.Msg, topic string, partition int) broker.Delivery {
	m := broker.Message{Key: msg.Header.Get(keyHeader), Value: msg.Data}
	for k := range msg.Header {
		if k == keyHeader {
			continue
		}
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers[k] = msg.Header.Get(k)
	}
	return broker.Delivery{Message: m, Topic: topic, Partition: partition}
}

func subjectFor(topic string, partition int) string {
	return topic + ".p" + strconv.Itoa(partition)
}

func partitionOf(key string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

// durableName builds a legal durable consumer name: dots are not allowed
// in JetStream consumer names.
func durableName(group, topic string, partition int) string {
	return sanitizeToken(group) + "-" + sanitizeToken(topic) + "-p" + strconv.Itoa(partition)
}

func sanitizeToken(s string) string {
	return strings.ReplaceAll(s, ".", "-")
}

// subscription aggregates the per-partition durable subscriptions.
type subscription struct {
	client *Client
	cancel context.CancelFunc
	subs   []*natsgo.Subscription

	once    sync.Once
	drained sync.Once
	err     error
}

// Unsubscribe stops delivery and leaves the group. The durable consumers
// and their cursors survive on the server. Idempotent.
func (s *subscription) Unsubscribe(context.Context) error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.drain()
		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()
	})
	return s.err
}

// drain detaches from the durable consumers without deleting them, so a
// later member resumes at the group cursor.
func (s *subscription) drain() error {
	var err error
	s.drained.Do(func() {
		var errs []error
		for _, ns := range s.subs {
			if drainErr := ns.Drain(); drainErr != nil && !errors.Is(drainErr, natsgo.ErrConnectionClosed) {
				errs = append(errs, drainErr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
