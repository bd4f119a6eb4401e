// Package kafka implements the broker on Kafka or Redpanda. Topics are
// created with the configured partition count, producers route by key
// through a hash balancer, and each subscription runs one consumer-group
// reader whose fetches are dispatched to per-partition workers over
// bounded queues. Offsets commit only after the handler succeeds, so a
// failed message is retried in place and blocks its partition. Workqueue
// streams have no Kafka equivalent; group offsets give each message to
// exactly one group member and retention does the discarding.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/hyperengineering/engram/broker"
	"github.com/hyperengineering/engram/telemetry"
)

const (
	clientName        = "broker-kafka"
	defaultPartitions = 8
	defaultRedelivery = time.Second

	// workerQueueSize bounds the per-partition dispatch queue. A full
	// queue back-pressures the reader instead of buffering unboundedly.
	workerQueueSize = 16
)

// Options configures the Kafka broker.
type Options struct {
	// Brokers is the bootstrap address list. Required.
	Brokers []string
	// Partitions is the partition count used when creating topics.
	// Defaults to 8.
	Partitions int
	// RedeliveryDelay is the pause before a failed delivery is retried.
	// Defaults to 1s.
	RedeliveryDelay time.Duration
	// Logger defaults to a no-op logger.
	Logger telemetry.Logger
}

// writer is the slice of kafka.Writer the client uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// fetcher is the slice of kafka.Reader a subscription uses.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// admin is the slice of kafka.Client used for topic management and group
// introspection.
type admin interface {
	CreateTopics(ctx context.Context, req *kafkago.CreateTopicsRequest) (*kafkago.CreateTopicsResponse, error)
	DescribeGroups(ctx context.Context, req *kafkago.DescribeGroupsRequest) (*kafkago.DescribeGroupsResponse, error)
	Metadata(ctx context.Context, req *kafkago.MetadataRequest) (*kafkago.MetadataResponse, error)
}

var (
	_ writer  = (*kafkago.Writer)(nil)
	_ fetcher = (*kafkago.Reader)(nil)
	_ admin   = (*kafkago.Client)(nil)
)

// Client implements broker.Client and broker.GroupInspector on Kafka.
type Client struct {
	opts   Options
	logger telemetry.Logger

	mu        sync.Mutex
	w         writer
	adm       admin
	newReader func(topic, group string) fetcher
	subs      map[*subscription]struct{}
}

var (
	_ broker.Client         = (*Client)(nil)
	_ broker.GroupInspector = (*Client)(nil)
)

// New returns a disconnected client.
func New(opts Options) (*Client, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if opts.Partitions <= 0 {
		opts.Partitions = defaultPartitions
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = defaultRedelivery
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	c := &Client{opts: opts, logger: opts.Logger, subs: make(map[*subscription]struct{})}
	c.newReader = c.defaultReader
	return c, nil
}

// newClientWithDeps wires pre-built transport pieces, for tests.
func newClientWithDeps(w writer, adm admin, newReader func(topic, group string) fetcher) *Client {
	c := &Client{
		opts:   Options{Partitions: defaultPartitions, RedeliveryDelay: time.Millisecond},
		logger: telemetry.NewNoopLogger(),
		w:      w,
		adm:    adm,
		subs:   make(map[*subscription]struct{}),
	}
	c.newReader = newReader
	return c
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping fetches cluster metadata to prove the brokers are reachable.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	adm := c.adm
	c.mu.Unlock()
	if adm == nil {
		return errors.New("broker is not connected")
	}
	_, err := adm.Metadata(ctx, &kafkago.MetadataRequest{})
	return err
}

// Connect builds the shared producer and ensures the topic layout.
// Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w != nil {
		return nil
	}
	addr := kafkago.TCP(c.opts.Brokers...)
	adm := &kafkago.Client{Addr: addr}
	w := &kafkago.Writer{
		Addr:         addr,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	c.adm = adm
	if err := c.ensureTopics(ctx); err != nil {
		c.adm = nil
		return err
	}
	c.w = w
	return nil
}

// Disconnect stops subscriptions and closes the producer. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.w == nil {
		c.mu.Unlock()
		return nil
	}
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	w := c.w
	c.w = nil
	c.adm = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsConnected reports connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w != nil
}

// Publish writes messages to the topic, routed by key.
func (c *Client) Publish(ctx context.Context, topic string, msgs ...broker.Message) error {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w == nil {
		return errors.New("broker is not connected")
	}
	kmsgs := make([]kafkago.Message, len(msgs))
	for i, m := range msgs {
		kmsgs[i] = kafkago.Message{
			Topic: topic,
			Key:   []byte(m.Key),
			Value: m.Value,
		}
		for k, v := range m.Headers {
			kmsgs[i].Headers = append(kmsgs[i].Headers, kafkago.Header{Key: k, Value: []byte(v)})
		}
	}
	if err := w.WriteMessages(ctx, kmsgs...); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the consumer group and dispatches fetched messages to
// per-partition workers so one poisoned partition cannot stall the rest.
func (c *Client) Subscribe(ctx context.Context, topic, group string, h broker.Handler) (broker.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	c.mu.Lock()
	connected := c.w != nil
	newReader := c.newReader
	c.mu.Unlock()
	if !connected {
		return nil, errors.New("broker is not connected")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		client:     c,
		reader:     newReader(topic, group),
		topic:      topic,
		handler:    h,
		ctx:        subCtx,
		cancel:     cancel,
		redelivery: c.opts.RedeliveryDelay,
		logger:     c.logger,
		workers:    make(map[int]chan kafkago.Message),
	}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	sub.wg.Add(1)
	go sub.dispatch()
	return sub, nil
}

// GroupStatus implements broker.GroupInspector. Groups Kafka has not seen
// yet describe as Dead with no members and report a zero status.
func (c *Client) GroupStatus(ctx context.Context, group string) (broker.GroupStatus, error) {
	c.mu.Lock()
	adm := c.adm
	c.mu.Unlock()
	if adm == nil {
		return broker.GroupStatus{}, errors.New("broker is not connected")
	}
	resp, err := adm.DescribeGroups(ctx, &kafkago.DescribeGroupsRequest{GroupIDs: []string{group}})
	if err != nil {
		return broker.GroupStatus{}, fmt.Errorf("describe group %s: %w", group, err)
	}
	for _, g := range resp.Groups {
		if g.GroupID != group {
			continue
		}
		if g.Error != nil || (g.GroupState == "Dead" && len(g.Members) == 0) {
			return broker.GroupStatus{}, nil
		}
		return broker.GroupStatus{State: g.GroupState, Members: len(g.Members)}, nil
	}
	return broker.GroupStatus{}, nil
}

// ensureTopics creates the declared topics, carrying stream retention
// down as retention.ms. Already-existing topics are fine.
func (c *Client) ensureTopics(ctx context.Context) error {
	req := &kafkago.CreateTopicsRequest{}
	for _, s := range broker.Streams() {
		for _, t := range s.Topics {
			tc := kafkago.TopicConfig{
				Topic:             t,
				NumPartitions:     c.opts.Partitions,
				ReplicationFactor: -1, // broker default
			}
			if s.MaxAgeHrs > 0 {
				tc.ConfigEntries = append(tc.ConfigEntries, kafkago.ConfigEntry{
					ConfigName:  "retention.ms",
					ConfigValue: strconv.Itoa(s.MaxAgeHrs * 3600 * 1000),
				})
			}
			req.Topics = append(req.Topics, tc)
		}
	}
	resp, err := c.adm.CreateTopics(ctx, req)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for topic, topicErr := range resp.Errors {
		if topicErr != nil && !errors.Is(topicErr, kafkago.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, topicErr)
		}
	}
	return nil
}

func (c *Client) defaultReader(topic, group string) fetcher {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     c.opts.Brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafkago.FirstOffset,
		// Synchronous commits: an offset moves only after its handler
		// returned nil.
		CommitInterval: 0,
	})
}

func deliveryFromMessage(m kafkago.Message) broker.Delivery {
	msg := broker.Message{Key: string(m.Key), Value: m.Value}
	for _, h := range m.Headers {
		if msg.Headers == nil {
			msg.Headers = make(map[string]string)
		}
		msg.Headers[h.Key] = string(h.Value)
	}
	return broker.Delivery{Message: msg, Topic: m.Topic, Partition: m.Partition}
}

// subscription owns one group reader and its partition workers.
type subscription struct {
	client     *Client
	reader     fetcher
	topic      string
	handler    broker.Handler
	ctx        context.Context
	cancel     context.CancelFunc
	redelivery time.Duration
	logger     telemetry.Logger

	// workers is touched only by the dispatch goroutine.
	workers map[int]chan kafkago.Message

	wg   sync.WaitGroup
	once sync.Once
	err  error
}

// Unsubscribe stops the reader and waits for in-flight handlers. The
// group's committed offsets survive on the brokers. Idempotent.
func (s *subscription) Unsubscribe(context.Context) error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.reader.Close()
		s.wg.Wait()
		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()
	})
	return s.err
}

// dispatch fetches from the group reader and routes each message to its
// partition's worker. A full worker queue back-pressures the fetch loop.
func (s *subscription) dispatch() {
	defer func() {
		for _, ch := range s.workers {
			close(ch)
		}
		s.wg.Done()
	}()
	for {
		m, err := s.reader.FetchMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			s.logger.Warn(s.ctx, "fetch failed", "topic", s.topic, "err", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.redelivery):
			}
			continue
		}
		ch, ok := s.workers[m.Partition]
		if !ok {
			ch = make(chan kafkago.Message, workerQueueSize)
			s.workers[m.Partition] = ch
			s.wg.Add(1)
			go s.consume(ch)
		}
		select {
		case ch <- m:
		case <-s.ctx.Done():
			return
		}
	}
}

// consume handles one partition's messages in order, retrying failures in
// place and committing only after success.
func (s *subscription) consume(ch <-chan kafkago.Message) {
	defer s.wg.Done()
	for m := range ch {
		d := deliveryFromMessage(m)
		for {
			err := s.handler(s.ctx, d)
			if err == nil {
				break
			}
			s.logger.Warn(s.ctx, "message handling failed, retrying", "topic", m.Topic, "partition", m.Partition, "err", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.redelivery):
			}
		}
		if err := s.reader.CommitMessages(s.ctx, m); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error(s.ctx, "offset commit failed", "topic", m.Topic, "partition", m.Partition, "err", err)
		}
	}
}
