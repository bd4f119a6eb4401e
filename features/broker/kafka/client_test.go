package kafka

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/broker"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type fakeAdmin struct {
	createReq   *kafkago.CreateTopicsRequest
	createResp  *kafkago.CreateTopicsResponse
	createErr   error
	describe    *kafkago.DescribeGroupsResponse
	describeErr error
	pinged      bool
}

func (a *fakeAdmin) CreateTopics(_ context.Context, req *kafkago.CreateTopicsRequest) (*kafkago.CreateTopicsResponse, error) {
	a.createReq = req
	if a.createErr != nil {
		return nil, a.createErr
	}
	if a.createResp != nil {
		return a.createResp, nil
	}
	return &kafkago.CreateTopicsResponse{}, nil
}

func (a *fakeAdmin) DescribeGroups(_ context.Context, _ *kafkago.DescribeGroupsRequest) (*kafkago.DescribeGroupsResponse, error) {
	if a.describeErr != nil {
		return nil, a.describeErr
	}
	return a.describe, nil
}

func (a *fakeAdmin) Metadata(_ context.Context, _ *kafkago.MetadataRequest) (*kafkago.MetadataResponse, error) {
	a.pinged = true
	return &kafkago.MetadataResponse{}, nil
}

// scriptedReader feeds queued messages to FetchMessage and records
// commits, standing in for a consumer-group reader.
type scriptedReader struct {
	mu      sync.Mutex
	queue   []kafkago.Message
	commits []kafkago.Message
	closed  chan struct{}
	once    sync.Once
}

func newScriptedReader(msgs ...kafkago.Message) *scriptedReader {
	return &scriptedReader{queue: msgs, closed: make(chan struct{})}
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			m := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafkago.Message{}, ctx.Err()
		case <-r.closed:
			return kafkago.Message{}, io.ErrClosedPipe
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *scriptedReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *scriptedReader) committed() []kafkago.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafkago.Message(nil), r.commits...)
}

func newTestClient(reader *scriptedReader) (*Client, *fakeWriter, *fakeAdmin) {
	w := &fakeWriter{}
	adm := &fakeAdmin{}
	c := newClientWithDeps(w, adm, func(string, string) fetcher { return reader })
	return c, w, adm
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "brokers are required")

	c, err := New(Options{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.Equal(t, defaultPartitions, c.opts.Partitions)
	require.Equal(t, defaultRedelivery, c.opts.RedeliveryDelay)
	require.False(t, c.IsConnected())
}

func TestPublishMapsMessages(t *testing.T) {
	c, w, _ := newTestClient(newScriptedReader())

	err := c.Publish(context.Background(), broker.TopicEventsRaw,
		broker.Message{Key: "session-1", Value: []byte("first"), Headers: map[string]string{broker.HeaderDeadLetterStage: "parse"}},
		broker.Message{Key: "session-2", Value: []byte("second")},
	)
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)

	first := w.msgs[0]
	require.Equal(t, broker.TopicEventsRaw, first.Topic)
	require.Equal(t, []byte("session-1"), first.Key)
	require.Equal(t, []byte("first"), first.Value)
	require.Len(t, first.Headers, 1)
	require.Equal(t, broker.HeaderDeadLetterStage, first.Headers[0].Key)
	require.Equal(t, []byte("parse"), first.Headers[0].Value)
	require.Empty(t, w.msgs[1].Headers)
}

func TestPublishRequiresConnection(t *testing.T) {
	c, err := New(Options{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)

	err = c.Publish(context.Background(), broker.TopicEventsRaw, broker.Message{Key: "k"})
	require.ErrorContains(t, err, "not connected")
}

func TestEnsureTopicsBuildsLayout(t *testing.T) {
	c, _, adm := newTestClient(newScriptedReader())

	require.NoError(t, c.ensureTopics(context.Background()))
	require.NotNil(t, adm.createReq)

	byTopic := make(map[string]kafkago.TopicConfig)
	for _, tc := range adm.createReq.Topics {
		byTopic[tc.Topic] = tc
	}
	require.Len(t, byTopic, 6)

	raw := byTopic[broker.TopicEventsRaw]
	require.Equal(t, defaultPartitions, raw.NumPartitions)
	require.Equal(t, -1, raw.ReplicationFactor)
	require.Len(t, raw.ConfigEntries, 1)
	require.Equal(t, "retention.ms", raw.ConfigEntries[0].ConfigName)
	require.Equal(t, strconv.Itoa(24*3600*1000), raw.ConfigEntries[0].ConfigValue)

	dlq := byTopic[broker.TopicDLQIngestion]
	require.Equal(t, strconv.Itoa(7*24*3600*1000), dlq.ConfigEntries[0].ConfigValue)

	require.Empty(t, byTopic[broker.TopicNodesCreated].ConfigEntries)
}

func TestEnsureTopicsToleratesExisting(t *testing.T) {
	c, _, adm := newTestClient(newScriptedReader())
	adm.createResp = &kafkago.CreateTopicsResponse{Errors: map[string]error{
		broker.TopicEventsRaw: kafkago.TopicAlreadyExists,
	}}

	require.NoError(t, c.ensureTopics(context.Background()))

	adm.createResp = &kafkago.CreateTopicsResponse{Errors: map[string]error{
		broker.TopicEventsRaw: kafkago.InvalidPartitionNumber,
	}}
	require.ErrorContains(t, c.ensureTopics(context.Background()), "create topic events.raw")
}

func TestDeliveryFromMessage(t *testing.T) {
	d := deliveryFromMessage(kafkago.Message{
		Topic:     broker.TopicEventsParsed,
		Partition: 3,
		Key:       []byte("session-7"),
		Value:     []byte("payload"),
		Headers:   []kafkago.Header{{Key: broker.HeaderDeadLetterTopic, Value: []byte("events.raw")}},
	})

	require.Equal(t, broker.TopicEventsParsed, d.Topic)
	require.Equal(t, 3, d.Partition)
	require.Equal(t, "session-7", d.Message.Key)
	require.Equal(t, []byte("payload"), d.Message.Value)
	require.Equal(t, "events.raw", d.Message.Headers[broker.HeaderDeadLetterTopic])
}

func TestSubscribeDeliversAndCommitsInOrder(t *testing.T) {
	reader := newScriptedReader(
		kafkago.Message{Topic: broker.TopicEventsRaw, Partition: 0, Offset: 1, Value: []byte("a")},
		kafkago.Message{Topic: broker.TopicEventsRaw, Partition: 0, Offset: 2, Value: []byte("b")},
		kafkago.Message{Topic: broker.TopicEventsRaw, Partition: 1, Offset: 1, Value: []byte("c")},
	)
	c, _, _ := newTestClient(reader)
	ctx := context.Background()

	var mu sync.Mutex
	perPartition := make(map[int][]string)
	done := make(chan struct{})
	sub, err := c.Subscribe(ctx, broker.TopicEventsRaw, broker.GroupParser, func(_ context.Context, d broker.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		perPartition[d.Partition] = append(perPartition[d.Partition], string(d.Value))
		if len(perPartition[0])+len(perPartition[1]) == 3 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries never arrived")
	}
	require.NoError(t, sub.Unsubscribe(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, perPartition[0], "partition order must hold")
	require.Equal(t, []string{"c"}, perPartition[1])

	var p0 []int64
	for _, m := range reader.committed() {
		if m.Partition == 0 {
			p0 = append(p0, m.Offset)
		}
	}
	require.Equal(t, []int64{1, 2}, p0, "commits follow handler success order")
}

func TestFailedHandlerRetriesBeforeCommit(t *testing.T) {
	reader := newScriptedReader(
		kafkago.Message{Topic: broker.TopicEventsParsed, Partition: 0, Offset: 1, Value: []byte("first")},
		kafkago.Message{Topic: broker.TopicEventsParsed, Partition: 0, Offset: 2, Value: []byte("second")},
	)
	c, _, _ := newTestClient(reader)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	attempts := 0
	done := make(chan struct{})
	sub, err := c.Subscribe(ctx, broker.TopicEventsParsed, broker.GroupAggregator, func(_ context.Context, d broker.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		if string(d.Value) == "first" {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
		}
		seen = append(seen, string(d.Value))
		if string(d.Value) == "second" {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second message never delivered")
	}
	require.NoError(t, sub.Unsubscribe(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
	require.Equal(t, []string{"first", "second"}, seen, "second must wait for first to commit")
	require.Len(t, reader.committed(), 2)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	reader := newScriptedReader()
	c, _, _ := newTestClient(reader)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, broker.TopicEventsRaw, broker.GroupParser, func(context.Context, broker.Delivery) error {
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe(ctx))
	require.NoError(t, sub.Unsubscribe(ctx))
}

func TestSubscribeRequiresHandler(t *testing.T) {
	c, _, _ := newTestClient(newScriptedReader())

	_, err := c.Subscribe(context.Background(), broker.TopicEventsRaw, broker.GroupParser, nil)
	require.EqualError(t, err, "handler is required")
}

func TestGroupStatusMapsDescribeGroups(t *testing.T) {
	c, _, adm := newTestClient(newScriptedReader())
	adm.describe = &kafkago.DescribeGroupsResponse{Groups: []kafkago.DescribeGroupsResponseGroup{{
		GroupID:    broker.GroupParser,
		GroupState: broker.StateStable,
		Members:    make([]kafkago.DescribeGroupsResponseMember, 2),
	}}}

	status, err := c.GroupStatus(context.Background(), broker.GroupParser)
	require.NoError(t, err)
	require.Equal(t, broker.StateStable, status.State)
	require.Equal(t, 2, status.Members)
}

func TestGroupStatusZeroForUnknownGroup(t *testing.T) {
	c, _, adm := newTestClient(newScriptedReader())
	adm.describe = &kafkago.DescribeGroupsResponse{Groups: []kafkago.DescribeGroupsResponseGroup{{
		GroupID:    broker.GroupIndexer,
		GroupState: "Dead",
	}}}

	status, err := c.GroupStatus(context.Background(), broker.GroupIndexer)
	require.NoError(t, err)
	require.Zero(t, status)
}

func TestGroupStatusPropagatesTransportError(t *testing.T) {
	c, _, adm := newTestClient(newScriptedReader())
	adm.describeErr = errors.New("broker down")

	_, err := c.GroupStatus(context.Background(), broker.GroupIndexer)
	require.ErrorContains(t, err, "describe group")
}

func TestPingUsesMetadata(t *testing.T) {
	c, _, adm := newTestClient(newScriptedReader())

	require.NoError(t, c.Ping(context.Background()))
	require.True(t, adm.pinged)

	disconnected, err := New(Options{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.Error(t, disconnected.Ping(context.Background()))
}
