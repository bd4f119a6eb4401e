// Package inmem provides an in-memory broker.Client used by tests and the
// single-process dev mode. It preserves the contract the pipeline relies
// on: messages sharing a key land on one partition in publish order, group
// cursors are durable across subscriptions, and a failed handler blocks its
// partition until the message is processed.
//
// The fake does not rebalance: every partition of a topic is delivered to
// the group's first active member.
package inmem

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/engram/broker"
)

const (
	clientName        = "broker-inmem"
	defaultPartitions = 8
	defaultRedelivery = 10 * time.Millisecond
)

// Options configures the in-memory broker.
type Options struct {
	// Partitions is the per-topic partition count. Defaults to 8.
	Partitions int
	// RedeliveryDelay is the pause before a failed delivery is retried.
	// Defaults to 10 ms.
	RedeliveryDelay time.Duration
}

// Client implements broker.Client and broker.GroupInspector in memory.
type Client struct {
	partitions int
	redelivery time.Duration

	mu        sync.Mutex
	connected bool
	topics    map[string]*topic
	groups    map[groupKey]*group
	subs      map[*subscription]struct{}
}

type stored struct {
	msg broker.Message
	seq int
}

type topic struct {
	mu    sync.Mutex
	cond  *sync.Cond
	parts [][]stored
	seq   int
}

type groupKey struct {
	topic string
	group string
}

// group holds durable cursors, one per partition, guarded by the topic
// mutex.
type group struct {
	cursors []int
	members int
}

var (
	_ broker.Client         = (*Client)(nil)
	_ broker.GroupInspector = (*Client)(nil)
)

// New creates an in-memory broker.
func New(opts Options) *Client {
	partitions := opts.Partitions
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	redelivery := opts.RedeliveryDelay
	if redelivery <= 0 {
		redelivery = defaultRedelivery
	}
	return &Client{
		partitions: partitions,
		redelivery: redelivery,
		topics:     make(map[string]*topic),
		groups:     make(map[groupKey]*group),
		subs:       make(map[*subscription]struct{}),
	}
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping reports an error until Connect succeeds.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return errors.New("broker is not connected")
	}
	return nil
}

// Connect marks the broker connected. Safe to call repeatedly.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

// Disconnect stops all subscriptions. Safe to call repeatedly.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(ctx); err != nil {
			return err
		}
	}
	return nil
}

// IsConnected reports connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Publish appends messages to the topic, one partition per key.
func (c *Client) Publish(ctx context.Context, topicName string, msgs ...broker.Message) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return errors.New("broker is not connected")
	}
	t := c.topicLocked(topicName)
	c.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		p := c.partition(m.Key)
		t.parts[p] = append(t.parts[p], stored{msg: copyMessage(m), seq: t.seq})
		t.seq++
	}
	t.cond.Broadcast()
	return nil
}

// Subscribe joins the durable group and starts one delivery goroutine per
// partition. Group cursors survive unsubscribing, so a later member resumes
// where the previous one stopped.
func (c *Client) Subscribe(ctx context.Context, topicName, groupName string, h broker.Handler) (broker.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, errors.New("broker is not connected")
	}
	t := c.topicLocked(topicName)
	key := groupKey{topic: topicName, group: groupName}
	g, ok := c.groups[key]
	if !ok {
		g = &group{cursors: make([]int, c.partitions)}
		c.groups[key] = g
	}
	g.members++
	active := g.members

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{client: c, key: key, cancel: cancel}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	// Wake waiting partition loops when the subscription ends.
	go func() {
		<-subCtx.Done()
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	}()

	if active == 1 {
		sub.wg.Add(c.partitions)
		for p := 0; p < c.partitions; p++ {
			go c.consumePartition(subCtx, t, g, topicName, p, h, &sub.wg)
		}
	}
	return sub, nil
}

// GroupStatus implements broker.GroupInspector: a group is Stable whenever
// it has at least one member on any topic.
func (c *Client) GroupStatus(ctx context.Context, groupName string) (broker.GroupStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members := 0
	for k, g := range c.groups {
		if k.group == groupName {
			members += g.members
		}
	}
	if members == 0 {
		return broker.GroupStatus{}, nil
	}
	return broker.GroupStatus{State: broker.StateStable, Members: members}, nil
}

// Messages returns every message published to the topic in publish order.
// Test helper.
func (c *Client) Messages(topicName string) []broker.Message {
	c.mu.Lock()
	t, ok := c.topics[topicName]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []stored
	for _, part := range t.parts {
		all = append(all, part...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]broker.Message, len(all))
	for i, st := range all {
		out[i] = st.msg
	}
	return out
}

func (c *Client) consumePartition(ctx context.Context, t *topic, g *group, topicName string, part int, h broker.Handler, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		t.mu.Lock()
		for ctx.Err() == nil && g.cursors[part] >= len(t.parts[part]) {
			t.cond.Wait()
		}
		if ctx.Err() != nil {
			t.mu.Unlock()
			return
		}
		st := t.parts[part][g.cursors[part]]
		t.mu.Unlock()

		d := broker.Delivery{Message: st.msg, Topic: topicName, Partition: part}
		if err := h(ctx, d); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.redelivery):
			}
			continue
		}
		t.mu.Lock()
		g.cursors[part]++
		t.mu.Unlock()
	}
}

// topicLocked returns the named topic, creating it if needed. Callers hold
// c.mu.
func (c *Client) topicLocked(name string) *topic {
	t, ok := c.topics[name]
	if !ok {
		t = &topic{parts: make([][]stored, c.partitions)}
		t.cond = sync.NewCond(&t.mu)
		c.topics[name] = t
	}
	return t
}

func (c *Client) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(c.partitions))
}

func copyMessage(m broker.Message) broker.Message {
	cp := broker.Message{Key: m.Key, Value: make([]byte, len(m.Value))}
	copy(cp.Value, m.Value)
	if m.Headers != nil {
		cp.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	return cp
}

// subscription implements broker.Subscription.
type subscription struct {
	client *Client
	key    groupKey
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Unsubscribe stops delivery and leaves the group. Idempotent.
func (s *subscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.client.mu.Lock()
		if g, ok := s.client.groups[s.key]; ok && g.members > 0 {
			g.members--
		}
		delete(s.client.subs, s)
		s.client.mu.Unlock()
	})
	return nil
}
