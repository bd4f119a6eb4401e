package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	mu     sync.Mutex
	states map[string]GroupStatus
	polls  int
}

func (f *fakeInspector) GroupStatus(_ context.Context, group string) (GroupStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.states[group], nil
}

func (f *fakeInspector) set(group string, st GroupStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[group] = st
}

func TestAwaitGroupsStableImmediate(t *testing.T) {
	insp := &fakeInspector{states: map[string]GroupStatus{
		GroupParser:     {State: StateStable, Members: 2},
		GroupAggregator: {State: StateStable, Members: 1},
	}}
	err := AwaitGroupsStable(context.Background(), insp, []string{GroupParser, GroupAggregator}, AwaitOptions{
		PollInterval: time.Millisecond,
		Timeout:      time.Second,
	})
	require.NoError(t, err)
}

func TestAwaitGroupsStableWaitsForRebalance(t *testing.T) {
	insp := &fakeInspector{states: map[string]GroupStatus{
		GroupIndexer: {State: "PreparingRebalance", Members: 1},
	}}
	go func() {
		time.Sleep(20 * time.Millisecond)
		insp.set(GroupIndexer, GroupStatus{State: StateStable, Members: 1})
	}()
	err := AwaitGroupsStable(context.Background(), insp, []string{GroupIndexer}, AwaitOptions{
		PollInterval: 2 * time.Millisecond,
		Timeout:      time.Second,
	})
	require.NoError(t, err)
}

func TestAwaitGroupsStableRespectsMinMembers(t *testing.T) {
	insp := &fakeInspector{states: map[string]GroupStatus{
		GroupParser: {State: StateStable, Members: 1},
	}}
	err := AwaitGroupsStable(context.Background(), insp, []string{GroupParser}, AwaitOptions{
		MinMembers:   2,
		PollInterval: time.Millisecond,
		Timeout:      30 * time.Millisecond,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), GroupParser)
}

func TestStreamsCoverEveryTopic(t *testing.T) {
	covered := map[string]bool{}
	for _, s := range Streams() {
		for _, topic := range s.Topics {
			covered[topic] = true
		}
	}
	for _, topic := range []string{
		TopicEventsRaw, TopicEventsParsed,
		TopicTurnsFinalized, TopicNodesCreated,
		TopicDLQIngestion, TopicDLQMemory,
	} {
		require.True(t, covered[topic], "topic %s not assigned to a stream", topic)
	}
}
