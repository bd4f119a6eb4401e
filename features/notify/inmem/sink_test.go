package inmem_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/features/notify/inmem"
	"github.com/hyperengineering/engram/memory"
)

func TestSendAccumulatesPerSession(t *testing.T) {
	sink := inmem.New()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, sink.Send(ctx, memory.Notification{Type: memory.NotifyNodeCreated, SessionID: a, NodeID: uuid.New()}))
	require.NoError(t, sink.Send(ctx, memory.Notification{Type: memory.NotifyTurnFinalized, SessionID: a, NodeID: uuid.New()}))
	require.NoError(t, sink.Send(ctx, memory.Notification{Type: memory.NotifyNodeCreated, SessionID: b, NodeID: uuid.New()}))

	feedA := sink.Feed(a)
	require.Len(t, feedA, 2)
	require.Equal(t, memory.NotifyNodeCreated, feedA[0].Type)
	require.Equal(t, memory.NotifyTurnFinalized, feedA[1].Type)
	require.Len(t, sink.Feed(b), 1)
	require.Empty(t, sink.Feed(uuid.New()))
}

func TestSendRequiresSessionID(t *testing.T) {
	sink := inmem.New()
	err := sink.Send(context.Background(), memory.Notification{Type: memory.NotifyNodeCreated})
	require.Error(t, err)
}

func TestCloseStopsAppends(t *testing.T) {
	sink := inmem.New()
	ctx := context.Background()
	require.NoError(t, sink.Close(ctx))
	require.NoError(t, sink.Close(ctx))

	err := sink.Send(ctx, memory.Notification{Type: memory.NotifyNodeCreated, SessionID: uuid.New()})
	require.Error(t, err)
}
