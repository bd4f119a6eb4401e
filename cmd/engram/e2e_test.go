package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/engram/broker"
	brokerinmem "github.com/hyperengineering/engram/features/broker/inmem"
	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/pipeline/aggregate"
	"github.com/hyperengineering/engram/retrieval/search"
	"github.com/hyperengineering/engram/telemetry"
)

// pipelineFixture is the whole service on in-memory backends with the
// workers live, the same layout run assembles for an empty environment.
// Assertions read the durable streams the stages publish.
type pipelineFixture struct {
	h      http.Handler
	broker *brokerinmem.Client
	base   time.Time
	seq    int
}

func startPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := buildApp(ctx, Config{}, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.parser.Run(gctx) })
	g.Go(func() error { return a.aggregator.Run(gctx) })
	g.Go(func() error { return a.indexer.Run(gctx) })
	t.Cleanup(func() {
		cancel()
		require.NoError(t, g.Wait())
		require.NoError(t, a.close(context.Background(), telemetry.NewNoopLogger()))
	})

	bk, ok := a.broker.(*brokerinmem.Client)
	require.True(t, ok)
	return &pipelineFixture{
		h:      (&server{app: a, logger: telemetry.NewNoopLogger()}).handler(),
		broker: bk,
		base:   time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}
}

// ingest posts one raw provider event and requires acceptance. Every call
// advances the ingest timestamp one second so per-session causal order is
// explicit in the envelopes, not an accident of wall-clock resolution.
func (f *pipelineFixture) ingest(t *testing.T, provider string, session uuid.UUID, payload string) {
	t.Helper()
	f.seq++
	env := fmt.Sprintf(`{"event_id":%q,"ingest_timestamp":%q,"provider":%q,"payload":%s,"headers":{"x-session-id":%q}}`,
		uuid.NewString(), f.base.Add(time.Duration(f.seq)*time.Second).Format(time.RFC3339Nano),
		provider, payload, session.String())
	rec := do(t, f.h, http.MethodPost, "/v1/events", env)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

// finalized returns the turn-finalized records published for the session.
// Undecodable messages are skipped so the poll loop can call this from its
// own goroutine.
func (f *pipelineFixture) finalized(session uuid.UUID) []aggregate.TurnFinalized {
	var out []aggregate.TurnFinalized
	for _, m := range f.broker.Messages(broker.TopicTurnsFinalized) {
		var fin aggregate.TurnFinalized
		if err := json.Unmarshal(m.Value, &fin); err != nil {
			continue
		}
		if fin.SessionID == session {
			out = append(out, fin)
		}
	}
	return out
}

func (f *pipelineFixture) awaitFinalized(t *testing.T, session uuid.UUID, want int) []aggregate.TurnFinalized {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.finalized(session)) >= want
	}, 10*time.Second, 20*time.Millisecond)
	got := f.finalized(session)
	require.Len(t, got, want)
	return got
}

// createdNodes returns the distinct created node ids per kind for the
// session. Corrections re-announce under the same id, so distinct counting
// measures nodes, not writes.
func (f *pipelineFixture) createdNodes(session uuid.UUID) map[memory.Kind]map[uuid.UUID]struct{} {
	out := make(map[memory.Kind]map[uuid.UUID]struct{})
	for _, m := range f.broker.Messages(broker.TopicNodesCreated) {
		var n memory.Notification
		if err := json.Unmarshal(m.Value, &n); err != nil {
			continue
		}
		if n.SessionID != session || n.Type != memory.NotifyNodeCreated {
			continue
		}
		ids, ok := out[n.Kind]
		if !ok {
			ids = make(map[uuid.UUID]struct{})
			out[n.Kind] = ids
		}
		ids[n.NodeID] = struct{}{}
	}
	return out
}

func TestPipelineFinalizesStreamedTurn(t *testing.T) {
	f := startPipeline(t)
	session := uuid.New()

	f.ingest(t, "xai", session,
		`{"id":"m1","choices":[{"delta":{"role":"user","content":"hello"},"finish_reason":null}]}`)
	f.ingest(t, "xai", session,
		`{"id":"m1","model":"grok-3","choices":[{"delta":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	f.ingest(t, "xai", session,
		`{"id":"m1","model":"grok-3","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2}}`)

	fin := f.awaitFinalized(t, session, 1)[0]
	require.Equal(t, 0, fin.Ordinal)
	require.Equal(t, aggregate.ClosedByUsage, fin.ClosedBy)
	require.Equal(t, "grok-3", fin.Model)
	require.Equal(t, 3, fin.InputTokens)
	require.Equal(t, 2, fin.OutputTokens)

	nodes := f.createdNodes(session)
	require.Len(t, nodes[memory.KindMessage], 2)
	require.Empty(t, nodes[memory.KindDiffHunk])

	// The indexer picks the messages up asynchronously; retrieval closes
	// the loop once the points land.
	var resp search.Response
	require.Eventually(t, func() bool {
		rec := do(t, f.h, http.MethodPost, "/v1/search",
			fmt.Sprintf(`{"query":"hello","session_id":%q}`, session.String()))
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		return len(resp.Results) > 0
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, session.String(), resp.Results[0].Payload.SessionID)
}

func TestPipelineRecordsToolCallsAndDiff(t *testing.T) {
	f := startPipeline(t)
	session := uuid.New()

	f.ingest(t, "claude-code", session,
		`{"type":"system","subtype":"init","cwd":"/work/repo","model":"claude-sonnet-4"}`)
	f.ingest(t, "claude-code", session,
		`{"type":"user","message":{"role":"user","content":"rename the greeting"}}`)
	f.ingest(t, "claude-code", session,
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"tool_use","id":"tu1","name":"Read","input":{"file_path":"src/hello.go"}}]}}`)
	f.ingest(t, "claude-code", session,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"package main"}]}}`)
	f.ingest(t, "claude-code", session,
		`{"type":"assistant","message":{"id":"m2","content":[{"type":"tool_use","id":"tu2","name":"Edit","input":{"file_path":"src/hello.go","old_string":"Hello","new_string":"Hi"}}]}}`)
	f.ingest(t, "claude-code", session,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu2","content":"ok"}]}}`)
	f.ingest(t, "claude-code", session,
		`{"type":"result","subtype":"success","usage":{"input_tokens":12,"output_tokens":5}}`)

	fin := f.awaitFinalized(t, session, 1)[0]
	require.Equal(t, 0, fin.Ordinal)
	require.Equal(t, aggregate.ClosedByUsage, fin.ClosedBy)

	// Read and Edit each create one tool call; only the Edit result
	// synthesizes a diff. The tool results correct in place rather than
	// adding nodes.
	nodes := f.createdNodes(session)
	require.Len(t, nodes[memory.KindToolCall], 2)
	require.Len(t, nodes[memory.KindDiffHunk], 1)
	require.Len(t, nodes[memory.KindMessage], 1)
}
