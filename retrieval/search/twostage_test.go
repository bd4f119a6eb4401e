package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/fault"
	"github.com/hyperengineering/engram/vector"
)

// seedSession writes a session summary point the way the indexer
// maintains them: id is the session id, content is the summary.
func (f *engineFixture) seedSession(t *testing.T, sessionID, summary string) {
	t.Helper()
	ctx := context.Background()
	vecs, err := f.text.Embed(ctx, []string{embed.PrefixPassage + summary})
	require.NoError(t, err)
	id, err := uuid.Parse(sessionID)
	require.NoError(t, err)
	require.NoError(t, f.vectors.Upsert(ctx, vector.CollectionSessions, vector.Point{
		ID:    id,
		Dense: map[string][]float32{vector.FieldTextDense: vecs[0]},
		Payload: vector.Payload{
			Content:   summary,
			SessionID: sessionID,
			Type:      vector.TypeSession,
			Timestamp: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC).UnixMilli(),
		},
	}))
}

func newTwoStageFixture(t *testing.T, mutate func(*Options)) (*engineFixture, string, string) {
	t.Helper()
	sessWatcher := uuid.NewSHA1(uuid.NameSpaceOID, []byte("session-watcher")).String()
	sessDeploy := uuid.NewSHA1(uuid.NameSpaceOID, []byte("session-deploy")).String()

	f := newEngineFixture(t, mutate)
	// Rehome the seeded memories under real session ids.
	f.seedTextWithSession(t, "watcher", "the file watcher debounces change events before reloading the config", vector.TypeDoc, sessWatcher)
	f.seedTextWithSession(t, "pooling", "postgres connection pooling uses pgx with a maximum of ten connections", vector.TypeDoc, sessWatcher)
	f.seedTextWithSession(t, "deploy", "deploy failures roll back automatically after three failed health checks", vector.TypeThought, sessDeploy)

	f.seedSession(t, sessWatcher, "debugging the file watcher reload loop")
	f.seedSession(t, sessDeploy, "deploy rollback automation work")
	return f, sessWatcher, sessDeploy
}

func (f *engineFixture) seedTextWithSession(t *testing.T, name, content, payloadType, sessionID string) {
	t.Helper()
	ctx := context.Background()
	vecs, err := f.text.Embed(ctx, []string{embed.PrefixPassage + content})
	require.NoError(t, err)
	sv := f.sparse.Encode(content)
	id := f.ids[name]
	require.NoError(t, f.vectors.Upsert(ctx, vector.CollectionMemory, vector.Point{
		ID:     id,
		Dense:  map[string][]float32{vector.FieldTextDense: vecs[0]},
		Sparse: &sv,
		Payload: vector.Payload{
			Content:   content,
			NodeID:    id.String(),
			SessionID: sessionID,
			Type:      payloadType,
			Timestamp: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC).UnixMilli(),
		},
	}))
}

func TestSearchSessionsValidatesQuery(t *testing.T) {
	f, _, _ := newTwoStageFixture(t, nil)
	_, err := f.engine.SearchSessions(context.Background(), Query{Text: ""})
	require.True(t, fault.IsValidation(err))
}

func TestSearchSessionsAttachesSessionContext(t *testing.T) {
	f, sessWatcher, _ := newTwoStageFixture(t, nil)

	rows, err := f.engine.SearchSessions(context.Background(), Query{
		Text:     "file watcher debounce reload",
		Strategy: StrategyDense,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	top := rows[0]
	require.Equal(t, f.ids["watcher"].String(), top.ID)
	require.Equal(t, sessWatcher, top.SessionID)
	require.Equal(t, "debugging the file watcher reload loop", top.SessionSummary)
	require.Greater(t, top.SessionScore, 0.0)
	for _, row := range rows {
		require.Equal(t, row.SessionID, row.Payload.SessionID)
	}
}

func TestSearchSessionsSpansSessions(t *testing.T) {
	f, sessWatcher, sessDeploy := newTwoStageFixture(t, nil)

	rows, err := f.engine.SearchSessions(context.Background(), Query{
		Text:     "watcher reload and deploy rollback automation",
		Strategy: StrategyDense,
		Limit:    10,
	})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, row := range rows {
		seen[row.SessionID] = true
	}
	require.True(t, seen[sessWatcher])
	require.True(t, seen[sessDeploy])
}

func TestSearchSessionsHonorsTurnsPerSession(t *testing.T) {
	f, sessWatcher, _ := newTwoStageFixture(t, func(o *Options) {
		o.TurnsPerSession = 1
	})

	rows, err := f.engine.SearchSessions(context.Background(), Query{
		Text:     "file watcher debounce reload",
		Strategy: StrategyDense,
		Limit:    10,
	})
	require.NoError(t, err)

	perSession := make(map[string]int)
	for _, row := range rows {
		perSession[row.SessionID]++
	}
	require.LessOrEqual(t, perSession[sessWatcher], 1)
}

func TestSearchSessionsEmptyStageOne(t *testing.T) {
	f := newEngineFixture(t, nil) // no session points seeded
	rows, err := f.engine.SearchSessions(context.Background(), Query{Text: "anything at all"})
	require.NoError(t, err)
	require.Empty(t, rows)
}

// flakyStore fails stage-two searches for one session id.
type flakyStore struct {
	vector.Store
	failSession string
}

func (s *flakyStore) Search(ctx context.Context, collection string, q vector.Query) ([]vector.Scored, error) {
	if q.Filter != nil && q.Filter.SessionID == s.failSession {
		return nil, errors.New("shard offline")
	}
	return s.Store.Search(ctx, collection, q)
}

func (s *flakyStore) SearchSparse(ctx context.Context, collection string, q vector.Query) ([]vector.Scored, error) {
	if q.Filter != nil && q.Filter.SessionID == s.failSession {
		return nil, errors.New("shard offline")
	}
	return s.Store.SearchSparse(ctx, collection, q)
}

func TestSearchSessionsToleratesStageTwoFailure(t *testing.T) {
	f, sessWatcher, sessDeploy := newTwoStageFixture(t, nil)

	flaky := &flakyStore{Store: f.vectors, failSession: sessWatcher}
	engine, err := New(Options{
		Vectors: flaky,
		Text:    f.text,
		Code:    f.code,
		Sparse:  f.sparse,
	})
	require.NoError(t, err)

	rows, err := engine.SearchSessions(context.Background(), Query{
		Text:     "watcher reload and deploy rollback automation",
		Strategy: StrategyDense,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, row := range rows {
		require.Equal(t, sessDeploy, row.SessionID)
	}
}

func TestSearchSessionsParallelMatchesSequential(t *testing.T) {
	sequential, _, _ := newTwoStageFixture(t, nil)
	parallel, _, _ := newTwoStageFixture(t, func(o *Options) {
		o.ParallelSessions = true
	})

	q := Query{Text: "file watcher debounce reload", Strategy: StrategyDense, Limit: 5}
	seqRows, err := sequential.engine.SearchSessions(context.Background(), q)
	require.NoError(t, err)
	parRows, err := parallel.engine.SearchSessions(context.Background(), q)
	require.NoError(t, err)

	require.Equal(t, len(seqRows), len(parRows))
	for i := range seqRows {
		require.Equal(t, seqRows[i].ID, parRows[i].ID)
	}
}

func TestSearchSessionsLimitCapsRows(t *testing.T) {
	f, _, _ := newTwoStageFixture(t, nil)

	rows, err := f.engine.SearchSessions(context.Background(), Query{
		Text:     "watcher reload and deploy rollback automation",
		Strategy: StrategyDense,
		Limit:    1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
