package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/fault"
	hashembed "github.com/hyperengineering/engram/features/embed/hashing"
	vecinmem "github.com/hyperengineering/engram/features/vector/inmem"
	"github.com/hyperengineering/engram/retrieval/rerank"
	"github.com/hyperengineering/engram/vector"
)

type engineFixture struct {
	vectors *vecinmem.Store
	text    *hashembed.Embedder
	code    *hashembed.Embedder
	sparse  *hashembed.Encoder
	engine  *Engine
	ids     map[string]uuid.UUID
}

// newEngineFixture builds an engine over the in-memory store and seeds a
// small corpus the way the indexer would: passage-prefixed text vectors,
// raw code vectors, sparse vectors for everything.
func newEngineFixture(t *testing.T, mutate func(*Options)) *engineFixture {
	t.Helper()
	ctx := context.Background()

	store := vecinmem.New()
	require.NoError(t, store.Connect(ctx))
	require.NoError(t, store.EnsureCollection(ctx, vector.CollectionMemory, vector.MemorySchema(false), false))
	require.NoError(t, store.EnsureCollection(ctx, vector.CollectionSessions, vector.SessionSchema(), false))

	text, err := hashembed.NewEmbedder(vector.TextDenseDims)
	require.NoError(t, err)
	code, err := hashembed.NewEmbedder(vector.CodeDenseDims)
	require.NoError(t, err)
	sparse := hashembed.NewEncoder()

	opts := Options{Vectors: store, Text: text, Code: code, Sparse: sparse}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := New(opts)
	require.NoError(t, err)

	f := &engineFixture{
		vectors: store,
		text:    text,
		code:    code,
		sparse:  sparse,
		engine:  engine,
		ids:     make(map[string]uuid.UUID),
	}
	f.seedText(t, "watcher", "the file watcher debounces change events before reloading the config", vector.TypeDoc, "s1")
	f.seedText(t, "pooling", "postgres connection pooling uses pgx with a maximum of ten connections", vector.TypeDoc, "s1")
	f.seedText(t, "deploy", "deploy failures roll back automatically after three failed health checks", vector.TypeThought, "s2")
	f.seedCode(t, "closer", "func (w *Watcher) Close() error { return w.drain() }", "s2")
	return f
}

func (f *engineFixture) seedText(t *testing.T, name, content, payloadType, sessionID string) {
	t.Helper()
	ctx := context.Background()
	vecs, err := f.text.Embed(ctx, []string{embed.PrefixPassage + content})
	require.NoError(t, err)
	sv := f.sparse.Encode(content)
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	f.ids[name] = id
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

func (f *engineFixture) seedCode(t *testing.T, name, content, sessionID string) {
	t.Helper()
	ctx := context.Background()
	vecs, err := f.code.Embed(ctx, []string{content})
	require.NoError(t, err)
	sv := f.sparse.Encode(content)
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	f.ids[name] = id
	require.NoError(t, f.vectors.Upsert(ctx, vector.CollectionMemory, vector.Point{
		ID:     id,
		Dense:  map[string][]float32{vector.FieldCodeDense: vecs[0]},
		Sparse: &sv,
		Payload: vector.Payload{
			Content:   content,
			NodeID:    id.String(),
			SessionID: sessionID,
			Type:      vector.TypeCode,
			Timestamp: time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC).UnixMilli(),
		},
	}))
}

func TestNewValidatesOptions(t *testing.T) {
	store := vecinmem.New()
	text, err := hashembed.NewEmbedder(vector.TextDenseDims)
	require.NoError(t, err)
	code, err := hashembed.NewEmbedder(vector.CodeDenseDims)
	require.NoError(t, err)
	sparse := hashembed.NewEncoder()

	_, err = New(Options{Text: text, Code: code, Sparse: sparse})
	require.ErrorContains(t, err, "vector store")
	_, err = New(Options{Vectors: store, Code: code, Sparse: sparse})
	require.ErrorContains(t, err, "text embedder")
	_, err = New(Options{Vectors: store, Text: text, Sparse: sparse})
	require.ErrorContains(t, err, "code embedder")
	_, err = New(Options{Vectors: store, Text: text, Code: code})
	require.ErrorContains(t, err, "sparse encoder")

	e, err := New(Options{Vectors: store, Text: text, Code: code, Sparse: sparse})
	require.NoError(t, err)
	require.Equal(t, DefaultRerankDepth, e.rerankDepth)
	require.Equal(t, DefaultRerankTimeout, e.rerankTimeout)
	require.Equal(t, DefaultTopSessions, e.topSessions)
	require.Equal(t, DefaultTurnsPerSession, e.turnsPerSession)
	require.NotNil(t, e.detector)
}

func TestSearchValidatesQuery(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Search(context.Background(), Query{Text: "   "})
	require.True(t, fault.IsValidation(err))

	_, err = f.engine.Search(context.Background(), Query{Text: "watcher", Strategy: "fuzzy"})
	require.True(t, fault.IsValidation(err))
	require.ErrorContains(t, err, "fuzzy")
}

func TestDenseSearchRanksTokenOverlap(t *testing.T) {
	f := newEngineFixture(t, nil)

	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "how does the file watcher debounce change events before reloading",
		Strategy: StrategyDense,
	})
	require.NoError(t, err)
	require.Equal(t, StrategyDense, resp.Strategy)
	require.InDelta(t, alphaDense, resp.Alpha, 1e-9)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, f.ids["watcher"].String(), resp.Results[0].ID)
	require.Greater(t, resp.Results[0].Score, 0.3)
	require.Nil(t, resp.Results[0].RerankerScore)
	require.Zero(t, resp.Results[0].RRFScore)
	require.False(t, resp.Abstention.ShouldAbstain)
}

func TestSparseSearchMatchesExactTokens(t *testing.T) {
	f := newEngineFixture(t, nil)

	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "pgx connection pooling postgres",
		Strategy: StrategySparse,
	})
	require.NoError(t, err)
	require.Equal(t, StrategySparse, resp.Strategy)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, f.ids["pooling"].String(), resp.Results[0].ID)
	require.False(t, resp.Abstention.ShouldAbstain)
}

func TestHybridFusesAndNormalizes(t *testing.T) {
	f := newEngineFixture(t, nil)

	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "file watcher debounce",
		Strategy: StrategyHybrid,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	require.Equal(t, f.ids["watcher"].String(), top.ID)
	// First in both prefetch lists reaches the normalization ceiling.
	require.InDelta(t, 1.0, top.Score, 1e-9)
	require.InDelta(t, 2.0/61, top.RRFScore, 1e-12)
	require.Nil(t, top.RerankerScore)
	require.False(t, resp.Abstention.ShouldAbstain)
}

func TestClassifierPicksStrategyWhenUnset(t *testing.T) {
	f := newEngineFixture(t, nil)

	resp, err := f.engine.Search(context.Background(), Query{Text: `"connection refused"`})
	require.NoError(t, err)
	require.Equal(t, StrategySparse, resp.Strategy)
	require.InDelta(t, alphaSparse, resp.Alpha, 1e-9)
}

func TestCodeQueryEmbedsOnCodeField(t *testing.T) {
	f := newEngineFixture(t, nil)

	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "func (w *Watcher) Close()",
		Strategy: StrategyDense,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, f.ids["closer"].String(), resp.Results[0].ID)
	require.Equal(t, vector.TypeCode, resp.Results[0].Payload.Type)
	// Text-only points carry no code vector and stay out of the list.
	for _, r := range resp.Results {
		require.Equal(t, vector.TypeCode, r.Payload.Type)
	}
}

func TestFilterRestrictsSession(t *testing.T) {
	f := newEngineFixture(t, nil)

	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "deploy failures roll back automatically",
		Strategy: StrategyHybrid,
		Filter:   &vector.Filter{SessionID: "s2"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, f.ids["deploy"].String(), resp.Results[0].ID)
	for _, r := range resp.Results {
		require.Equal(t, "s2", r.Payload.SessionID)
	}
}

func TestThresholdDropsWeakMatches(t *testing.T) {
	f := newEngineFixture(t, nil)

	resp, err := f.engine.Search(context.Background(), Query{
		Text:      "watcher",
		Strategy:  StrategyDense,
		Threshold: 0.99,
	})
	require.NoError(t, err)
	require.Empty(t, resp.Results)
	require.True(t, resp.Abstention.ShouldAbstain)
	require.Equal(t, ReasonNoResults, resp.Abstention.Reason)
}

func TestAbstainsOnWeakResults(t *testing.T) {
	f := newEngineFixture(t, nil)

	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "quarterly marketing budget forecast",
		Strategy: StrategyDense,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	require.True(t, resp.Abstention.ShouldAbstain)
	require.Equal(t, ReasonLowScore, resp.Abstention.Reason)
	require.InDelta(t, 0.8, resp.Abstention.Confidence, 1e-9)
}

// scoringReranker returns fixed scores by document id and counts calls.
type scoringReranker struct {
	scores map[string]float64
	calls  int
}

func (r *scoringReranker) Rerank(_ context.Context, _ string, docs []rerank.Document, topK int) ([]rerank.Scored, error) {
	r.calls++
	out := make([]rerank.Scored, 0, len(docs))
	for _, d := range docs {
		out = append(out, rerank.Scored{ID: d.ID, Score: r.scores[d.ID]})
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Score > out[i].Score {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

type failingReranker struct{ err error }

func (r *failingReranker) Rerank(context.Context, string, []rerank.Document, int) ([]rerank.Scored, error) {
	return nil, r.err
}

type blockingReranker struct{}

func (blockingReranker) Rerank(ctx context.Context, _ string, _ []rerank.Document, _ int) ([]rerank.Scored, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func rerankService(t *testing.T, model rerank.Reranker) *rerank.Service {
	t.Helper()
	cache, err := rerank.NewModelCache(rerank.ModelCacheOptions{
		Load: func(context.Context, rerank.ModelKey) (rerank.Reranker, error) { return model, nil },
	})
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	svc, err := rerank.NewService(rerank.Options{
		Cache: cache,
		Fast:  rerank.ModelKey{Model: "mini-ce", Quantization: "int8"},
	})
	require.NoError(t, err)
	return svc
}

func TestRerankReordersResults(t *testing.T) {
	stub := &scoringReranker{}
	f := newEngineFixture(t, func(o *Options) {
		o.Reranker = rerankService(t, stub)
	})
	stub.scores = map[string]float64{
		f.ids["watcher"].String(): 0.2,
		f.ids["pooling"].String(): 0.95,
	}

	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "file watcher debounce",
		Strategy: StrategyHybrid,
		Limit:    2,
	})
	require.NoError(t, err)
	require.Equal(t, 1, stub.calls)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, f.ids["pooling"].String(), resp.Results[0].ID)
	require.NotNil(t, resp.Results[0].RerankerScore)
	require.InDelta(t, 0.95, *resp.Results[0].RerankerScore, 1e-9)
	require.InDelta(t, 0.95, resp.Results[0].Score, 1e-9)
	require.LessOrEqual(t, len(resp.Results), 2)
}

func TestRerankErrorKeepsFetchOrder(t *testing.T) {
	f := newEngineFixture(t, func(o *Options) {
		o.Reranker = rerankService(t, &failingReranker{err: errors.New("scorer down")})
	})

	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "file watcher debounce",
		Strategy: StrategyHybrid,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, f.ids["watcher"].String(), resp.Results[0].ID)
	require.Nil(t, resp.Results[0].RerankerScore)
}

func TestRerankTimeoutKeepsFetchOrder(t *testing.T) {
	f := newEngineFixture(t, func(o *Options) {
		o.Reranker = rerankService(t, blockingReranker{})
		o.RerankTimeout = 10 * time.Millisecond
	})

	start := time.Now()
	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "file watcher debounce",
		Strategy: StrategyHybrid,
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, f.ids["watcher"].String(), resp.Results[0].ID)
	require.Nil(t, resp.Results[0].RerankerScore)
}

func TestRerankRateLimitSurfaces(t *testing.T) {
	limitErr := &fault.RateLimitError{Reason: "Rate limit exceeded", ResetAt: time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)}
	f := newEngineFixture(t, func(o *Options) {
		o.Reranker = rerankService(t, &failingReranker{err: limitErr})
	})

	_, err := f.engine.Search(context.Background(), Query{
		Text:     "file watcher debounce",
		Strategy: StrategyHybrid,
	})
	require.Error(t, err)
	require.True(t, fault.IsRateLimit(err))
}

// phraseReranker scores the way a cross-encoder does in the easy case: a
// candidate containing the query phrase verbatim beats everything else.
type phraseReranker struct{ phrase string }

func (r phraseReranker) Rerank(_ context.Context, _ string, docs []rerank.Document, topK int) ([]rerank.Scored, error) {
	out := make([]rerank.Scored, 0, len(docs))
	for i, d := range docs {
		score := 1.0 / float64(i+2)
		if strings.Contains(d.Text, r.phrase) {
			score = 0.99
		}
		out = append(out, rerank.Scored{ID: d.ID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func TestHybridThenRerankPutsLiteralPhraseFirst(t *testing.T) {
	f := newEngineFixture(t, func(o *Options) {
		o.Reranker = rerankService(t, phraseReranker{phrase: "OAuth2 implementation"})
	})
	seed := []struct{ name, content string }{
		{"oauth-impl", "the OAuth2 implementation stores refresh tokens next to the session record"},
		{"oauth-flow", "authorization code flow with PKCE protects native OAuth2 clients"},
		{"jwt", "JWT access tokens expire after fifteen minutes and rotate on use"},
		{"saml", "SAML assertions arrive signed by the identity provider"},
		{"apikey", "API keys are hashed with SHA-256 before they reach storage"},
	}
	for _, d := range seed {
		f.seedText(t, d.name, d.content, vector.TypeDoc, "s3")
	}

	resp, err := f.engine.Search(context.Background(), Query{
		Text:     "OAuth2 implementation",
		Strategy: StrategyHybrid,
		Limit:    5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	require.Equal(t, f.ids["oauth-impl"].String(), top.ID)
	require.Contains(t, top.Payload.Content, "OAuth2 implementation")
	require.NotNil(t, top.RerankerScore)
	require.InDelta(t, 0.99, *top.RerankerScore, 1e-9)
	// Candidates reached the reranker already fused.
	require.Greater(t, top.RRFScore, 0.0)
}

func TestSkipRerankBypassesService(t *testing.T) {
	stub := &scoringReranker{scores: map[string]float64{}}
	f := newEngineFixture(t, func(o *Options) {
		o.Reranker = rerankService(t, stub)
	})

	resp, err := f.engine.Search(context.Background(), Query{
		Text:       "file watcher debounce",
		Strategy:   StrategyHybrid,
		SkipRerank: true,
	})
	require.NoError(t, err)
	require.Zero(t, stub.calls)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, f.ids["watcher"].String(), resp.Results[0].ID)
}
