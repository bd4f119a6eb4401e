// Package search implements hybrid retrieval over the vector collections:
// a rule-based classifier picks dense, sparse, or fused fetching; hybrid
// prefetches merge with reciprocal rank fusion; a tiered reranker
// rescored the head of the list under a hard timeout; and a score-shape
// detector flags result sets not worth returning. Scores stay in the
// [0, 1] range across strategies so abstention thresholds mean the same
// thing everywhere.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/fault"
	"github.com/hyperengineering/engram/retrieval/rerank"
	"github.com/hyperengineering/engram/telemetry"
	"github.com/hyperengineering/engram/vector"
)

// Engine defaults.
const (
	// DefaultLimit is the result count when the query names none.
	DefaultLimit = 10
	// DefaultRerankDepth is how deep into the fused list the reranker
	// looks.
	DefaultRerankDepth = 30
	// DefaultRerankTimeout bounds the rerank pass; expiry falls back to
	// the fused order.
	DefaultRerankTimeout = 500 * time.Millisecond
)

type (
	// Query is one retrieval request.
	Query struct {
		// Text is the query. Required.
		Text string
		// Limit caps returned results. Defaults to 10.
		Limit int
		// Threshold drops hits scoring under it. Dense and sparse only;
		// fused hybrid scores ignore it.
		Threshold float32
		// Strategy forces the retrieval path. Empty lets the classifier
		// decide.
		Strategy Strategy
		// Filter restricts hits by payload.
		Filter *vector.Filter
		// SkipRerank returns the fetch order untouched.
		SkipRerank bool
		// RerankDepth overrides how many candidates the reranker sees.
		RerankDepth int
		// RerankTier forces a reranker tier; the listwise tier runs only
		// when named here.
		RerankTier rerank.Tier
	}

	// Result is one retrieval hit. Score is the reranker score when the
	// hit was reranked, the fused score mapped onto [0, 1] for hybrid
	// fetches, and the native similarity otherwise.
	Result struct {
		ID            string         `json:"id"`
		Score         float64        `json:"score"`
		RRFScore      float64        `json:"rrf_score,omitempty"`
		RerankerScore *float64       `json:"reranker_score,omitempty"`
		Payload       vector.Payload `json:"payload"`
	}

	// Response carries the hits and the abstention verdict.
	Response struct {
		Results    []Result   `json:"results"`
		Strategy   Strategy   `json:"strategy"`
		Alpha      float64    `json:"alpha"`
		Abstention Abstention `json:"abstention"`
	}

	// Options configures the engine.
	Options struct {
		// Vectors is the point store. Required.
		Vectors vector.Store
		// Text embeds prose queries. Required.
		Text embed.Embedder
		// Code embeds code-shaped queries. Required.
		Code embed.Embedder
		// Sparse is the deterministic sparse encoder. Required.
		Sparse embed.SparseEncoder
		// Reranker rescores candidates when set; without it every query
		// returns the fetch order.
		Reranker *rerank.Service
		// Detector judges result sets. Defaults to the Layer-1 detector.
		Detector Detector
		// RerankTimeout defaults to 500ms.
		RerankTimeout time.Duration
		// RerankDepth defaults to 30.
		RerankDepth int
		// TopSessions is the stage-one width of two-stage retrieval.
		// Defaults to 5.
		TopSessions int
		// TurnsPerSession is the stage-two width. Defaults to 3.
		TurnsPerSession int
		// ParallelSessions fans stage two out concurrently.
		ParallelSessions bool
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// Engine runs queries.
	Engine struct {
		vectors          vector.Store
		text             embed.Embedder
		code             embed.Embedder
		sparse           embed.SparseEncoder
		reranker         *rerank.Service
		detector         Detector
		rerankTimeout    time.Duration
		rerankDepth      int
		topSessions      int
		turnsPerSession  int
		parallelSessions bool
		logger           telemetry.Logger
		metrics          telemetry.Metrics
	}
)

// New creates the engine.
func New(opts Options) (*Engine, error) {
	if opts.Vectors == nil {
		return nil, fmt.Errorf("search: vector store is required")
	}
	if opts.Text == nil {
		return nil, fmt.Errorf("search: text embedder is required")
	}
	if opts.Code == nil {
		return nil, fmt.Errorf("search: code embedder is required")
	}
	if opts.Sparse == nil {
		return nil, fmt.Errorf("search: sparse encoder is required")
	}
	if opts.Detector == nil {
		opts.Detector = NewLayerOne()
	}
	if opts.RerankTimeout <= 0 {
		opts.RerankTimeout = DefaultRerankTimeout
	}
	if opts.RerankDepth <= 0 {
		opts.RerankDepth = DefaultRerankDepth
	}
	if opts.TopSessions <= 0 {
		opts.TopSessions = DefaultTopSessions
	}
	if opts.TurnsPerSession <= 0 {
		opts.TurnsPerSession = DefaultTurnsPerSession
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{
		vectors:          opts.Vectors,
		text:             opts.Text,
		code:             opts.Code,
		sparse:           opts.Sparse,
		reranker:         opts.Reranker,
		detector:         opts.Detector,
		rerankTimeout:    opts.RerankTimeout,
		rerankDepth:      opts.RerankDepth,
		topSessions:      opts.TopSessions,
		turnsPerSession:  opts.TurnsPerSession,
		parallelSessions: opts.ParallelSessions,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
	}, nil
}

// Search classifies, fetches, optionally reranks, and judges the query.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, &fault.ValidationError{Code: "missing_query", Field: "text", Message: "query text is required"}
	}
	switch q.Strategy {
	case "", StrategyDense, StrategySparse, StrategyHybrid:
	default:
		return nil, &fault.ValidationError{Code: "unknown_strategy", Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", q.Strategy)}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	depth := q.RerankDepth
	if depth <= 0 {
		depth = e.rerankDepth
	}

	cls := Classification{Strategy: q.Strategy, Alpha: defaultAlpha(q.Strategy)}
	if q.Strategy == "" {
		cls = Classify(q.Text)
	}

	rerankOn := !q.SkipRerank && e.reranker != nil
	fetchLimit := q.Limit
	if rerankOn && depth > fetchLimit {
		fetchLimit = depth
	}

	start := time.Now()
	base, err := e.fetch(ctx, q, cls, fetchLimit)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordTimer("search_fetch_duration", time.Since(start), "strategy", string(cls.Strategy))

	results := base
	if rerankOn && len(base) > 0 {
		results, err = e.rerank(ctx, q, base, depth)
		if err != nil {
			return nil, err
		}
	}
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}

	verdict := e.detector.Detect(scoresOf(results))
	if verdict.ShouldAbstain {
		e.metrics.IncCounter("search_abstained_total", 1, "reason", verdict.Reason)
	}
	e.metrics.IncCounter("search_requests_total", 1, "strategy", string(cls.Strategy))
	return &Response{Results: results, Strategy: cls.Strategy, Alpha: cls.Alpha, Abstention: verdict}, nil
}

// fetch runs the strategy's retrieval and returns candidates best first.
func (e *Engine) fetch(ctx context.Context, q Query, cls Classification, fetchLimit int) ([]Result, error) {
	switch cls.Strategy {
	case StrategyDense:
		field, vec, err := e.queryVector(ctx, q.Text)
		if err != nil {
			return nil, err
		}
		hits, err := e.vectors.Search(ctx, vector.CollectionMemory, vector.Query{
			Dense:          vec,
			Using:          field,
			Limit:          fetchLimit,
			ScoreThreshold: threshold(q),
			Filter:         q.Filter,
		})
		if err != nil {
			return nil, fmt.Errorf("search: dense fetch: %w", err)
		}
		return nativeResults(hits), nil
	case StrategySparse:
		sv := e.sparse.Encode(q.Text)
		hits, err := e.vectors.SearchSparse(ctx, vector.CollectionMemory, vector.Query{
			Sparse:         &sv,
			Limit:          fetchLimit,
			ScoreThreshold: threshold(q),
			Filter:         q.Filter,
		})
		if err != nil {
			return nil, fmt.Errorf("search: sparse fetch: %w", err)
		}
		return nativeResults(hits), nil
	default:
		return e.fetchHybrid(ctx, q, cls, fetchLimit)
	}
}

// fetchHybrid oversamples dense and sparse prefetches in parallel and
// fuses them. Fused scores are reported raw in RRFScore and mapped onto
// [0, 1] in Score by dividing by the best attainable fusion score.
func (e *Engine) fetchHybrid(ctx context.Context, q Query, cls Classification, fetchLimit int) ([]Result, error) {
	prefetch := 2 * fetchLimit
	var denseHits, sparseHits []vector.Scored
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		field, vec, err := e.queryVector(gctx, q.Text)
		if err != nil {
			return err
		}
		hits, err := e.vectors.Search(gctx, vector.CollectionMemory, vector.Query{
			Dense:  vec,
			Using:  field,
			Limit:  prefetch,
			Filter: q.Filter,
		})
		if err != nil {
			return fmt.Errorf("search: dense prefetch: %w", err)
		}
		denseHits = hits
		return nil
	})
	g.Go(func() error {
		sv := e.sparse.Encode(q.Text)
		hits, err := e.vectors.SearchSparse(gctx, vector.CollectionMemory, vector.Query{
			Sparse: &sv,
			Limit:  prefetch,
			Filter: q.Filter,
		})
		if err != nil {
			return fmt.Errorf("search: sparse prefetch: %w", err)
		}
		sparseHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Weights normalize so the default alpha of 0.5 reduces to plain
	// reciprocal rank fusion.
	lists := []RankedList{
		{Hits: denseHits, Weight: 2 * cls.Alpha},
		{Hits: sparseHits, Weight: 2 * (1 - cls.Alpha)},
	}
	fused := FuseRRF(RRFK, lists...)
	ceiling := maxFusedScore(RRFK, lists...)
	out := make([]Result, 0, min(len(fused), fetchLimit))
	for _, f := range fused {
		if len(out) == fetchLimit {
			break
		}
		score := 0.0
		if ceiling > 0 {
			score = f.Score / ceiling
		}
		out = append(out, Result{ID: f.ID, Score: score, RRFScore: f.Score, Payload: f.Payload})
	}
	return out, nil
}

// rerank rescores the head of the candidate list under the timeout.
// Timeouts and backend failures keep the fetch order; per-user quota
// rejections surface so callers see the reset time.
func (e *Engine) rerank(ctx context.Context, q Query, base []Result, depth int) ([]Result, error) {
	candidates := base
	if len(candidates) > depth {
		candidates = candidates[:depth]
	}
	docs := make([]rerank.Document, 0, len(candidates))
	for _, r := range candidates {
		docs = append(docs, rerank.Document{ID: r.ID, Text: r.Payload.Content, ContentType: r.Payload.Type})
	}
	rctx, cancel := context.WithTimeout(ctx, e.rerankTimeout)
	defer cancel()
	scored, err := e.reranker.Rerank(rctx, rerank.Request{
		Query:     q.Text,
		Documents: docs,
		TopK:      q.Limit,
		Tier:      q.RerankTier,
	})
	if err != nil {
		if fault.IsRateLimit(err) {
			return nil, err
		}
		e.logger.Debug(ctx, "rerank fell back to fetch order", "err", err)
		e.metrics.IncCounter("search_rerank_fallback_total", 1)
		return base, nil
	}

	byID := make(map[string]Result, len(candidates))
	for _, r := range candidates {
		byID[r.ID] = r
	}
	out := make([]Result, 0, len(scored))
	for _, s := range scored {
		r, ok := byID[s.ID]
		if !ok {
			continue
		}
		score := s.Score
		r.RerankerScore = &score
		r.Score = score
		out = append(out, r)
	}
	if len(out) == 0 {
		return base, nil
	}
	return out, nil
}

// queryVector embeds the query on the field it should search: code-shaped
// text through the code model, prose through the text model with the
// query prefix.
func (e *Engine) queryVector(ctx context.Context, text string) (string, []float32, error) {
	if embed.LooksLikeCode(text) {
		vecs, err := e.code.Embed(ctx, []string{text})
		if err != nil {
			return "", nil, fmt.Errorf("search: embed code query: %w", err)
		}
		return vector.FieldCodeDense, vecs[0], nil
	}
	vecs, err := e.text.Embed(ctx, []string{embed.PrefixQuery + text})
	if err != nil {
		return "", nil, fmt.Errorf("search: embed query: %w", err)
	}
	return vector.FieldTextDense, vecs[0], nil
}

func nativeResults(hits []vector.Scored) []Result {
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{ID: h.ID, Score: float64(h.Score), Payload: h.Payload})
	}
	return out
}

func threshold(q Query) *float32 {
	if q.Threshold <= 0 {
		return nil
	}
	t := q.Threshold
	return &t
}

func scoresOf(results []Result) []float64 {
	scores := make([]float64, 0, len(results))
	for _, r := range results {
		scores = append(scores, r.Score)
	}
	return scores
}
