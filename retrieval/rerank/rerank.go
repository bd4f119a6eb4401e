// Package rerank rescores retrieval candidates against the query. Tiers
// trade latency for quality: a small cross-encoder by default, a larger
// one for long queries, a code-tuned one for code content, and an
// LLM-listwise pass on explicit opt-in. Cross-encoder models resolve
// through a cache keyed by model and quantization so concurrent loads
// coalesce and idle models unload.
package rerank

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/telemetry"
	"github.com/hyperengineering/engram/vector"
)

// Tier names a reranker quality level.
type Tier string

// Tiers, cheapest first.
const (
	// TierFast is the default small cross-encoder.
	TierFast Tier = "fast"
	// TierAccurate is the larger cross-encoder chosen for long queries.
	TierAccurate Tier = "accurate"
	// TierCode is the code-tuned cross-encoder.
	TierCode Tier = "code"
	// TierListwise is the LLM pass. Never chosen automatically.
	TierListwise Tier = "listwise"
)

// Queries at or above this many words route to the accurate tier.
const longQueryWords = 24

type (
	// Document is one candidate to score.
	Document struct {
		ID string
		// Text is the candidate content shown to the model.
		Text string
		// ContentType is the payload type facet (thought, code, doc).
		ContentType string
	}

	// Scored is one reranked candidate, best first.
	Scored struct {
		ID    string
		Score float64
	}

	// Reranker orders documents by relevance to the query and returns at
	// most topK results, best first.
	Reranker interface {
		Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Scored, error)
	}

	// Request is one routed rerank invocation.
	Request struct {
		Query     string
		Documents []Document
		TopK      int
		// Tier forces a specific tier. Empty routes on query and content
		// features; listwise runs only when requested here.
		Tier Tier
	}

	// Options configures the tier router.
	Options struct {
		// Cache resolves cross-encoder tiers to live models. Required.
		Cache *ModelCache
		// Fast is the default tier's model. Required.
		Fast ModelKey
		// Accurate is the long-query tier's model. Zero falls back to Fast.
		Accurate ModelKey
		// Code is the code tier's model. Zero falls back to Fast.
		Code ModelKey
		// Listwise is the LLM reranker. Optional; requests asking for the
		// listwise tier fail without it.
		Listwise Reranker
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// Service routes rerank requests to tiers.
	Service struct {
		cache    *ModelCache
		keys     map[Tier]ModelKey
		listwise Reranker
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}
)

// NewService creates the tier router.
func NewService(opts Options) (*Service, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("rerank: model cache is required")
	}
	if opts.Fast == (ModelKey{}) {
		return nil, fmt.Errorf("rerank: fast tier model is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	keys := map[Tier]ModelKey{
		TierFast:     opts.Fast,
		TierAccurate: opts.Fast,
		TierCode:     opts.Fast,
	}
	if opts.Accurate != (ModelKey{}) {
		keys[TierAccurate] = opts.Accurate
	}
	if opts.Code != (ModelKey{}) {
		keys[TierCode] = opts.Code
	}
	return &Service{
		cache:    opts.Cache,
		keys:     keys,
		listwise: opts.Listwise,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Rerank routes the request to its tier and scores the documents.
func (s *Service) Rerank(ctx context.Context, req Request) ([]Scored, error) {
	if len(req.Documents) == 0 {
		return nil, nil
	}
	tier := req.Tier
	if tier == "" {
		tier = Route(req.Query, req.Documents)
	}
	r, err := s.tier(ctx, tier)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	scored, err := r.Rerank(ctx, req.Query, req.Documents, req.TopK)
	s.metrics.RecordTimer("rerank_duration", time.Since(start), "tier", string(tier))
	if err != nil {
		s.metrics.IncCounter("rerank_failures_total", 1, "tier", string(tier))
		return nil, fmt.Errorf("rerank %s: %w", tier, err)
	}
	s.metrics.IncCounter("rerank_requests_total", 1, "tier", string(tier))
	return scored, nil
}

func (s *Service) tier(ctx context.Context, tier Tier) (Reranker, error) {
	if tier == TierListwise {
		if s.listwise == nil {
			return nil, fmt.Errorf("rerank: listwise tier is not configured")
		}
		return s.listwise, nil
	}
	key, ok := s.keys[tier]
	if !ok {
		return nil, fmt.Errorf("rerank: unknown tier %q", tier)
	}
	return s.cache.Get(ctx, key)
}

// Route picks the cross-encoder tier from surface features: code-like
// queries and code-heavy candidates go to the code tier, long queries to
// the accurate tier, everything else to fast. Listwise is never routed
// automatically.
func Route(query string, docs []Document) Tier {
	if embed.LooksLikeCode(query) || mostlyCode(docs) {
		return TierCode
	}
	if len(strings.Fields(query)) >= longQueryWords {
		return TierAccurate
	}
	return TierFast
}

// mostlyCode reports whether at least half the candidates carry the code
// payload type.
func mostlyCode(docs []Document) bool {
	if len(docs) == 0 {
		return false
	}
	code := 0
	for _, d := range docs {
		if d.ContentType == vector.TypeCode {
			code++
		}
	}
	return code*2 >= len(docs)
}
