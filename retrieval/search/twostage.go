package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/fault"
	"github.com/hyperengineering/engram/retrieval/rerank"
	"github.com/hyperengineering/engram/vector"
)

// Two-stage defaults.
const (
	// DefaultTopSessions is the stage-one session count.
	DefaultTopSessions = 5
	// DefaultTurnsPerSession is the stage-two per-session hit count.
	DefaultTurnsPerSession = 3
)

// SessionRow is one stage-two hit with its stage-one session context.
type SessionRow struct {
	SessionID      string  `json:"session_id"`
	SessionScore   float64 `json:"session_score"`
	SessionSummary string  `json:"session_summary"`
	Result
}

// SearchSessions runs two-stage retrieval: stage one finds the sessions
// whose summaries best match the query, stage two searches inside each of
// them. A session whose stage-two fetch fails is skipped rather than
// failing the request. Rows come back best first, capped at q.Limit.
func (e *Engine) SearchSessions(ctx context.Context, q Query) ([]SessionRow, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, &fault.ValidationError{Code: "missing_query", Field: "text", Message: "query text is required"}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	vecs, err := e.text.Embed(ctx, []string{embed.PrefixQuery + q.Text})
	if err != nil {
		return nil, fmt.Errorf("search: embed session query: %w", err)
	}
	sessions, err := e.vectors.Search(ctx, vector.CollectionSessions, vector.Query{
		Dense: vecs[0],
		Using: vector.FieldTextDense,
		Limit: e.topSessions,
	})
	if err != nil {
		return nil, fmt.Errorf("search: session fetch: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	perSession := make([][]SessionRow, len(sessions))
	if e.parallelSessions {
		g, gctx := errgroup.WithContext(ctx)
		for i, s := range sessions {
			g.Go(func() error {
				perSession[i] = e.sessionRows(gctx, q, s)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, s := range sessions {
			perSession[i] = e.sessionRows(ctx, q, s)
		}
	}

	var merged []SessionRow
	for _, rows := range perSession {
		merged = append(merged, rows...)
	}
	if len(merged) == 0 {
		return nil, nil
	}

	if !q.SkipRerank && e.reranker != nil {
		merged = e.rerankRows(ctx, q, merged)
	} else {
		sort.SliceStable(merged, func(a, b int) bool {
			if merged[a].Score != merged[b].Score {
				return merged[a].Score > merged[b].Score
			}
			return merged[a].ID < merged[b].ID
		})
	}
	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	e.metrics.IncCounter("search_session_requests_total", 1)
	return merged, nil
}

// sessionRows runs the stage-two fetch for one session. Reranking is
// deferred to the merged list so sessions compete on one scale.
func (e *Engine) sessionRows(ctx context.Context, q Query, s vector.Scored) []SessionRow {
	sq := q
	sq.Limit = e.turnsPerSession
	sq.SkipRerank = true
	sq.Filter = sessionFilter(q.Filter, s.ID)
	resp, err := e.Search(ctx, sq)
	if err != nil {
		e.logger.Warn(ctx, "session stage-two fetch failed", "session_id", s.ID, "err", err)
		e.metrics.IncCounter("search_session_stage2_failed_total", 1)
		return nil
	}
	rows := make([]SessionRow, 0, len(resp.Results))
	for _, r := range resp.Results {
		rows = append(rows, SessionRow{
			SessionID:      s.ID,
			SessionScore:   float64(s.Score),
			SessionSummary: s.Payload.Content,
			Result:         r,
		})
	}
	return rows
}

// rerankRows rescores the merged rows. Failures keep the score order.
func (e *Engine) rerankRows(ctx context.Context, q Query, rows []SessionRow) []SessionRow {
	docs := make([]rerank.Document, 0, len(rows))
	byID := make(map[string]SessionRow, len(rows))
	for _, r := range rows {
		docs = append(docs, rerank.Document{ID: r.ID, Text: r.Payload.Content, ContentType: r.Payload.Type})
		byID[r.ID] = r
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
		e.logger.Debug(ctx, "session rerank fell back to score order", "err", err)
		e.metrics.IncCounter("search_rerank_fallback_total", 1)
		sort.SliceStable(rows, func(a, b int) bool {
			if rows[a].Score != rows[b].Score {
				return rows[a].Score > rows[b].Score
			}
			return rows[a].ID < rows[b].ID
		})
		return rows
	}
	out := make([]SessionRow, 0, len(scored))
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
		return rows
	}
	return out
}

func sessionFilter(base *vector.Filter, sessionID string) *vector.Filter {
	f := vector.Filter{SessionID: sessionID}
	if base != nil {
		f.Type = base.Type
		f.Time = base.Time
	}
	return &f
}
