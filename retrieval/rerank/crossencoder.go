package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hyperengineering/engram/fault"
)

// Cross-encoder batching bounds.
const (
	// MaxBatchSize caps documents per scoring call.
	MaxBatchSize = 16
	// MaxConcurrency caps in-flight scoring calls per rerank.
	MaxConcurrency = 4
)

const (
	defaultEncoderTimeout = 10 * time.Second
	defaultEncoderRPS     = 50
)

type (
	// CrossEncoderOptions configures an HTTP cross-encoder client.
	CrossEncoderOptions struct {
		// Endpoint is the scoring URL. Required.
		Endpoint string
		// Model is the model identifier sent with each request. Required.
		Model string
		// HTTPClient overrides the default 10s-timeout client.
		HTTPClient *http.Client
		// RequestsPerSecond guards the outbound call rate. Defaults to 50.
		RequestsPerSecond float64
		// MaxBatchSize caps documents per call. Defaults to 16.
		MaxBatchSize int
		// MaxConcurrency caps parallel calls. Defaults to 4.
		MaxConcurrency int
	}

	// CrossEncoder scores query/document pairs against a remote
	// cross-encoder service. The service returns raw logits; scores are
	// squashed through a sigmoid so every tier shares the [0, 1] range.
	CrossEncoder struct {
		endpoint string
		model    string
		client   *http.Client
		limiter  *rate.Limiter
		batch    int
		conc     int
	}

	scoreRequest struct {
		Model     string   `json:"model"`
		Query     string   `json:"query"`
		Documents []string `json:"documents"`
	}

	scoreResponse struct {
		Scores []float64 `json:"scores"`
	}
)

// NewCrossEncoder creates the client.
func NewCrossEncoder(opts CrossEncoderOptions) (*CrossEncoder, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("rerank: cross-encoder endpoint is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("rerank: cross-encoder model is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultEncoderTimeout}
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = defaultEncoderRPS
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = MaxBatchSize
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = MaxConcurrency
	}
	return &CrossEncoder{
		endpoint: opts.Endpoint,
		model:    opts.Model,
		client:   opts.HTTPClient,
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(math.Ceil(opts.RequestsPerSecond))),
		batch:    opts.MaxBatchSize,
		conc:     opts.MaxConcurrency,
	}, nil
}

var _ Reranker = (*CrossEncoder)(nil)

// Rerank scores every document against the query in bounded parallel
// batches and returns the topK best.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Scored, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	scores := make([]float64, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.conc)
	for start := 0; start < len(docs); start += c.batch {
		end := start + c.batch
		if end > len(docs) {
			end = len(docs)
		}
		start, end := start, end
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, d := range docs[start:end] {
				texts = append(texts, d.Text)
			}
			logits, err := c.score(gctx, query, texts)
			if err != nil {
				return err
			}
			for i, logit := range logits {
				scores[start+i] = sigmoid(logit)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Scored, len(docs))
	for i, d := range docs {
		out[i] = Scored{ID: d.ID, Score: scores[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// score runs one scoring call under the rate guard.
func (c *CrossEncoder) score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(scoreRequest{Model: c.model, Query: query, Documents: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal score request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &fault.HTTPStatusError{StatusCode: resp.StatusCode, Message: string(msg)}
	}
	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode score response: %w", err)
	}
	if len(decoded.Scores) != len(texts) {
		return nil, fmt.Errorf("cross-encoder returned %d scores for %d documents", len(decoded.Scores), len(texts))
	}
	return decoded.Scores, nil
}

// Close drops idle connections so cache unloads release sockets.
func (c *CrossEncoder) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
