package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hyperengineering/engram/telemetry"
)

const listwiseSystem = "You rank documents by relevance to a query. " +
	"Reply with only a JSON array of document indices, most relevant first, " +
	"for example [2,0,1]. Include every index exactly once."

const (
	defaultListwiseMaxTokens = 1024
	defaultListwiseDocChars  = 800

	// Anthropic list pricing, cents per million tokens.
	defaultInputCentsPerMTok  = 300
	defaultOutputCentsPerMTok = 1500
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the listwise reranker. It is satisfied by *sdk.MessageService so
	// callers can pass either a real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// ListwiseOptions configures the LLM reranker.
	ListwiseOptions struct {
		// Client is the Anthropic Messages client. Required.
		Client MessagesClient
		// Model is the Claude model identifier. Required.
		Model string
		// Limiter enforces the per-user quota when set. The principal
		// comes from WithUser on the request context.
		Limiter *Limiter
		// MaxTokens caps the completion. Defaults to 1024.
		MaxTokens int
		// MaxDocumentChars truncates each candidate in the prompt.
		// Defaults to 800.
		MaxDocumentChars int
		// InputCentsPerMTok prices prompt tokens for cost attribution.
		// Defaults to 300 (three dollars per million).
		InputCentsPerMTok int
		// OutputCentsPerMTok prices completion tokens. Defaults to 1500.
		OutputCentsPerMTok int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Listwise reranks by asking a Claude model for an index permutation
	// and converting ranks to linearly decaying scores.
	Listwise struct {
		client    MessagesClient
		model     string
		limiter   *Limiter
		maxTokens int
		docChars  int
		inCents   int
		outCents  int
		logger    telemetry.Logger
	}
)

// NewListwise creates the LLM reranker.
func NewListwise(opts ListwiseOptions) (*Listwise, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("rerank: anthropic messages client is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("rerank: listwise model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultListwiseMaxTokens
	}
	if opts.MaxDocumentChars <= 0 {
		opts.MaxDocumentChars = defaultListwiseDocChars
	}
	if opts.InputCentsPerMTok <= 0 {
		opts.InputCentsPerMTok = defaultInputCentsPerMTok
	}
	if opts.OutputCentsPerMTok <= 0 {
		opts.OutputCentsPerMTok = defaultOutputCentsPerMTok
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Listwise{
		client:    opts.Client,
		model:     opts.Model,
		limiter:   opts.Limiter,
		maxTokens: opts.MaxTokens,
		docChars:  opts.MaxDocumentChars,
		inCents:   opts.InputCentsPerMTok,
		outCents:  opts.OutputCentsPerMTok,
		logger:    opts.Logger,
	}, nil
}

var _ Reranker = (*Listwise)(nil)

// Rerank asks the model to order the documents and maps the permutation
// to scores decaying linearly from 1. Indices the model skips keep their
// original relative order behind the ranked ones.
func (l *Listwise) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Scored, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	user := UserFromContext(ctx)
	if l.limiter != nil {
		if err := l.limiter.Allow(user); err != nil {
			return nil, err
		}
	}

	params := sdk.MessageNewParams{
		MaxTokens:   int64(l.maxTokens),
		Model:       sdk.Model(l.model),
		System:      []sdk.TextBlockParam{{Text: listwiseSystem}},
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(l.prompt(query, docs)))},
		Temperature: sdk.Float(0),
	}
	msg, err := l.client.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if l.limiter != nil {
		l.limiter.Record(user, l.cost(msg.Usage))
	}

	perm := parsePermutation(responseText(msg), len(docs))
	n := len(perm)
	out := make([]Scored, 0, n)
	for rank, idx := range perm {
		out = append(out, Scored{ID: docs[idx].ID, Score: float64(n-rank) / float64(n)})
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (l *Listwise) prompt(query string, docs []Document) string {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(query)
	b.WriteString("\n\nDocuments:\n")
	for i, d := range docs {
		text := d.Text
		if len(text) > l.docChars {
			text = text[:l.docChars]
		}
		fmt.Fprintf(&b, "[%d] %s\n", i, text)
	}
	return b.String()
}

// cost converts token usage to cents, rounding up.
func (l *Listwise) cost(u sdk.Usage) int {
	cents := u.InputTokens*int64(l.inCents) + u.OutputTokens*int64(l.outCents)
	if cents == 0 {
		return 0
	}
	return int((cents + 999_999) / 1_000_000)
}

// parsePermutation extracts the ranked index list from the model reply
// and completes it into a full permutation: invalid and duplicate indices
// drop, unmentioned ones append in original order.
func parsePermutation(reply string, n int) []int {
	var ranked []int
	if start := strings.Index(reply, "["); start >= 0 {
		if end := strings.LastIndex(reply, "]"); end > start {
			var parsed []int
			if err := json.Unmarshal([]byte(reply[start:end+1]), &parsed); err == nil {
				ranked = parsed
			}
		}
	}
	perm := make([]int, 0, n)
	seen := make(map[int]bool, n)
	for _, idx := range ranked {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		perm = append(perm, idx)
	}
	for idx := 0; idx < n; idx++ {
		if !seen[idx] {
			perm = append(perm, idx)
		}
	}
	return perm
}

// responseText concatenates the reply's text blocks.
func responseText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
