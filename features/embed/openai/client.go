// Package openai provides an embed.Embedder backed by the OpenAI Embeddings
// API, or any OpenAI-compatible endpoint such as a local inference server. It
// issues batched CreateEmbeddings calls using github.com/sashabaranov/go-openai
// and returns vectors in input order.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultTimeout bounds a single embeddings call.
const DefaultTimeout = 30 * time.Second

// EmbeddingsClient captures the subset of the go-openai client used by the
// adapter.
type EmbeddingsClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (
		openai.EmbeddingResponse, error)
}

// Options configures the OpenAI embedder.
type Options struct {
	Client EmbeddingsClient
	// Model names the embeddings model, e.g. "text-embedding-3-small" or the
	// model identifier served by a local endpoint.
	Model string
	// Dimensions is the vector width the model produces. For models that
	// accept a dimensions parameter it is also sent with each request.
	Dimensions int
	// Timeout bounds each API call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Client implements embed.Embedder via the OpenAI Embeddings API.
type Client struct {
	api     EmbeddingsClient
	model   openai.EmbeddingModel
	dims    int
	timeout time.Duration
}

// New builds an OpenAI-backed embedder from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	if opts.Dimensions <= 0 {
		return nil, errors.New("dimensions must be positive")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		api:     opts.Client,
		model:   openai.EmbeddingModel(opts.Model),
		dims:    opts.Dimensions,
		timeout: timeout,
	}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
// baseURL may be empty to target the OpenAI API, or point at a compatible
// server such as a local text-embeddings endpoint.
func NewFromAPIKey(apiKey, baseURL, model string, dimensions int) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{
		Client:     openai.NewClientWithConfig(cfg),
		Model:      model,
		Dimensions: dimensions,
	})
}

// Embed returns one vector per input text, in input order. Texts are sent as
// a single batched request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      c.model,
		Dimensions: c.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response has %d vectors, want %d", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		if len(d.Embedding) != c.dims {
			return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(d.Embedding), c.dims)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("embeddings response missing vector for input %d", i)
		}
	}
	return out, nil
}

// Dimensions reports the vector width produced by the configured model.
func (c *Client) Dimensions() int { return c.dims }
