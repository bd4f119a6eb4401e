// Package bedrock provides an embed.Embedder backed by Cohere embedding
// models served through AWS Bedrock. It translates the E5-style "passage: " /
// "query: " text prefixes into Cohere's input_type parameter and invokes the
// model through the Bedrock runtime InvokeModel API.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/hyperengineering/engram/embed"
)

const (
	// DefaultModel is the light English Cohere embedding model. It produces
	// DefaultDimensions-wide vectors.
	DefaultModel = "cohere.embed-english-light-v3.0"

	// DefaultDimensions is the vector width of DefaultModel.
	DefaultDimensions = 384

	// DefaultTimeout bounds a single InvokeModel call.
	DefaultTimeout = 30 * time.Second

	// maxBatch is the Cohere embed API limit on texts per request.
	maxBatch = 96
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the embedder. It matches *bedrockruntime.Client so callers can pass
// either the real client or a mock in tests.
type RuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options configures the Bedrock embedder.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// Model is the Bedrock model identifier. Defaults to DefaultModel.
	Model string

	// Dimensions is the vector width the model produces. Defaults to
	// DefaultDimensions.
	Dimensions int

	// Timeout bounds each InvokeModel call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Client implements embed.Embedder on top of Bedrock-hosted Cohere embed
// models.
type Client struct {
	runtime RuntimeClient
	model   string
	dims    int
	timeout time.Duration
}

// cohereRequest is the InvokeModel body for Cohere embed models.
type cohereRequest struct {
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type"`
	Truncate  string   `json:"truncate"`
}

// cohereResponse is the InvokeModel response body for Cohere embed models.
type cohereResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// New builds a Bedrock-backed embedder from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	dims := opts.Dimensions
	if dims == 0 {
		dims = DefaultDimensions
	}
	if dims < 0 {
		return nil, errors.New("dimensions must be positive")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{runtime: opts.Runtime, model: model, dims: dims, timeout: timeout}, nil
}

// NewFromConfig constructs a client using the default AWS configuration chain
// (environment, shared config files, instance metadata).
func NewFromConfig(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	opts.Runtime = bedrockruntime.NewFromConfig(cfg)
	return New(opts)
}

// Embed returns one vector per input text, in input order. The "passage: "
// and "query: " prefixes select Cohere's input_type and are stripped before
// the texts are sent; a batch is typed by its first text. Inputs are split
// into requests of at most the Cohere per-call limit.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputType := "search_document"
	if strings.HasPrefix(texts[0], embed.PrefixQuery) {
		inputType = "search_query"
	}
	stripped := make([]string, len(texts))
	for i, t := range texts {
		t = strings.TrimPrefix(t, embed.PrefixPassage)
		t = strings.TrimPrefix(t, embed.PrefixQuery)
		stripped[i] = t
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(stripped); start += maxBatch {
		end := start + maxBatch
		if end > len(stripped) {
			end = len(stripped)
		}
		vecs, err := c.invoke(ctx, stripped[start:end], inputType)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Dimensions reports the vector width produced by the configured model.
func (c *Client) Dimensions() int { return c.dims }

func (c *Client) invoke(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	body, err := json.Marshal(cohereRequest{Texts: texts, InputType: inputType, Truncate: "END"})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", c.model, err)
	}
	var parsed cohereResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed response has %d vectors, want %d", len(parsed.Embeddings), len(texts))
	}
	for i, v := range parsed.Embeddings {
		if len(v) != c.dims {
			return nil, fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(v), c.dims)
		}
	}
	return parsed.Embeddings, nil
}
