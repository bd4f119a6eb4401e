package openai_test

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	openaiembed "github.com/hyperengineering/engram/features/embed/openai"
)

func TestClientEmbed(t *testing.T) {
	mock := &mockEmbeddingsClient{}
	client, err := openaiembed.New(openaiembed.Options{Client: mock, Model: "text-embedding-3-small", Dimensions: 3})
	require.NoError(t, err)
	require.Equal(t, 3, client.Dimensions())

	// Return vectors out of order to exercise index-based placement.
	mock.response = openai.EmbeddingResponse{
		Data: []openai.Embedding{
			{Index: 1, Embedding: []float32{4, 5, 6}},
			{Index: 0, Embedding: []float32{1, 2, 3}},
		},
	}

	vecs, err := client.Embed(context.Background(), []string{"passage: alpha", "passage: beta"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, vecs)

	req, ok := mock.captured.(openai.EmbeddingRequest)
	require.True(t, ok)
	require.Equal(t, openai.EmbeddingModel("text-embedding-3-small"), req.Model)
	require.Equal(t, []string{"passage: alpha", "passage: beta"}, req.Input)
	require.Equal(t, 3, req.Dimensions)
}

func TestClientEmbedEmptyInput(t *testing.T) {
	mock := &mockEmbeddingsClient{}
	client, err := openaiembed.New(openaiembed.Options{Client: mock, Model: "m", Dimensions: 3})
	require.NoError(t, err)

	vecs, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, vecs)
	require.Zero(t, mock.calls)
}

func TestClientEmbedDimensionMismatch(t *testing.T) {
	mock := &mockEmbeddingsClient{
		response: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Index: 0, Embedding: []float32{1, 2}}},
		},
	}
	client, err := openaiembed.New(openaiembed.Options{Client: mock, Model: "m", Dimensions: 3})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"alpha"})
	require.ErrorContains(t, err, "2 dimensions, want 3")
}

func TestClientEmbedCountMismatch(t *testing.T) {
	mock := &mockEmbeddingsClient{
		response: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Index: 0, Embedding: []float32{1, 2, 3}}},
		},
	}
	client, err := openaiembed.New(openaiembed.Options{Client: mock, Model: "m", Dimensions: 3})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"alpha", "beta"})
	require.ErrorContains(t, err, "1 vectors, want 2")
}

func TestClientEmbedAPIError(t *testing.T) {
	mock := &mockEmbeddingsClient{err: errors.New("boom")}
	client, err := openaiembed.New(openaiembed.Options{Client: mock, Model: "m", Dimensions: 3})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"alpha"})
	require.ErrorContains(t, err, "create embeddings")
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := openaiembed.New(openaiembed.Options{Model: "m", Dimensions: 3})
	require.Error(t, err)
	_, err = openaiembed.New(openaiembed.Options{Client: &mockEmbeddingsClient{}, Dimensions: 3})
	require.Error(t, err)
	_, err = openaiembed.New(openaiembed.Options{Client: &mockEmbeddingsClient{}, Model: "m"})
	require.Error(t, err)
}

type mockEmbeddingsClient struct {
	response openai.EmbeddingResponse
	captured openai.EmbeddingRequestConverter
	err      error
	calls    int
}

func (m *mockEmbeddingsClient) CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (
	openai.EmbeddingResponse, error) {
	m.calls++
	m.captured = conv
	return m.response, m.err
}
