// Package embed defines the embedding contracts the indexer and retriever
// consume. Dense embedders are opaque functions over remote models
// (OpenAI-compatible endpoints, Bedrock); the sparse encoder is a local
// deterministic BM25-style representation. Text is prefixed "passage: "
// at indexing time and "query: " at search time, matching the E5 model
// family convention.
package embed

import (
	"context"
	"math"
	"strings"

	"github.com/hyperengineering/engram/vector"
)

// Embedding prefixes.
const (
	PrefixPassage = "passage: "
	PrefixQuery   = "query: "
)

// Code chunking parameters: long patches are split before embedding and
// the chunk embeddings mean-pooled.
const (
	CodeChunkSize    = 6000
	CodeChunkOverlap = 500
	CodeMaxChunks    = 5
)

// Embedder produces dense embeddings. Implementations must return one
// vector per input, each of Dimensions() length.
type Embedder interface {
	// Embed returns dense embeddings for the inputs, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the embedding width.
	Dimensions() int
}

// SparseEncoder produces the deterministic sparse representation. The
// returned indices are strictly ascending.
type SparseEncoder interface {
	Encode(text string) vector.SparseVector
}

// MultiEmbedder produces per-token embeddings for late-interaction
// (MaxSim) retrieval. Optional; deployments without a colbert model leave
// it nil.
type MultiEmbedder interface {
	// EmbedTokens returns one vector per token of the input.
	EmbedTokens(ctx context.Context, text string) ([][]float32, error)

	// Dimensions reports the per-token embedding width.
	Dimensions() int
}

// Chunk splits text into at most maxChunks windows of size runes with the
// given overlap. Short inputs return a single chunk.
func Chunk(text string, size, overlap, maxChunks int) []string {
	if size <= 0 || len(text) <= size {
		return []string{text}
	}
	if overlap >= size {
		overlap = size / 2
	}
	step := size - overlap
	var chunks []string
	for start := 0; start < len(text); start += step {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if len(chunks) == maxChunks || end == len(text) {
			break
		}
	}
	return chunks
}

// MeanPool averages the vectors element-wise. All inputs must share a
// length; empty input returns nil.
func MeanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	pooled := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i, x := range v {
			pooled[i] += x
		}
	}
	n := float32(len(vectors))
	for i := range pooled {
		pooled[i] /= n
	}
	return pooled
}

// L2Normalize scales v to unit length in place and returns it. Zero
// vectors are returned unchanged.
func L2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// LooksLikeCode reports whether a query reads as code: fenced blocks,
// common syntax tokens, or path-like fragments.
func LooksLikeCode(text string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	markers := []string{"func ", "def ", "class ", "import ", "package ", "=>", "();", "{}", "::"}
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	slashes := strings.Count(text, "/")
	return slashes >= 2 && !strings.Contains(text, " ")
}
