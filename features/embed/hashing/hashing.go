// Package hashing provides deterministic, model-free embedding primitives:
// a BM25-saturation sparse encoder and feature-hashing dense and per-token
// embedders. The sparse encoder is the production lexical representation;
// the dense embedders stand in for model-backed ones in development and
// tests.
package hashing

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/vector"
)

const (
	// k1 is the BM25 term-frequency saturation constant.
	k1 = 1.2

	// maxTokens caps the number of per-token vectors produced for one text.
	maxTokens = 256

	// tokenComponents is the number of signed components each token
	// contributes to its hashed per-token vector.
	tokenComponents = 4
)

// Encoder implements embed.SparseEncoder with hashed token indices and
// BM25-style term-frequency saturation. Inverse document frequency is left
// to the search engine, which can weight sparse terms at query time.
type Encoder struct{}

// NewEncoder returns the deterministic sparse encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Encode maps each token to a 32-bit hashed index with value tf/(tf+k1).
// Tokens that collide on an index aggregate their counts before saturation.
// Indices are strictly ascending.
func (*Encoder) Encode(text string) vector.SparseVector {
	counts := make(map[uint32]int)
	for _, tok := range tokenize(text) {
		counts[hash32(tok)]++
	}
	indices := make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	values := make([]float32, len(indices))
	for i, idx := range indices {
		tf := float64(counts[idx])
		values[i] = float32(tf / (tf + k1))
	}
	return vector.SparseVector{Indices: indices, Values: values}
}

// Embedder implements embed.Embedder by feature-hashing tokens into a
// fixed-width signed vector, L2-normalized so cosine similarity is
// meaningful. The "passage: " and "query: " prefixes are stripped first so
// queries land in the same space as indexed passages.
type Embedder struct {
	dims int
}

// NewEmbedder returns a feature-hashing embedder of the given width.
func NewEmbedder(dims int) (*Embedder, error) {
	if dims <= 0 {
		return nil, errors.New("dimensions must be positive")
	}
	return &Embedder{dims: dims}, nil
}

// Embed returns one vector per input text, in input order. It never fails
// and ignores the context; the signature matches model-backed embedders.
func (e *Embedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embedOne(t)
	}
	return out, nil
}

// Dimensions reports the embedding width.
func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) embedOne(text string) []float32 {
	text = strings.TrimPrefix(text, embed.PrefixPassage)
	text = strings.TrimPrefix(text, embed.PrefixQuery)
	vec := make([]float32, e.dims)
	for _, tok := range tokenize(text) {
		h := hash64(tok, 0)
		bucket := int(h % uint64(e.dims))
		if h&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	return embed.L2Normalize(vec)
}

// TokenEmbedder implements embed.MultiEmbedder with one hashed vector per
// token, enabling late-interaction retrieval without a hosted model.
type TokenEmbedder struct {
	dims int
}

// NewTokenEmbedder returns a per-token hashing embedder of the given width.
func NewTokenEmbedder(dims int) (*TokenEmbedder, error) {
	if dims <= 0 {
		return nil, errors.New("dimensions must be positive")
	}
	return &TokenEmbedder{dims: dims}, nil
}

// EmbedTokens returns one vector per token of the input, capped at
// maxTokens.
func (e *TokenEmbedder) EmbedTokens(_ context.Context, text string) ([][]float32, error) {
	toks := tokenize(text)
	if len(toks) > maxTokens {
		toks = toks[:maxTokens]
	}
	out := make([][]float32, len(toks))
	for i, tok := range toks {
		out[i] = e.embedToken(tok)
	}
	return out, nil
}

// Dimensions reports the per-token embedding width.
func (e *TokenEmbedder) Dimensions() int { return e.dims }

func (e *TokenEmbedder) embedToken(tok string) []float32 {
	vec := make([]float32, e.dims)
	for c := byte(0); c < tokenComponents; c++ {
		h := hash64(tok, c)
		bucket := int(h % uint64(e.dims))
		if h&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	return embed.L2Normalize(vec)
}

// tokenize lowercases the text and splits it on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hash32(tok string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(tok))
	return h.Sum32()
}

func hash64(tok string, salt byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte(tok))
	h.Write([]byte{salt})
	return h.Sum64()
}
