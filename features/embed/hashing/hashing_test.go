package hashing_test

import (
	"context"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/features/embed/hashing"
)

func TestEncoderDeterministicAscending(t *testing.T) {
	enc := hashing.NewEncoder()

	a := enc.Encode("fix the race in the watcher loop")
	b := enc.Encode("fix the race in the watcher loop")
	require.Equal(t, a, b)

	require.NotEmpty(t, a.Indices)
	require.Len(t, a.Values, len(a.Indices))
	for i := 1; i < len(a.Indices); i++ {
		require.Less(t, a.Indices[i-1], a.Indices[i])
	}
}

func TestEncoderSaturatesRepeats(t *testing.T) {
	enc := hashing.NewEncoder()

	once := enc.Encode("retry")
	thrice := enc.Encode("retry retry retry")
	require.Len(t, once.Indices, 1)
	require.Len(t, thrice.Indices, 1)
	require.Equal(t, once.Indices[0], thrice.Indices[0])

	// tf/(tf+k1) grows sublinearly and stays below 1.
	require.Greater(t, thrice.Values[0], once.Values[0])
	require.Less(t, thrice.Values[0], float32(1))
	require.Less(t, thrice.Values[0], 3*once.Values[0])
}

func TestEncoderEmptyText(t *testing.T) {
	enc := hashing.NewEncoder()
	sv := enc.Encode("  \n\t ")
	require.Empty(t, sv.Indices)
	require.Empty(t, sv.Values)
}

func TestEmbedderNormalizedAndPrefixInvariant(t *testing.T) {
	emb, err := hashing.NewEmbedder(64)
	require.NoError(t, err)
	require.Equal(t, 64, emb.Dimensions())

	vecs, err := emb.Embed(context.Background(), []string{
		embed.PrefixPassage + "goroutine leak in the poller",
		embed.PrefixQuery + "goroutine leak in the poller",
		"completely different subject matter here",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		require.Len(t, v, 64)
		require.InDelta(t, 1.0, norm(v), 1e-5)
	}

	// Prefixes are stripped, so passage and query forms coincide.
	require.Equal(t, vecs[0], vecs[1])
	require.Greater(t, embed.Cosine(vecs[0], vecs[1]), embed.Cosine(vecs[0], vecs[2]))
}

func TestTokenEmbedderShape(t *testing.T) {
	emb, err := hashing.NewTokenEmbedder(128)
	require.NoError(t, err)
	require.Equal(t, 128, emb.Dimensions())

	vecs, err := emb.EmbedTokens(context.Background(), "three short tokens")
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		require.Len(t, v, 128)
		require.InDelta(t, 1.0, norm(v), 1e-5)
	}

	same, err := emb.EmbedTokens(context.Background(), "tokens")
	require.NoError(t, err)
	require.Equal(t, vecs[2], same[0])
}

func TestNewRejectsNonPositiveDims(t *testing.T) {
	_, err := hashing.NewEmbedder(0)
	require.Error(t, err)
	_, err = hashing.NewTokenEmbedder(-1)
	require.Error(t, err)
}

func TestEncodeProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	enc := hashing.NewEncoder()

	properties.Property("indices strictly ascend and values stay in (0,1)", prop.ForAll(
		func(text string) bool {
			sv := enc.Encode(text)
			if len(sv.Indices) != len(sv.Values) {
				return false
			}
			for i, v := range sv.Values {
				if v <= 0 || v >= 1 {
					return false
				}
				if i > 0 && sv.Indices[i-1] >= sv.Indices[i] {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
