package search

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/vector"
)

func hitList(ids ...string) []vector.Scored {
	hits := make([]vector.Scored, 0, len(ids))
	for i, id := range ids {
		hits = append(hits, vector.Scored{ID: id, Score: float32(1.0 - float64(i)*0.1), Payload: vector.Payload{Content: "content " + id}})
	}
	return hits
}

func TestFuseRRFRanksAgreementFirst(t *testing.T) {
	fused := FuseRRF(RRFK,
		RankedList{Hits: hitList("a", "b", "c"), Weight: 1},
		RankedList{Hits: hitList("b", "d"), Weight: 1},
	)

	require.Len(t, fused, 4)
	require.Equal(t, "b", fused[0].ID)
	require.InDelta(t, 1.0/61+1.0/62, fused[0].Score, 1e-12)
	require.Equal(t, "a", fused[1].ID)
	require.InDelta(t, 1.0/61, fused[1].Score, 1e-12)
	require.Equal(t, "d", fused[2].ID)
	require.Equal(t, "c", fused[3].ID)
}

func TestFuseRRFWeightsBiasTheWinner(t *testing.T) {
	dense := RankedList{Hits: hitList("dense-top"), Weight: 2 * 0.7}
	sparse := RankedList{Hits: hitList("sparse-top"), Weight: 2 * 0.3}

	fused := FuseRRF(RRFK, dense, sparse)
	require.Equal(t, "dense-top", fused[0].ID)

	dense.Weight, sparse.Weight = 2*0.3, 2*0.7
	fused = FuseRRF(RRFK, dense, sparse)
	require.Equal(t, "sparse-top", fused[0].ID)
}

func TestFuseRRFTiesBreakOnID(t *testing.T) {
	fused := FuseRRF(RRFK,
		RankedList{Hits: hitList("zeta"), Weight: 1},
		RankedList{Hits: hitList("alpha"), Weight: 1},
	)
	require.Equal(t, []string{"alpha", "zeta"}, []string{fused[0].ID, fused[1].ID})
}

func TestFuseRRFPayloadFromFirstAppearance(t *testing.T) {
	first := []vector.Scored{{ID: "x", Score: 0.9, Payload: vector.Payload{Content: "from dense"}}}
	second := []vector.Scored{{ID: "x", Score: 0.8, Payload: vector.Payload{Content: "from sparse"}}}

	fused := FuseRRF(RRFK,
		RankedList{Hits: first, Weight: 1},
		RankedList{Hits: second, Weight: 1},
	)
	require.Len(t, fused, 1)
	require.Equal(t, "from dense", fused[0].Payload.Content)
}

func TestFuseRRFNonPositiveKUsesDefault(t *testing.T) {
	fused := FuseRRF(0, RankedList{Hits: hitList("only"), Weight: 1})
	require.InDelta(t, 1.0/61, fused[0].Score, 1e-12)
}

func TestMaxFusedScoreIsTheCeiling(t *testing.T) {
	lists := []RankedList{
		{Hits: hitList("a", "b"), Weight: 2 * 0.5},
		{Hits: hitList("a", "c"), Weight: 2 * 0.5},
	}
	ceiling := maxFusedScore(RRFK, lists...)
	require.InDelta(t, 2.0/61, ceiling, 1e-12)

	fused := FuseRRF(RRFK, lists...)
	for _, f := range fused {
		require.LessOrEqual(t, f.Score, ceiling+1e-12)
	}
	require.InDelta(t, ceiling, fused[0].Score, 1e-12, "rank-one everywhere reaches the ceiling")
}

// A document's fused score is a function of its own ranks alone, so
// documents outside the input lists cannot move members: adding or
// removing a disjoint candidate list leaves every member's score and the
// members' relative order untouched.
func TestFuseRRFMembersUnaffectedByDisjointDocuments(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	idGen := gen.RegexMatch(`[a-z]{1,6}`)

	properties.Property("member scores and order are invariant", prop.ForAll(
		func(a, b, extra []string) bool {
			la := RankedList{Hits: hitList(a...), Weight: 2 * 0.7}
			lb := RankedList{Hits: hitList(b...), Weight: 2 * 0.3}

			outsiders := make([]string, len(extra))
			for i, id := range extra {
				// '#' never appears in member ids.
				outsiders[i] = "#" + id
			}
			le := RankedList{Hits: hitList(outsiders...), Weight: 1.5}

			base := FuseRRF(RRFK, la, lb)
			with := FuseRRF(RRFK, la, lb, le)

			scores := make(map[string]float64, len(with))
			for _, f := range with {
				scores[f.ID] = f.Score
			}
			for _, f := range base {
				got, ok := scores[f.ID]
				if !ok || math.Abs(got-f.Score) > 1e-12 {
					return false
				}
			}

			members := make(map[string]struct{}, len(base))
			order := make([]string, 0, len(base))
			for _, f := range base {
				members[f.ID] = struct{}{}
				order = append(order, f.ID)
			}
			i := 0
			for _, f := range with {
				if _, ok := members[f.ID]; !ok {
					continue
				}
				if f.ID != order[i] {
					return false
				}
				i++
			}
			return i == len(order)
		},
		gen.SliceOf(idGen),
		gen.SliceOf(idGen),
		gen.SliceOf(idGen),
	))

	properties.TestingRun(t)
}
