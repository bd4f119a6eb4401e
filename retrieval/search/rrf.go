package search

import (
	"sort"

	"github.com/hyperengineering/engram/vector"
)

// RRFK is the reciprocal-rank-fusion constant. Larger values flatten the
// difference between adjacent ranks.
const RRFK = 60

type (
	// RankedList is one retrieval list entering fusion with its weight. At
	// weight 1 a document ranked r contributes 1/(k+r).
	RankedList struct {
		Hits   []vector.Scored
		Weight float64
	}

	// Fused is one document after fusion.
	Fused struct {
		ID      string
		Score   float64
		Payload vector.Payload
	}
)

// FuseRRF merges ranked lists by reciprocal rank: each appearance of a
// document at 1-based rank r adds weight/(k+r) to its score. Output is
// ordered by fused score descending, ties broken by id so fusion is
// deterministic. The payload comes from the document's first appearance
// across lists in the order given.
func FuseRRF(k int, lists ...RankedList) []Fused {
	if k <= 0 {
		k = RRFK
	}
	scores := make(map[string]float64)
	payloads := make(map[string]vector.Payload)
	for _, list := range lists {
		for i, hit := range list.Hits {
			rank := i + 1
			scores[hit.ID] += list.Weight / float64(k+rank)
			if _, ok := payloads[hit.ID]; !ok {
				payloads[hit.ID] = hit.Payload
			}
		}
	}
	out := make([]Fused, 0, len(scores))
	for id, score := range scores {
		out = append(out, Fused{ID: id, Score: score, Payload: payloads[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// maxFusedScore is the score of a document ranked first in every list:
// the ceiling used to map fused scores back onto [0, 1].
func maxFusedScore(k int, lists ...RankedList) float64 {
	if k <= 0 {
		k = RRFK
	}
	var total float64
	for _, list := range lists {
		total += list.Weight / float64(k+1)
	}
	return total
}
