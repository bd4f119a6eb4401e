package search

import "fmt"

// Layer-1 abstention thresholds, tuned for scores in the [0, 1]
// similarity range.
const (
	// MinRetrievalScore is the floor under which the top hit alone
	// justifies abstaining.
	MinRetrievalScore = 0.3
	// GapDetectionThreshold bounds the top score below which the gap rule
	// applies.
	GapDetectionThreshold = 0.5
	// MinScoreGap is the smallest top-to-second gap that still counts as
	// a decisive winner.
	MinScoreGap = 0.1
)

// Abstention reasons.
const (
	// ReasonNoResults marks an empty result set.
	ReasonNoResults = "no_results"
	// ReasonLowScore marks a top score under the retrieval floor.
	ReasonLowScore = "low_retrieval_score"
	// ReasonNoGap marks a weak top score with no separation from the
	// runner-up.
	ReasonNoGap = "no_score_gap"
)

type (
	// Abstention is the detector's verdict on a ranked score list.
	Abstention struct {
		ShouldAbstain bool    `json:"should_abstain"`
		Reason        string  `json:"reason,omitempty"`
		Confidence    float64 `json:"confidence,omitempty"`
		Layer         int     `json:"layer,omitempty"`
		Details       string  `json:"details,omitempty"`
	}

	// Detector judges whether a result set is trustworthy enough to
	// return. Scores arrive best first.
	Detector interface {
		Detect(scores []float64) Abstention
	}

	// LayerOne abstains on score shape alone: empty results, a top score
	// under the retrieval floor, or a weak top with no gap to second
	// place.
	LayerOne struct {
		MinScore     float64
		GapThreshold float64
		MinGap       float64
	}
)

// NewLayerOne returns the detector with the default thresholds.
func NewLayerOne() *LayerOne {
	return &LayerOne{
		MinScore:     MinRetrievalScore,
		GapThreshold: GapDetectionThreshold,
		MinGap:       MinScoreGap,
	}
}

var _ Detector = (*LayerOne)(nil)

// Detect implements Detector.
func (d *LayerOne) Detect(scores []float64) Abstention {
	if len(scores) == 0 {
		return Abstention{
			ShouldAbstain: true,
			Reason:        ReasonNoResults,
			Confidence:    1.0,
			Layer:         1,
			Details:       "no results matched the query",
		}
	}
	top := scores[0]
	if top < d.MinScore {
		return Abstention{
			ShouldAbstain: true,
			Reason:        ReasonLowScore,
			Confidence:    0.8,
			Layer:         1,
			Details:       fmt.Sprintf("top score %.3f below %.2f", top, d.MinScore),
		}
	}
	if len(scores) > 1 && top < d.GapThreshold {
		if gap := top - scores[1]; gap < d.MinGap {
			return Abstention{
				ShouldAbstain: true,
				Reason:        ReasonNoGap,
				Confidence:    0.7,
				Layer:         1,
				Details:       fmt.Sprintf("top score %.3f with gap %.3f below %.2f", top, gap, d.MinGap),
			}
		}
	}
	return Abstention{Layer: 1}
}
