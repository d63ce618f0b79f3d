// Package quality synthesises the advisory review badge shown to reviewers
// and the aggregated quality score maintained for approved items.
package quality

import (
	"math"
	"time"
)

// Badge levels
const (
	BadgeHigh   = "High"
	BadgeMedium = "Medium"
	BadgeLow    = "Low"
)

// ReviewIndex computes the pre-screen quality index for a pending
// contribution. Purely metadata-driven and deterministic; it never blocks
// approval.
func ReviewIndex(confidence float64, sensitiveFlagged bool, contentLength int) int {
	index := int(math.Round(confidence * 100))
	if sensitiveFlagged {
		index -= 30
	}
	if contentLength < 50 {
		index -= 20
	} else if contentLength > 200 {
		index += 10
	}
	if index < 0 {
		index = 0
	}
	if index > 100 {
		index = 100
	}
	return index
}

// BadgeFor maps a review index onto its badge
func BadgeFor(index int) string {
	switch {
	case index >= 80:
		return BadgeHigh
	case index >= 50:
		return BadgeMedium
	default:
		return BadgeLow
	}
}

// ScoreWeights are the component weights of the aggregated quality score
type ScoreWeights struct {
	Usefulness    float64
	Popularity    float64
	Freshness     float64
	Contradiction float64
}

// DefaultScoreWeights returns the standard weighting
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Usefulness:    0.40,
		Popularity:    0.25,
		Freshness:     0.20,
		Contradiction: 0.15,
	}
}

// ScoreInputs are the aggregated signals for one knowledge item
type ScoreInputs struct {
	Helpful        int
	NotHelpful     int
	Retrievals     int
	Contradictions int
	ApprovedAt     time.Time

	// Superseded items lose the version bonus. Always false absent a
	// distillation pipeline.
	Superseded bool
}

// versionBonus is the additive reward for a non-superseded item
const versionBonus = 0.10

// Score computes the aggregated quality score in [0,1]:
// usefulness weighted by helpful ratio, popularity saturating with
// tanh(retrievals/50), freshness decaying with the configured half-life,
// minus the contradiction rate.
func Score(in ScoreInputs, weights ScoreWeights, halfLifeDays float64, now time.Time) float64 {
	usefulness := float64(in.Helpful) / math.Max(float64(in.Helpful+in.NotHelpful), 1)

	popularity := math.Tanh(float64(in.Retrievals) / 50.0)

	if halfLifeDays <= 0 {
		halfLifeDays = 90
	}
	ageDays := now.Sub(in.ApprovedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	freshness := math.Exp(-math.Ln2 * ageDays / halfLifeDays)

	totalSignals := in.Helpful + in.NotHelpful + in.Retrievals + in.Contradictions
	contradictionRate := float64(in.Contradictions) / math.Max(float64(totalSignals), 1)

	score := weights.Usefulness*usefulness +
		weights.Popularity*popularity +
		weights.Freshness*freshness -
		weights.Contradiction*contradictionRate

	if !in.Superseded {
		score += versionBonus
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
