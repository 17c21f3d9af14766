package scoring

import (
	"math"
	"strings"
)

// ExactMatch reports whether prediction and reference are equal after NormalizeAnswer.
func ExactMatch(prediction, reference string) bool {
	return NormalizeAnswer(prediction) == NormalizeAnswer(reference)
}

// F1 returns the token-overlap F1 between prediction and reference, in [0, 1].
//
// Both strings are normalized and split on whitespace; shared words count up to their lower
// multiplicity. If either side has no words, the score is 1 when both are empty and 0 otherwise.
func F1(prediction, reference string) float64 {
	predTokens := strings.Fields(NormalizeAnswer(prediction))
	refTokens := strings.Fields(NormalizeAnswer(reference))
	if len(predTokens) == 0 || len(refTokens) == 0 {
		if len(predTokens) == len(refTokens) {
			return 1
		}
		return 0
	}

	refCounts := make(map[string]int, len(refTokens))
	for _, tok := range refTokens {
		refCounts[tok]++
	}
	common := 0
	for _, tok := range predTokens {
		if refCounts[tok] > 0 {
			refCounts[tok]--
			common++
		}
	}
	if common == 0 {
		return 0
	}
	precision := float64(common) / float64(len(predTokens))
	recall := float64(common) / float64(len(refTokens))
	return 2 * precision * recall / (precision + recall)
}

// Metrics are aggregate scores over an evaluation set, as percentages.
type Metrics struct {
	ExactMatch      float64 `json:"exact_match"`
	F1              float64 `json:"f1_score"`
	NumEvalExamples int     `json:"num_eval_examples"`
}

// Aggregate accumulates per-example scores. The zero value is ready to use.
type Aggregate struct {
	n     int
	emSum float64
	f1Sum float64
}

// Add scores one (prediction, reference) pair and returns its exact match and F1.
func (a *Aggregate) Add(prediction, reference string) (em bool, f1 float64) {
	em = ExactMatch(prediction, reference)
	f1 = F1(prediction, reference)
	a.AddScores(em, f1)
	return em, f1
}

// AddScores accumulates already computed scores.
func (a *Aggregate) AddScores(em bool, f1 float64) {
	a.n++
	if em {
		a.emSum++
	}
	a.f1Sum += f1
}

// Len returns the number of pairs added.
func (a *Aggregate) Len() int { return a.n }

// Metrics returns the mean exact match and F1 as percentages rounded to 2 decimals.
// With no pairs added, both are 0.
func (a *Aggregate) Metrics() Metrics {
	if a.n == 0 {
		return Metrics{}
	}
	return Metrics{
		ExactMatch:      round2(100 * a.emSum / float64(a.n)),
		F1:              round2(100 * a.f1Sum / float64(a.n)),
		NumEvalExamples: a.n,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
