// Package scoring totals the three criterion scores of the scoring stage.
package scoring

import (
	"math"

	"github.com/quorum-eval/assessor/internal/verdict"
)

// Field is the key the aggregate is stored under.
const Field = "aggregated_score"

// Aggregate is the computed total of the three criteria.
type Aggregate struct {
	Subscores map[string]int `json:"subscores"`
	Total     int            `json:"total"`
	Average   float64        `json:"average"`
}

// Compute totals the criterion scores of v. Missing or non-numeric scores
// count as 0.
func Compute(v *verdict.Verdict) Aggregate {
	a := Aggregate{Subscores: make(map[string]int, len(verdict.Criteria))}
	for i, c := range verdict.Criteria {
		n := v.Scores[i].Int()
		a.Subscores[c.Key()] = n
		a.Total += n
	}
	a.Average = math.Round(float64(a.Total)/3*100) / 100
	return a
}

// Splice computes the aggregate of payload and returns a shallow copy with
// the aggregate added under Field. The model-authored fields are untouched.
func Splice(payload map[string]any) (map[string]any, Aggregate) {
	agg := Compute(verdict.Normalize(payload))

	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	subscores := make(map[string]any, len(agg.Subscores))
	for k, v := range agg.Subscores {
		subscores[k] = v
	}
	out[Field] = map[string]any{
		"subscores": subscores,
		"total":     agg.Total,
		"average":   agg.Average,
	}
	return out, agg
}
