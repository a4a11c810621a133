// Package tokens provides token counting for prompt accounting.
package tokens

import (
	"strings"
)

// Counter counts tokens for the models it supports.
type Counter interface {
	Count(model, text string) (int, error)
	SupportsModel(model string) bool
}

// Count is the result of counting a piece of text.
type Count struct {
	Tokens    int
	Estimated bool
}

// Registry picks a counter by model.
// Priority order:
// 1. Registered counters that support the model
// 2. The fallback estimator
type Registry struct {
	counters []Counter
	fallback *Estimator
}

// NewRegistry creates a registry with only the character estimator.
func NewRegistry() *Registry {
	return &Registry{fallback: NewEstimator()}
}

// NewDefaultRegistry creates a registry that approximates Gemini models with
// the o200k_base BPE encoding.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTiktokenCounter([]string{"gemini-", "gemma-"}, true))
	return r
}

// Register adds a counter to the registry.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// Count counts text for model, falling back to the estimator when no counter
// matches or the matching counter fails.
func (r *Registry) Count(model, text string) Count {
	for _, c := range r.counters {
		if !c.SupportsModel(model) {
			continue
		}
		n, err := c.Count(model, text)
		if err != nil {
			break
		}
		est := false
		if tc, ok := c.(*TiktokenCounter); ok {
			est = tc.approximate
		}
		return Count{Tokens: n, Estimated: est}
	}
	n, _ := r.fallback.Count(model, text)
	return Count{Tokens: n, Estimated: true}
}

// Estimator provides token count estimation based on character count.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// Count estimates the token count.
func (e *Estimator) Count(_ string, text string) (int, error) {
	return int(float64(len(text)) / e.CharsPerToken), nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(strings.TrimPrefix(model, "models/"))
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
