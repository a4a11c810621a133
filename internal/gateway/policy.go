package gateway

import (
	"context"
	"time"
)

// RetryPolicy retries a failing call against one model with exponential
// backoff.
type RetryPolicy struct {
	// MaxAttempts bounds the attempts per model (default: 5).
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles after every
	// further failure (default: 2s).
	BaseDelay time.Duration
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the production retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

// Delay returns the backoff after the failed attempt with zero-based index
// attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<attempt)
}

// Do calls fn until it succeeds, the attempts run out, or the failure is one
// that retrying cannot fix (quota or cancellation). It returns the last
// error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		switch Classify(err) {
		case KindQuota, KindCanceled:
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return &AttemptError{Kind: KindCanceled, Attempt: attempt + 1, Err: serr}
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FallbackPolicy decides which models to try after the requested one.
type FallbackPolicy struct {
	// Models is the static fallback chain appended to every request.
	Models []string
	// PerModel overrides Models for specific requested models.
	PerModel map[string][]string
}

// DefaultFallbackPolicy returns the built-in Gemini fallback chain.
func DefaultFallbackPolicy() FallbackPolicy {
	return FallbackPolicy{Models: []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.5-flash"}}
}

// Candidates returns the requested model followed by its fallbacks,
// deduplicated, with every model in exhausted moved to skipped.
func (p FallbackPolicy) Candidates(requested string, exhausted *ExhaustedSet) (live, skipped []string) {
	chain := p.Models
	if override, ok := p.PerModel[requested]; ok {
		chain = override
	}
	seen := make(map[string]bool, len(chain)+1)
	for _, m := range append([]string{requested}, chain...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		if exhausted != nil && exhausted.Contains(m) {
			skipped = append(skipped, m)
			continue
		}
		live = append(live, m)
	}
	return live, skipped
}
