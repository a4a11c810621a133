// Package gateway issues structured-output model calls with per-model retry
// and cross-model fallback.
package gateway

import (
	"context"
	"time"
)

// Request is a single model call.
type Request struct {
	Prompt           string
	Model            string
	StructuredOutput bool
	MaxOutputTokens  int
	Timeout          time.Duration
}

// Response is the raw outcome of a model call.
type Response struct {
	Text         string
	Truncated    bool
	FinishReason string
}

// Client performs a model call. Implementations wrap ErrQuotaExhausted or
// ErrTransient so the gateway can classify the failure.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
