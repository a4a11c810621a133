package testutil

import (
	"context"

	"github.com/quorum-eval/assessor/internal/gateway"
)

// ClientFunc adapts a function to gateway.Client.
type ClientFunc func(ctx context.Context, req gateway.Request) (*gateway.Response, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	return f(ctx, req)
}
