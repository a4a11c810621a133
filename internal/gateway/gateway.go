package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/quorum-eval/assessor/internal/extract"
	"github.com/quorum-eval/assessor/internal/tokens"
)

const tracerName = "github.com/quorum-eval/assessor/internal/gateway"

// Config configures a Gateway. Zero values fall back to the defaults.
type Config struct {
	Retry    RetryPolicy
	Fallback FallbackPolicy

	// MaxOutputTokens caps every response (default: 8192).
	MaxOutputTokens int
	// AttemptTimeout bounds a single call (default: 5m).
	AttemptTimeout time.Duration
	// SerializeModels allows at most one in-flight call per model.
	SerializeModels bool

	// Exhausted is the default exhausted set; SharedExhausted() when nil.
	Exhausted *ExhaustedSet
	Tokens    *tokens.Registry
	Logger    *slog.Logger
}

// Gateway composes a Client with retry and fallback policies.
type Gateway struct {
	client   Client
	retry    RetryPolicy
	fallback FallbackPolicy

	maxOutputTokens int
	attemptTimeout  time.Duration
	serialize       bool

	exhausted *ExhaustedSet
	tokens    *tokens.Registry
	logger    *slog.Logger
	tracer    trace.Tracer

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// New creates a gateway around client.
func New(client Client, cfg Config) *Gateway {
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.BaseDelay == 0 {
		sleep := cfg.Retry.Sleep
		cfg.Retry = DefaultRetryPolicy()
		cfg.Retry.Sleep = sleep
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 8192
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Minute
	}
	if cfg.Exhausted == nil {
		cfg.Exhausted = SharedExhausted()
	}
	if cfg.Tokens == nil {
		cfg.Tokens = tokens.NewDefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		client:          client,
		retry:           cfg.Retry,
		fallback:        cfg.Fallback,
		maxOutputTokens: cfg.MaxOutputTokens,
		attemptTimeout:  cfg.AttemptTimeout,
		serialize:       cfg.SerializeModels,
		exhausted:       cfg.Exhausted,
		tokens:          cfg.Tokens,
		logger:          cfg.Logger,
		tracer:          otel.Tracer(tracerName),
		sems:            make(map[string]*semaphore.Weighted),
	}
}

// Invocation is one logical request that may span several models.
type Invocation struct {
	Prompt string
	Model  string
	// Validate, when set, must accept the extracted object.
	Validate func(map[string]any) error
	// Exhausted overrides the gateway's exhausted set for this call.
	Exhausted *ExhaustedSet
}

// Result is a successful invocation.
type Result struct {
	Model     string
	Payload   map[string]any
	Text      string
	Attempts  int
	Truncated bool
}

// Invoke runs the invocation through the fallback chain. Every model failure
// becomes part of the returned *ExhaustedError; only cancellation of ctx is
// returned as a plain context error.
func (g *Gateway) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	exhausted := inv.Exhausted
	if exhausted == nil {
		exhausted = g.exhausted
	}

	ctx, span := g.tracer.Start(ctx, "gateway.Invoke", trace.WithAttributes(
		attribute.String("model.requested", inv.Model),
	))
	defer span.End()

	promptTokens := g.tokens.Count(inv.Model, inv.Prompt)
	span.SetAttributes(attribute.Int("prompt.tokens", promptTokens.Tokens))

	live, skipped := g.fallback.Candidates(inv.Model, exhausted)
	g.logger.Debug("invoking model",
		slog.String("model", inv.Model),
		slog.Int("prompt_chars", len(inv.Prompt)),
		slog.Int("prompt_tokens", promptTokens.Tokens),
		slog.Bool("tokens_estimated", promptTokens.Estimated),
		slog.Any("candidates", live),
		slog.Any("skipped", skipped),
	)

	failure := &ExhaustedError{Requested: inv.Model, Skipped: skipped}
	for _, model := range live {
		// Another run may have exhausted the model since the chain was built.
		if exhausted.Contains(model) {
			failure.Skipped = append(failure.Skipped, model)
			continue
		}

		res, err := g.invokeModel(ctx, model, inv)
		if err == nil {
			span.SetAttributes(attribute.String("model.used", model))
			return res, nil
		}
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "canceled")
			return nil, fmt.Errorf("invoke %s: %w", inv.Model, ctx.Err())
		}

		var ae *AttemptError
		if !errors.As(err, &ae) {
			ae = &AttemptError{Model: model, Kind: Classify(err), Err: err}
		}
		failure.Attempts = append(failure.Attempts, ae)

		if ae.Kind == KindQuota {
			exhausted.Add(model)
			g.logger.Warn("model quota exhausted, falling back",
				slog.String("model", model),
				slog.String("error", ae.Err.Error()),
			)
			continue
		}
		g.logger.Warn("model failed, falling back",
			slog.String("model", model),
			slog.String("kind", string(ae.Kind)),
			slog.Int("attempts", ae.Attempt),
			slog.String("error", ae.Err.Error()),
		)
	}

	span.SetStatus(codes.Error, "all models failed")
	g.logger.Error("all models failed",
		slog.String("model", inv.Model),
		slog.Int("tried", len(failure.Attempts)),
		slog.Int("skipped", len(failure.Skipped)),
	)
	return nil, failure
}

func (g *Gateway) invokeModel(ctx context.Context, model string, inv Invocation) (*Result, error) {
	if g.serialize {
		sem := g.semaphore(model)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, &AttemptError{Model: model, Kind: KindCanceled, Err: err}
		}
		defer sem.Release(1)
	}

	var res *Result
	err := g.retry.Do(ctx, func(attempt int) error {
		r, err := g.attempt(ctx, model, attempt+1, inv)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func (g *Gateway) attempt(ctx context.Context, model string, n int, inv Invocation) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.attempt", trace.WithAttributes(
		attribute.String("model", model),
		attribute.Int("attempt", n),
	))
	defer span.End()

	fail := func(kind Kind, err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		g.logger.Debug("attempt failed",
			slog.String("model", model),
			slog.Int("attempt", n),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return nil, &AttemptError{Model: model, Attempt: n, Kind: kind, Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Generate(attemptCtx, Request{
		Prompt:           inv.Prompt,
		Model:            model,
		StructuredOutput: true,
		MaxOutputTokens:  g.maxOutputTokens,
		Timeout:          g.attemptTimeout,
	})
	if err != nil {
		kind := Classify(err)
		if ctx.Err() != nil {
			kind = KindCanceled
		} else if kind == KindCanceled || (kind == KindOther && attemptCtx.Err() != nil) {
			// The attempt's own deadline fired.
			kind = KindTransient
		}
		return fail(kind, err)
	}
	if resp == nil || resp.Text == "" {
		return fail(KindMalformed, fmt.Errorf("%w: empty response (finish reason %q)", ErrMalformedOutput, finishReason(resp)))
	}
	if resp.Truncated {
		g.logger.Warn("response truncated, salvaging partial output",
			slog.String("model", model),
			slog.Int("chars", len(resp.Text)),
		)
	}

	payload, ok := extract.Extract(resp.Text)
	if !ok {
		return fail(KindMalformed, fmt.Errorf("%w: no structured object in response", ErrMalformedOutput))
	}
	if inv.Validate != nil {
		if err := inv.Validate(payload); err != nil {
			return fail(KindMalformed, fmt.Errorf("%w: %v", ErrMalformedOutput, err))
		}
	}

	g.logger.Debug("attempt succeeded",
		slog.String("model", model),
		slog.Int("attempt", n),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("truncated", resp.Truncated),
	)
	return &Result{
		Model:     model,
		Payload:   payload,
		Text:      resp.Text,
		Attempts:  n,
		Truncated: resp.Truncated,
	}, nil
}

func (g *Gateway) semaphore(model string) *semaphore.Weighted {
	g.semMu.Lock()
	defer g.semMu.Unlock()
	sem, ok := g.sems[model]
	if !ok {
		sem = semaphore.NewWeighted(1)
		g.sems[model] = sem
	}
	return sem
}

func finishReason(resp *Response) string {
	if resp == nil {
		return ""
	}
	return resp.FinishReason
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
