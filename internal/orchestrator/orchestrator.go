// Package orchestrator drives the assessment pipeline: it runs single
// stages, named execution modes and full runs against an assessment
// context, applying the stage-specific hooks (security gate, evidence
// lookup, score aggregation, report rendering) around each model call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorum-eval/assessor/internal/assessment"
	"github.com/quorum-eval/assessor/internal/evidence"
	"github.com/quorum-eval/assessor/internal/extract"
	"github.com/quorum-eval/assessor/internal/gateway"
	"github.com/quorum-eval/assessor/internal/phase"
	"github.com/quorum-eval/assessor/internal/report"
	"github.com/quorum-eval/assessor/internal/scoring"
	"github.com/quorum-eval/assessor/internal/security"
	"github.com/quorum-eval/assessor/internal/storage"
)

const tracerName = "github.com/quorum-eval/assessor/internal/orchestrator"

var (
	// ErrUnknownPhase is returned for a phase id the registry does not hold.
	ErrUnknownPhase = errors.New("unknown phase")
	// ErrUnknownMode is returned for a mode name the registry does not hold.
	ErrUnknownMode = errors.New("unknown mode")
)

// Invoker runs one logical model invocation. *gateway.Gateway implements
// it.
type Invoker interface {
	Invoke(ctx context.Context, inv gateway.Invocation) (*gateway.Result, error)
}

// Observer is told about every state change. With parallelism above one it
// is called from several goroutines.
type Observer func(StageResult)

// Orchestrator runs stages of one registry. It holds no per-run state
// beyond the optional exhausted set, so one value can serve many runs.
type Orchestrator struct {
	registry *phase.Registry
	invoker  Invoker

	gate      *security.Gate
	searcher  evidence.Searcher
	perClaim  int
	maxClaims int
	sink      storage.DatasetSink
	exhausted *gateway.ExhaustedSet

	parallelism int
	observer    Observer
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSecurityGate screens artifacts before stages carrying
// phase.TraitSecurityGate.
func WithSecurityGate(g *security.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithEvidence looks up the hypothesis claims before stages carrying
// phase.TraitEvidence. perClaim and maxClaims of 0 use the evidence
// package defaults.
func WithEvidence(s evidence.Searcher, perClaim, maxClaims int) Option {
	return func(o *Orchestrator) {
		o.searcher = s
		o.perClaim = perClaim
		o.maxClaims = maxClaims
	}
}

// WithDatasetSink records every stored stage text. Write failures are
// logged and never fail the stage.
func WithDatasetSink(s storage.DatasetSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithExhausted scopes quota exhaustion to set instead of the gateway's
// default.
func WithExhausted(set *gateway.ExhaustedSet) Option {
	return func(o *Orchestrator) { o.exhausted = set }
}

// WithParallelism runs the independent stages of a batch concurrently, at
// most n at a time. n <= 1 keeps strictly sequential execution.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) { o.parallelism = n }
}

func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// New creates an orchestrator for reg that calls models through inv.
func New(reg *phase.Registry, inv Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    reg,
		invoker:     inv,
		parallelism: 1,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.maxClaims <= 0 {
		o.maxClaims = evidence.MaxClaims
	}
	if o.perClaim <= 0 {
		o.perClaim = evidence.DefaultResults
	}
	return o
}

// Registry returns the phase registry the orchestrator runs.
func (o *Orchestrator) Registry() *phase.Registry {
	return o.registry
}

type runIDKey struct{}

// ContextWithRunID tags ctx with the run identifier recorded in the
// dataset.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run identifier set by ContextWithRunID.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// RunPhase runs the phase with the given id against actx and stores its
// result. Model failures never surface as errors: they produce a
// StateDegradedError result whose diagnostic text is stored like any other
// result. The error is reserved for an unknown id and for cancellation of
// ctx.
func (o *Orchestrator) RunPhase(ctx context.Context, actx *assessment.Context, id string) (StageResult, error) {
	p, ok := o.registry.ByID(id)
	if !ok {
		return StageResult{PhaseID: id}, fmt.Errorf("%w: %q", ErrUnknownPhase, id)
	}
	if err := ctx.Err(); err != nil {
		return StageResult{PhaseID: p.ID, Key: p.Key, State: StateNotStarted}, err
	}

	ctx, span := o.tracer.Start(ctx, "stage "+p.ID, trace.WithAttributes(
		attribute.String("phase.id", p.ID),
		attribute.String("phase.key", p.Key),
		attribute.String("phase.traits", p.Traits.String()),
	))
	defer span.End()

	start := time.Now()
	res := StageResult{PhaseID: p.ID, Key: p.Key, Model: p.Model, State: StateRunning}
	o.notify(res)

	logger := o.logger.With(slog.String("phase", p.ID), slog.String("run_id", RunIDFromContext(ctx)))
	logger.InfoContext(ctx, "stage started", slog.String("model", p.Model))

	var err error
	if p.Special() {
		res = o.runReport(ctx, actx, p, res)
	} else {
		res, err = o.runModel(ctx, actx, p, res, logger)
	}
	res.Duration = time.Since(start)

	span.SetAttributes(attribute.String("stage.state", res.State.String()))
	if res.State == StateDegradedError {
		span.SetStatus(codes.Error, string(res.Failure.Kind))
	}
	if err != nil {
		return res, err
	}

	actx.AddResult(p.Key, res.Text)
	o.record(ctx, p, res, logger)

	logger.InfoContext(ctx, "stage finished",
		slog.String("state", res.State.String()),
		slog.String("model", res.Model),
		slog.Int("attempts", res.Attempts),
		slog.Duration("duration", res.Duration),
	)
	o.notify(res)
	return res, nil
}

func (o *Orchestrator) runModel(ctx context.Context, actx *assessment.Context, p *phase.Phase, res StageResult, logger *slog.Logger) (StageResult, error) {
	if _, ok := actx.Instruction(p.Key); !ok {
		logger.WarnContext(ctx, "no instruction text for phase, prompt carries rules and history only")
	}

	var advisory string
	if p.Has(phase.TraitSecurityGate) && o.gate != nil {
		d := o.gate.Apply(ctx, actx)
		scan := d.Report
		res.Security = &scan
		if d.Halt {
			text, err := extract.Marshal(d.Payload)
			if err != nil {
				return res, fmt.Errorf("encode security payload: %w", err)
			}
			res.State = StateSecurityShortCircuited
			res.Model = ""
			res.Payload = d.Payload
			res.Text = text
			return res, nil
		}
		advisory = d.Advisory
	}

	prompt := actx.BuildPrompt(p.Key)
	if advisory != "" {
		prompt += "\n\n" + advisory
	}
	if p.Has(phase.TraitEvidence) && o.searcher != nil {
		if block := o.lookupEvidence(ctx, actx, p, logger); block != "" {
			prompt += "\n\n" + block
		}
	}

	out, err := o.invoker.Invoke(ctx, gateway.Invocation{
		Prompt:    prompt,
		Model:     p.Model,
		Validate:  p.Validator(),
		Exhausted: o.exhausted,
	})
	if err != nil {
		return o.degrade(ctx, res, err, logger)
	}

	payload := out.Payload
	if p.Has(phase.TraitScoring) {
		var agg scoring.Aggregate
		payload, agg = scoring.Splice(payload)
		res.Aggregate = &agg
		logger.InfoContext(ctx, "scores aggregated", slog.Int("total", agg.Total), slog.Float64("average", agg.Average))
	}

	text, err := extract.Marshal(payload)
	if err != nil {
		return o.degrade(ctx, res, &gateway.AttemptError{Model: out.Model, Kind: gateway.KindMalformed, Err: err}, logger)
	}

	res.State = StateCompleted
	res.Model = out.Model
	res.Attempts = out.Attempts
	res.Truncated = out.Truncated
	res.Payload = payload
	res.Text = text
	return res, nil
}

// degrade turns a gateway failure into a stored diagnostic. Cancellation
// is passed back to the caller and nothing is stored.
func (o *Orchestrator) degrade(ctx context.Context, res StageResult, err error, logger *slog.Logger) (StageResult, error) {
	res.State = StateDegradedError
	if ctx.Err() != nil {
		res.Failure = &Failure{Kind: gateway.KindCanceled, Detail: ctx.Err().Error()}
		return res, err
	}

	res.Failure = &Failure{Kind: gateway.Classify(err), Detail: err.Error()}
	res.Text = "VIRHE: " + err.Error()

	var ee *gateway.ExhaustedError
	if errors.As(err, &ee) {
		res.Text = ee.Diagnostic()
		res.Failure.Kind = gateway.KindQuota
		if n := len(ee.Attempts); n > 0 {
			last := ee.Attempts[n-1]
			res.Failure.Kind = last.Kind
			res.Attempts = last.Attempt
			res.Model = last.Model
		}
	}
	logger.ErrorContext(ctx, "stage degraded",
		slog.String("kind", string(res.Failure.Kind)),
		slog.String("error", err.Error()),
	)
	return res, nil
}

// runReport renders the report from the stored scoring-stage text without
// calling a model.
func (o *Orchestrator) runReport(ctx context.Context, actx *assessment.Context, p *phase.Phase, res StageResult) StageResult {
	res.Model = ""
	var source string
	if sp, ok := o.registry.FirstWith(phase.TraitScoring); ok {
		source, _ = actx.Result(sp.Key)
	}

	text, ok := report.FromResult(source)
	res.Text = text
	if !ok {
		res.State = StateDegradedError
		res.Failure = &Failure{Kind: gateway.KindMalformed, Detail: "scoring result missing or not structured"}
		o.logger.WarnContext(ctx, "report rendered without scoring result", slog.String("phase", p.ID))
		return res
	}
	res.State = StateCompleted
	return res
}

// lookupEvidence searches the claims of the first dependency result that
// carries hypotheses.
func (o *Orchestrator) lookupEvidence(ctx context.Context, actx *assessment.Context, p *phase.Phase, logger *slog.Logger) string {
	ctx, span := o.tracer.Start(ctx, "evidence lookup")
	defer span.End()

	var claims []string
	for _, dep := range p.DependsOn {
		text, ok := actx.Result(dep)
		if !ok {
			continue
		}
		if claims = evidence.Claims(text, o.maxClaims); len(claims) > 0 {
			break
		}
	}
	span.SetAttributes(attribute.Int("evidence.claims", len(claims)))
	if len(claims) == 0 {
		logger.InfoContext(ctx, "no claims to fact-check")
		return ""
	}
	return evidence.Lookup(ctx, o.searcher, claims, o.perClaim, logger)
}

func (o *Orchestrator) record(ctx context.Context, p *phase.Phase, res StageResult, logger *slog.Logger) {
	if o.sink == nil {
		return
	}
	err := o.sink.Record(ctx, storage.Record{
		RunID:     RunIDFromContext(ctx),
		PhaseID:   p.ID,
		Model:     res.Model,
		Text:      res.Text,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logger.WarnContext(ctx, "dataset record failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) notify(res StageResult) {
	if o.observer != nil {
		o.observer(res)
	}
}
