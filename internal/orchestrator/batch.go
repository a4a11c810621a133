package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/quorum-eval/assessor/internal/assessment"
)

// RunMode runs the phases of the named execution mode.
func (o *Orchestrator) RunMode(ctx context.Context, actx *assessment.Context, name string) ([]StageResult, error) {
	m, ok := o.registry.Mode(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
	return o.RunPhases(ctx, actx, m.PhaseIDs)
}

// RunAll runs every phase in ordinal order.
func (o *Orchestrator) RunAll(ctx context.Context, actx *assessment.Context) ([]StageResult, error) {
	return o.RunPhases(ctx, actx, o.registry.IDs())
}

// RunPhases runs ids as one batch. The returned slice has one entry per id
// in the given order. When a stage short-circuits on a security threat the
// stages not yet started stay StateNotStarted.
func (o *Orchestrator) RunPhases(ctx context.Context, actx *assessment.Context, ids []string) ([]StageResult, error) {
	results := make([]StageResult, len(ids))
	for i, id := range ids {
		p, ok := o.registry.ByID(id)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, id)
		}
		results[i] = StageResult{PhaseID: id, Key: p.Key, State: StateNotStarted}
	}

	if o.parallelism <= 1 {
		return results, o.runSequential(ctx, actx, ids, results)
	}
	return results, o.runWaves(ctx, actx, ids, results)
}

func (o *Orchestrator) runSequential(ctx context.Context, actx *assessment.Context, ids []string, results []StageResult) error {
	for i, id := range ids {
		res, err := o.RunPhase(ctx, actx, id)
		results[i] = res
		if err != nil {
			return err
		}
		if res.Halted() {
			o.logger.WarnContext(ctx, "batch halted by security gate",
				slog.String("phase", id),
				slog.Int("skipped", len(ids)-i-1),
			)
			return nil
		}
	}
	return nil
}

// runWaves runs the batch in dependency waves. Stages inside a wave share
// no dependency and run concurrently; the next wave starts only after the
// whole wave finished.
func (o *Orchestrator) runWaves(ctx context.Context, actx *assessment.Context, ids []string, results []StageResult) error {
	waves, err := o.registry.Waves(ids)
	if err != nil {
		return err
	}
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	for n, wave := range waves {
		var halted atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.parallelism)
		for _, id := range wave {
			g.Go(func() error {
				res, err := o.RunPhase(gctx, actx, id)
				results[index[id]] = res
				if res.Halted() {
					halted.Store(true)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if halted.Load() {
			o.logger.WarnContext(ctx, "batch halted by security gate", slog.Int("wave", n))
			return nil
		}
	}
	return nil
}
