package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quorum-eval/assessor/internal/assessment"
	"github.com/quorum-eval/assessor/internal/orchestrator"
	"github.com/quorum-eval/assessor/internal/phase"
	"github.com/quorum-eval/assessor/internal/storage"
)

var (
	runMode      string
	runPhaseIDs  []string
	runResume    string
	runReportOut string
)

var runCmd = &cobra.Command{
	Use:   "run [artifact files...]",
	Short: "Run assessment stages over artifact files",
	Long: `Reads the artifact files as plain text and runs the pipeline over them.

Without --mode or --phase every stage runs in order. A security threat in the
artifacts stops the batch after stage 1.

Examples:
  assessor run essee.txt loki.txt reflektio.txt
  assessor run --mode moodi_a essee.txt
  assessor run --resume 3f2c... --mode moodi_b`,
	RunE: runAssessment,
}

var modeCmd = &cobra.Command{
	Use:   "mode <name> [artifact files...]",
	Short: "Run one execution mode; shorthand for run --mode",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runMode = args[0]
		runPhaseIDs = nil
		return runAssessment(cmd, args[1:])
	},
}

func init() {
	modeCmd.Flags().StringVar(&runResume, "resume", "", "Resume a parked run by id")
	modeCmd.Flags().StringVarP(&runReportOut, "out", "o", "", "Write the final report to this file")

	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "Execution mode to run (e.g. MOODI_A)")
	runCmd.Flags().StringSliceVarP(&runPhaseIDs, "phase", "p", nil, "Phase id to run; repeatable")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume a parked run by id")
	runCmd.Flags().StringVarP(&runReportOut, "out", "o", "", "Write the final report to this file")
	runCmd.MarkFlagsMutuallyExclusive("mode", "phase")
}

func runAssessment(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if runResume == "" && len(args) == 0 {
		return errors.New("at least one artifact file is required")
	}

	out := cmd.OutOrStdout()
	a, err := newApp(ctx, cfg, logger, withObserver(progressPrinter(cmd.ErrOrStderr())))
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	runID, actx, prior, err := openRun(ctx, a, runResume)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		artifacts, err := readArtifacts(args)
		if err != nil {
			return err
		}
		for _, art := range artifacts {
			actx.AddArtifact(art.Name, art.Text)
		}
	}

	ctx = orchestrator.ContextWithRunID(ctx, runID)
	var results []orchestrator.StageResult
	switch {
	case len(runPhaseIDs) > 0:
		results, err = a.orch.RunPhases(ctx, actx, runPhaseIDs)
	case runMode != "":
		results, err = a.orch.RunMode(ctx, actx, strings.ToUpper(runMode))
	default:
		results, err = a.orch.RunAll(ctx, actx)
	}
	if errors.Is(err, orchestrator.ErrUnknownPhase) || errors.Is(err, orchestrator.ErrUnknownMode) {
		return err
	}

	if a.store != nil {
		run := &storage.Run{
			ID:       runID,
			Snapshot: actx.Snapshot(),
			Stages:   mergeStages(a.registry, prior, results),
		}
		run.Status = runStatus(run.Stages)
		if perr := a.store.SaveRun(context.WithoutCancel(ctx), run); perr != nil {
			logger.Error("failed to park run", slog.String("run_id", runID), slog.String("error", perr.Error()))
		}
	}

	printResults(out, runID, results)
	if err != nil {
		return err
	}
	return writeReport(out, a.registry, actx, results, runReportOut)
}

// openRun starts a new run or restores a parked one.
func openRun(ctx context.Context, a *app, resume string) (string, *assessment.Context, []storage.StageRecord, error) {
	if resume == "" {
		actx := assessment.New(a.registry, a.bundle.CommonRules, a.bundle.Phases)
		return uuid.New().String(), actx, nil, nil
	}
	if a.store == nil {
		return "", nil, nil, errors.New("--resume needs a run store; storage.type is none")
	}
	run, err := a.store.LoadRun(ctx, resume)
	if err != nil {
		return "", nil, nil, err
	}
	logger.Info("run resumed", slog.String("run_id", run.ID), slog.Int("results", len(run.Snapshot.Results)))
	return run.ID, assessment.Restore(a.registry, run.Snapshot), run.Stages, nil
}

// readArtifacts reads each file as UTF-8 text, named by its base name.
func readArtifacts(paths []string) ([]assessment.Artifact, error) {
	out := make([]assessment.Artifact, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact: %w", err)
		}
		out = append(out, assessment.Artifact{Name: filepath.Base(p), Text: string(data)})
	}
	return out, nil
}

// mergeStages overlays the started stages of results on prior, in phase
// order.
func mergeStages(reg *phase.Registry, prior []storage.StageRecord, results []orchestrator.StageResult) []storage.StageRecord {
	byID := make(map[string]storage.StageRecord, len(prior)+len(results))
	for _, st := range prior {
		byID[st.PhaseID] = st
	}
	for _, res := range results {
		if res.State == orchestrator.StateNotStarted {
			continue
		}
		rec := storage.StageRecord{PhaseID: res.PhaseID, Key: res.Key, State: res.State.String()}
		if res.Failure != nil {
			rec.Kind = string(res.Failure.Kind)
			rec.Detail = res.Failure.Detail
		}
		byID[res.PhaseID] = rec
	}
	out := make([]storage.StageRecord, 0, len(byID))
	for _, st := range byID {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b storage.StageRecord) int { return reg.Compare(a.PhaseID, b.PhaseID) })
	return out
}

func runStatus(stages []storage.StageRecord) string {
	if len(stages) == 0 {
		return "created"
	}
	status := "completed"
	for _, st := range stages {
		switch st.State {
		case orchestrator.StateSecurityShortCircuited.String():
			return "halted"
		case orchestrator.StateDegradedError.String():
			status = "degraded"
		}
	}
	return status
}

func progressPrinter(w io.Writer) orchestrator.Observer {
	return func(r orchestrator.StageResult) {
		if r.State == orchestrator.StateRunning {
			fmt.Fprintf(w, "-> %s (%s) %s\n", r.PhaseID, r.Key, r.Model)
		}
	}
}

func printResults(w io.Writer, runID string, results []orchestrator.StageResult) {
	fmt.Fprintf(w, "run %s\n", runID)
	for _, r := range results {
		line := fmt.Sprintf("  %-8s %-26s", r.PhaseID, r.State)
		if r.Model != "" && r.State.Terminal() {
			line += fmt.Sprintf(" %s x%d", r.Model, r.Attempts)
		}
		if r.Aggregate != nil {
			line += fmt.Sprintf(" total=%d avg=%.2f", r.Aggregate.Total, r.Aggregate.Average)
		}
		if r.Failure != nil {
			line += fmt.Sprintf(" [%s]", r.Failure.Kind)
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

// writeReport prints the report stage result, or writes it to path.
func writeReport(w io.Writer, reg *phase.Registry, actx *assessment.Context, results []orchestrator.StageResult, path string) error {
	p, ok := reg.FirstWith(phase.TraitReport)
	if !ok {
		return nil
	}
	ran := false
	for _, r := range results {
		if r.PhaseID == p.ID && r.State == orchestrator.StateCompleted {
			ran = true
		}
	}
	text, ok := actx.Result(p.Key)
	if !ran || !ok {
		return nil
	}
	if path != "" {
		return os.WriteFile(path, []byte(text+"\n"), 0o644)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, text)
	return nil
}
