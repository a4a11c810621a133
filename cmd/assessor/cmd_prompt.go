package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quorum-eval/assessor/internal/assessment"
	"github.com/quorum-eval/assessor/internal/phase"
)

var (
	promptPhase  string
	promptMode   string
	promptResume string
)

var promptCmd = &cobra.Command{
	Use:   "prompt [artifact files...]",
	Short: "Print the prompt a stage or mode would send, without calling a model",
	Long: `Assembles the dependency-pruned prompt for one stage (--phase), or one
combined prompt covering every stage of an execution mode (--mode).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (promptPhase == "") == (promptMode == "") {
			return errors.New("exactly one of --phase or --mode is required")
		}
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}

		var actx *assessment.Context
		if promptResume != "" {
			store, err := openStore(cfg.Storage)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("--resume needs a run store; storage.type is none")
			}
			defer store.Close()
			run, err := store.LoadRun(cmd.Context(), promptResume)
			if err != nil {
				return err
			}
			actx = assessment.Restore(reg, run.Snapshot)
		} else {
			bundle, err := loadInstructions(cfg.Instructions.Path, logger)
			if err != nil {
				return err
			}
			actx = assessment.New(reg, bundle.CommonRules, bundle.Phases)
		}

		artifacts, err := readArtifacts(args)
		if err != nil {
			return err
		}
		for _, a := range artifacts {
			actx.AddArtifact(a.Name, a.Text)
		}
		return printPrompt(cmd.OutOrStdout(), reg, actx, promptPhase, promptMode)
	},
}

func printPrompt(w io.Writer, reg *phase.Registry, actx *assessment.Context, phaseID, mode string) error {
	if phaseID != "" {
		p, ok := reg.ByID(phaseID)
		if !ok {
			return fmt.Errorf("unknown phase %q", phaseID)
		}
		_, err := fmt.Fprintln(w, actx.BuildPrompt(p.Key))
		return err
	}

	m, ok := reg.Mode(strings.ToUpper(mode))
	if !ok {
		return fmt.Errorf("unknown mode %q", mode)
	}
	keys := make([]string, 0, len(m.PhaseIDs))
	for _, id := range m.PhaseIDs {
		if p, ok := reg.ByID(id); ok {
			keys = append(keys, p.Key)
		}
	}
	_, err := fmt.Fprintln(w, actx.BuildCombinedPrompt(keys))
	return err
}

func init() {
	promptCmd.Flags().StringVarP(&promptPhase, "phase", "p", "", "Phase id to assemble the prompt for")
	promptCmd.Flags().StringVarP(&promptMode, "mode", "m", "", "Execution mode to assemble one combined prompt for")
	promptCmd.Flags().StringVar(&promptResume, "resume", "", "Use the results of a parked run as history")
}
