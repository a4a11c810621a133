package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorum-eval/assessor/internal/assessment"
	"github.com/quorum-eval/assessor/internal/gemini"
	"github.com/quorum-eval/assessor/internal/phase"
	"github.com/quorum-eval/assessor/internal/tokens"
)

var phasesCmd = &cobra.Command{
	Use:   "phases",
	Short: "List the configured stages and execution modes",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}
		printPhases(cmd.OutOrStdout(), reg)
		return nil
	},
}

func printPhases(w io.Writer, reg *phase.Registry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tMODEL\tDEPENDS ON\tTRAITS")
	for _, p := range reg.Phases() {
		deps := "-"
		if p.DependsOn != nil {
			deps = strings.Join(p.DependsOn, ", ")
		}
		traits := p.Traits.String()
		if traits == "" {
			traits = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Key, p.Model, deps, traits)
	}
	tw.Flush()

	fmt.Fprintln(w)
	for _, m := range reg.Modes() {
		fmt.Fprintf(w, "%s: %s\n", m.Name, strings.Join(m.PhaseIDs, " "))
	}
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List parked runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("storage.type is none")
		}
		defer store.Close()

		runs, err := store.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tSTAGES\tUPDATED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.ID, r.Status, len(r.Stages), r.UpdatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var statsModel string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the size of the loaded instructions",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}
		bundle, err := loadInstructions(cfg.Instructions.Path, logger)
		if err != nil {
			return err
		}
		model := statsModel
		if model == "" {
			model = phase.DefaultModel
		}
		st := assessment.New(reg, bundle.CommonRules, bundle.Phases).Stats(tokens.NewDefaultRegistry(), model)

		approx := ""
		if st.Estimated {
			approx = "~"
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "model:        %s\n", model)
		fmt.Fprintf(w, "common rules: %d chars, %s%d tokens\n", st.CommonChars, approx, st.CommonTokens)
		fmt.Fprintf(w, "instructions: %d stages, %d chars, %s%d tokens\n", st.Phases, st.InstructionChars, approx, st.InstructionTokens)
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the Gemini models that support content generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := gemini.New(cmd.Context(), gemini.Config{
			APIKey:  cfg.Gemini.APIKey,
			BaseURL: cfg.Gemini.BaseURL,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		models, err := client.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Fprintln(cmd.OutOrStdout(), m)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to list")
	statsCmd.Flags().StringVar(&statsModel, "model", "", "Model whose tokenizer to count with")
}
