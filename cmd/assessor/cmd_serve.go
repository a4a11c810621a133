package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorum-eval/assessor/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run API over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))

		port := cfg.Server.Port
		if servePort > 0 {
			port = servePort
		}

		apiCfg := server.APIConfig{
			Orchestrator: a.orch,
			Runs:         server.NewRuns(a.registry, a.store, logger),
			Instructions: a.bundle,
			Tokens:       a.tokens,
			Models:       a.client,
		}
		if cfg.Dataset.Enabled && a.store != nil {
			apiCfg.Records = a.store
		}
		srv := server.New(port, logger, cfg.Server.RequestTimeout)
		srv.Router.Mount("/v1", server.NewAPI(apiCfg))

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutdown signal received, stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			return err
		}
		return <-errCh
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
}
