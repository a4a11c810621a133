package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/quorum-eval/assessor/internal/config"
	"github.com/quorum-eval/assessor/internal/evidence"
	"github.com/quorum-eval/assessor/internal/gateway"
	"github.com/quorum-eval/assessor/internal/gemini"
	"github.com/quorum-eval/assessor/internal/instructions"
	"github.com/quorum-eval/assessor/internal/orchestrator"
	"github.com/quorum-eval/assessor/internal/phase"
	"github.com/quorum-eval/assessor/internal/security"
	"github.com/quorum-eval/assessor/internal/storage"
	"github.com/quorum-eval/assessor/internal/storage/memory"
	"github.com/quorum-eval/assessor/internal/storage/sqlite"
	"github.com/quorum-eval/assessor/internal/telemetry"
	"github.com/quorum-eval/assessor/internal/tokens"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *phase.Registry
	bundle   *instructions.Bundle
	tokens   *tokens.Registry

	client *gemini.Client
	gate   *security.Gate
	store  storage.Store
	orch   *orchestrator.Orchestrator

	closers []func(context.Context) error
}

type appOption func(*appOptions)

type appOptions struct {
	observer orchestrator.Observer
}

func withObserver(fn orchestrator.Observer) appOption {
	return func(o *appOptions) { o.observer = fn }
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...appOption) (*app, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &app{cfg: cfg, logger: logger, tokens: tokens.NewDefaultRegistry()}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(telemetry.ServiceName, os.Stderr, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	reg, err := cfg.Registry()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.registry = reg

	a.bundle, err = loadInstructions(cfg.Instructions.Path, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.store, err = openStore(cfg.Storage)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if a.store != nil {
		store := a.store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	}

	a.gate = security.NewGate(nil, logger)
	if path := cfg.Security.CatalogPath; path != "" {
		if cfg.Security.Watch {
			err = a.gate.Watch(path)
			a.closers = append(a.closers, func(context.Context) error { return a.gate.Close() })
		} else {
			var cat *security.Catalog
			if cat, err = security.LoadCatalog(path); err == nil {
				a.gate.SetCatalog(cat)
			}
		}
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	a.client, err = gemini.New(ctx, gemini.Config{
		APIKey:  cfg.Gemini.APIKey,
		BaseURL: cfg.Gemini.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	fallback := gateway.FallbackPolicy{Models: cfg.Models.Fallbacks}
	gw := gateway.New(a.client, gateway.Config{
		Retry: gateway.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
		},
		Fallback:        fallback,
		MaxOutputTokens: cfg.Retry.MaxOutputTokens,
		AttemptTimeout:  cfg.Retry.AttemptTimeout,
		SerializeModels: cfg.Models.Serialize,
		Tokens:          a.tokens,
		Logger:          logger,
	})

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithSecurityGate(a.gate),
		orchestrator.WithParallelism(cfg.Parallelism),
	}
	search := evidence.NewGoogleSearch(evidence.Config{
		APIKey:   cfg.Evidence.APIKey,
		CX:       cfg.Evidence.CX,
		Endpoint: cfg.Evidence.Endpoint,
	})
	if search.Configured() {
		orchOpts = append(orchOpts, orchestrator.WithEvidence(search, cfg.Evidence.Results, cfg.Evidence.MaxClaims))
	} else {
		logger.Info("fact-check search disabled", slog.String("reason", evidence.ErrNotConfigured.Error()))
	}
	if cfg.Dataset.Enabled && a.store != nil {
		orchOpts = append(orchOpts, orchestrator.WithDatasetSink(a.store))
	}
	if o.observer != nil {
		orchOpts = append(orchOpts, orchestrator.WithObserver(o.observer))
	}
	a.orch = orchestrator.New(reg, gw, orchOpts...)

	return a, nil
}

// Close releases everything newApp opened, newest first.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("shutdown failed", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "sqlite":
		return sqlite.New(cfg.SQLite.Path)
	case "memory", "":
		return memory.New(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// loadInstructions reads the instruction bundle. A missing source is not
// fatal: the orchestrator runs stages without instructions and warns.
func loadInstructions(path string, logger *slog.Logger) (*instructions.Bundle, error) {
	empty := &instructions.Bundle{Phases: map[string]string{}}
	if path == "" {
		return empty, nil
	}
	b, err := instructions.Load(path)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, instructions.ErrEmpty) {
		logger.Warn("no instructions loaded", slog.String("path", path), slog.String("error", err.Error()))
		return empty, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("instructions loaded", slog.String("path", path), slog.Int("phases", len(b.Phases)))
	return b, nil
}
