package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/agent"
	"github.com/xkilldash9x/coursepilot/internal/artifacts"
	"github.com/xkilldash9x/coursepilot/internal/browser"
	"github.com/xkilldash9x/coursepilot/internal/config"
	"github.com/xkilldash9x/coursepilot/internal/llmclient"
	"github.com/xkilldash9x/coursepilot/internal/store"
)

const shutdownTimeout = 15 * time.Second

// Seams for tests.
var (
	newProvider = llmclient.NewClient
	openBrowser = func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.BrowserSession, func(context.Context) error, error) {
		manager, err := browser.NewManager(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		session, err := manager.NewSession(ctx)
		if err != nil {
			return nil, nil, err
		}
		return session, manager.Shutdown, nil
	}
	openLedger = func(ctx context.Context, url string, logger *zap.Logger) (*store.Store, func(), error) {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		s, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	}
)

// pinger is implemented by providers that can verify their backend up front.
type pinger interface {
	Ping(ctx context.Context) error
}

// runCourse wires the provider, browser and sinks together and runs the loop
// once. Setup failures are returned as errors; everything after that is in
// the outcome.
func runCourse(ctx context.Context, cfg *config.Config, courseURL string, logger *zap.Logger) (schemas.RunOutcome, error) {
	provider, err := newProvider(ctx, cfg.Cognition(), logger)
	if err != nil {
		return schemas.RunOutcome{}, fmt.Errorf("failed to initialize cognition provider: %w", err)
	}
	if err := pingProvider(ctx, provider); err != nil {
		return schemas.RunOutcome{}, fmt.Errorf("cognition provider is not ready: %w", err)
	}

	sink, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return schemas.RunOutcome{}, err
	}
	defer closeSinks()

	session, shutdown, err := openBrowser(ctx, cfg, logger)
	if err != nil {
		return schemas.RunOutcome{}, fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		// The run context may already be cancelled by a signal.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown failed", zap.Error(err))
		}
	}()

	controller := agent.NewController(cfg, session, provider, sink, logger)
	return controller.Run(ctx, courseURL), nil
}

// pingProvider checks providers that support it. Hosted APIs are checked by
// their first call instead.
func pingProvider(ctx context.Context, provider schemas.CognitionProvider) error {
	for p := provider; p != nil; {
		if pg, ok := p.(pinger); ok {
			return pg.Ping(ctx)
		}
		u, ok := p.(interface{ Unwrap() schemas.CognitionProvider })
		if !ok {
			return nil
		}
		p = u.Unwrap()
	}
	return nil
}

// buildSinks assembles the artifact sinks the configuration asks for. A
// ledger that cannot be reached is logged and skipped.
func buildSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) (agent.ArtifactSink, func(), error) {
	var (
		sinks   agent.MultiSink
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Artifacts().Enabled {
		fileSink, err := artifacts.NewFileSink(cfg.Artifacts().Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fileSink)
	}

	if url := cfg.Database().URL; url != "" {
		ledger, closeLedger, err := openLedger(ctx, url, logger)
		if err != nil {
			logger.Warn("Run ledger unavailable, continuing without it", zap.Error(err))
		} else {
			sinks = append(sinks, ledger)
			closers = append(closers, closeLedger)
		}
	}

	return sinks, closeAll, nil
}
