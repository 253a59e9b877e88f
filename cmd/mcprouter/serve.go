package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcprouter/mcprouter/internal/aggregator"
	"github.com/mcprouter/mcprouter/internal/config"
	"github.com/mcprouter/mcprouter/internal/gateway"
	"github.com/mcprouter/mcprouter/internal/logging"
	"github.com/mcprouter/mcprouter/internal/metrics"
	"github.com/mcprouter/mcprouter/internal/session"
	"github.com/mcprouter/mcprouter/internal/store"
	"github.com/mcprouter/mcprouter/internal/token"
	"github.com/mcprouter/mcprouter/internal/upstream"
)

// shutdownTimeout bounds how long serve waits, after a shutdown signal, for
// the gateway to drain before returning anyway. The upstream manager's Stop
// runs afterwards and is not bounded by it.
const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long:  "Start the MCP aggregator gateway: connects configured upstreams, serves the MCP endpoint, and exposes /metrics.",
		RunE:  runServe,
	}
}

func runServe(*cobra.Command, []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(resolveDataDir(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	sessions := session.New(logger)
	sessions.StartCleanupLoop()
	defer sessions.Stop()

	tokens := token.New(st, logger)
	mgr := upstream.NewManager(st, logger)
	reg := metrics.New()
	mgr.AttachMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start upstream manager: %w", err)
	}
	defer mgr.Stop()

	handler := aggregator.New(st, sessions, mgr, cfg, version, logger)
	handler.AttachMetrics(reg)
	gw := gateway.New(cfg, st, tokens, sessions, handler, reg, logger)

	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	logger.Info("mcprouter serving", zap.String("addr", cfg.Addr()), zap.Bool("auth", cfg.Security.Auth))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", zap.Error(err))
	}
	return nil
}
