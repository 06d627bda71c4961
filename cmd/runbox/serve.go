package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/executor"
	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/registry"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox execution server",
	Long: `Start the runbox HTTP server with the WebSocket execution API.

Clients connect to /api/ws/execute, submit code, and receive a live event
stream. Requires a reachable Docker daemon.

Examples:
  runbox serve
  runbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cli, err := sandbox.NewDockerClient(ctx)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	manager := sandbox.NewManager(cli, log)

	// Containers left behind by an unclean shutdown are removed before
	// accepting work.
	if _, err := manager.CleanupOrphans(ctx); err != nil {
		log.Warn("orphan cleanup failed", zap.Error(err))
	}

	reg := registry.New()
	if cfg.Registry.OverridesPath != "" {
		if err := reg.ApplyOverrides(cfg.Registry.OverridesPath); err != nil {
			return fmt.Errorf("applying registry overrides: %w", err)
		}
	}

	orch := executor.New(reg, manager, log, executor.Defaults{
		MemoryBytes:    cfg.Sandbox.MemoryBytes(),
		CPUQuota:       cfg.Sandbox.CPUQuota(),
		CPUPeriod:      cfg.Sandbox.CPUPeriod(),
		PidsLimit:      cfg.Sandbox.PidsLimit,
		Timeout:        cfg.Sandbox.Timeout(),
		InstallTimeout: cfg.Sandbox.InstallTimeout(),
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
	})

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(orch, reg, log)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
