package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/executor"
	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/mcpserver"
	"github.com/michaelbrown/runbox/internal/registry"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the run_code MCP tool over stdio",
	Long: `Expose code execution as a Model Context Protocol tool on stdin/stdout,
for use by MCP-aware agent hosts. Requires a reachable Docker daemon.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout carries the protocol; zap defaults to stderr so logs stay out
	// of the stream.
	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
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

	return mcpserver.New(orch, reg, log).ServeStdio()
}
