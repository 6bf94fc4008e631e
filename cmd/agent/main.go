// Package main is the entry point for the dispatch-agent binary.
// It wires all internal packages together and starts the agent loop.
//
// Startup sequence:
//  1. Load Settings from the environment
//  2. Build logger
//  3. Load (or mint) this machine's persisted identity
//  4. Build the handler registry (sum, subtract, exec)
//  5. Build the dispatcher client, outbox, and telemetry
//  6. Construct the agent and run it
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/dispatch-agent/internal/agent"
	"github.com/arkeep-io/dispatch-agent/internal/dispatcher"
	"github.com/arkeep-io/dispatch-agent/internal/handlers"
	"github.com/arkeep-io/dispatch-agent/internal/hooks"
	"github.com/arkeep-io/dispatch-agent/internal/identity"
	"github.com/arkeep-io/dispatch-agent/internal/outbox"
	"github.com/arkeep-io/dispatch-agent/internal/settings"
	"github.com/arkeep-io/dispatch-agent/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatch-agent",
		Short: "dispatch-agent — worker agent for the job dispatcher system",
		Long: `dispatch-agent runs on each worker machine. It registers with a
central dispatcher, claims batches of jobs over HTTP, executes them
through a pluggable handler registry under bounded concurrency, and
reports outcomes back — falling back to a durable on-disk outbox when
the dispatcher is unreachable.

All configuration is read from the environment (SERVER_BASE,
HEARTBEAT_INTERVAL_SEC, MAX_CONCURRENCY, ...); see internal/settings.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("dispatch-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := settings.Load()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting dispatch-agent",
		zap.String("version", version),
		zap.String("server_base", cfg.ServerBase),
		zap.String("state_dir", cfg.StateDir),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Identity ---
	ident, err := identity.Load(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	logger.Info("identity loaded", zap.String("bot_key", ident.BotKey), zap.String("instance_id", ident.InstanceID))

	// --- Handler registry ---
	registry := handlers.NewRegistry()
	handlers.RegisterBuiltins(registry)
	handlers.RegisterExec(registry, hooks.NewRunner(0))

	// --- Dispatcher client, outbox, telemetry ---
	client := dispatcher.New(cfg.ServerBase)
	obx := outbox.New(cfg.StateDir)
	tel := telemetry.New()

	if cfg.MetricsAddr != "" {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		go func() {
			if err := tel.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server stopped with error", zap.Error(err))
			}
		}()
	}

	// --- Agent ---
	bot := agent.New(cfg, ident, client, registry, obx, tel, logger)

	if err := bot.Run(ctx); err != nil {
		return fmt.Errorf("agent run failed: %w", err)
	}

	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
