// Package main provides the taskmesh binary entry point.
// Taskmesh is a distributed task orchestrator: it registers worker
// nodes, routes tasks to them by load, latency, and capability, and
// runs deterministic workflows over the fleet.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskmesh/config"
	"github.com/c360studio/taskmesh/orchestrator"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskmesh"
)

// usageError marks operator mistakes (bad flags, malformed values) so
// main can exit 2 instead of 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var usage usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "taskmesh",
		Short: "Distributed task orchestrator",
		Long: `Taskmesh orchestrates a fleet of worker nodes over NATS.

It provides:
- Worker registration, heartbeat tracking, and health state machines
- Task routing by load, latency, and capability matching
- Deterministic workflow execution with seeded parameters
- Reliable worker messaging with retries, dedup, and batching

The root command runs the orchestrator. Operator subcommands (status,
health, monitor, submit-task, cancel-task) talk to a running
orchestrator over NATS request/reply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(initCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(healthCmd())
	cmd.AddCommand(monitorCmd())
	cmd.AddCommand(submitTaskCmd())
	cmd.AddCommand(cancelTaskCmd())
	cmd.AddCommand(componentsCmd())

	return cmd
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func run(configPath, logLevel string) error {
	printBanner()
	logger := newLogger(logLevel)

	loader := config.NewLoader(logger)
	loader.ExplicitPath = configPath
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := orch.Start(signalCtx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	slog.Info("Taskmesh ready",
		"version", Version,
		"nats_url", cfg.NATS.URL,
		"metrics_addr", cfg.Metrics.Addr)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := orch.Stop(); err != nil {
		slog.Error("Error stopping orchestrator", "error", err)
	}

	slog.Info("Taskmesh shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Taskmesh v" + Version + "                    ║")
	fmt.Println("║      Distributed Task Orchestrator            ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// requestTimeoutFlag is shared by every operator subcommand that speaks
// request/reply to a running orchestrator.
const defaultRequestTimeout = 10 * time.Second
