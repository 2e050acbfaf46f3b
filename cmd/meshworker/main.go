// Package main provides the meshworker binary: a reference taskmesh
// worker. It joins the mesh over NATS, heartbeats with real host metrics,
// and executes assigned tasks with a small set of built-in actions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/c360studio/taskmesh/mesh"
)

const (
	Version = "0.1.0"
	appName = "meshworker"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		natsURL      string
		nodeID       string
		orchestrator string
		capabilities string
		maxTasks     int
		heartbeat    time.Duration
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "meshworker",
		Short: "Reference taskmesh worker node",
		Long: `Meshworker joins a taskmesh fleet as a worker node.

It performs the protocol handshake, sends heartbeats carrying host CPU
and memory utilization, accepts task assignments, and executes them with
built-in actions (echo, sleep, hash, fail-n). It exists to exercise a
running orchestrator end to end and as a template for real workers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(workerFlags{
				natsURL:      natsURL,
				nodeID:       nodeID,
				orchestrator: orchestrator,
				capabilities: capabilities,
				maxTasks:     maxTasks,
				heartbeat:    heartbeat,
				logLevel:     logLevel,
			})
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL (default: NATS_URL env or nats://localhost:4222)")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "Worker identity (default: worker-<hostname>)")
	cmd.Flags().StringVar(&orchestrator, "orchestrator", "orchestrator", "Orchestrator protocol identity")
	cmd.Flags().StringVar(&capabilities, "capabilities", "", "Comma-separated capability tags (default: built-in action names)")
	cmd.Flags().IntVar(&maxTasks, "max-concurrent", 4, "Maximum simultaneous task executions")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat-interval", 10*time.Second, "Heartbeat cadence")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

type workerFlags struct {
	natsURL      string
	nodeID       string
	orchestrator string
	capabilities string
	maxTasks     int
	heartbeat    time.Duration
	logLevel     string
}

func runWorker(flags workerFlags) error {
	logger := newLogger(flags.logLevel)

	nodeID := flags.nodeID
	if nodeID == "" {
		nodeID = defaultNodeID()
	}

	natsURL := flags.natsURL
	if natsURL == "" {
		natsURL = os.Getenv("NATS_URL")
	}
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	var caps []string
	if flags.capabilities != "" {
		for _, c := range strings.Split(flags.capabilities, ",") {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, c)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := connectNATS(ctx, natsURL, nodeID)
	if err != nil {
		return err
	}
	defer client.Close(context.Background())

	worker, err := NewWorker(Options{
		NodeID:            nodeID,
		Orchestrator:      flags.orchestrator,
		Capabilities:      caps,
		MaxConcurrent:     flags.maxTasks,
		HeartbeatInterval: flags.heartbeat,
		Version:           Version,
	}, natsTransport(client), logger)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	// Directed and broadcast deliveries feed the same receive pipeline.
	nc := client.GetConnection()
	subs := make([]*nats.Subscription, 0, 2)
	for _, subject := range []string{mesh.NodeInbox(nodeID), mesh.SubjectBroadcast} {
		sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
			worker.Receive(ctx, m.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	logger.Info("Meshworker starting",
		"node_id", nodeID,
		"nats_url", natsURL,
		"orchestrator", flags.orchestrator)

	if err := worker.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("Meshworker shutdown complete")
	return nil
}

func connectNATS(ctx context.Context, natsURL, nodeID string) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName+"-"+nodeID),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", natsURL, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "worker-" + host
	}
	return "worker-" + uuid.NewString()[:8]
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
