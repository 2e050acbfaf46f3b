package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/c360studio/taskmesh/config"
	"github.com/c360studio/taskmesh/mesh"
	"github.com/c360studio/taskmesh/orchestrator"
	noderegistry "github.com/c360studio/taskmesh/processor/node-registry"
	perfmonitor "github.com/c360studio/taskmesh/processor/perf-monitor"
	taskrouter "github.com/c360studio/taskmesh/processor/task-router"
	workflowengine "github.com/c360studio/taskmesh/processor/workflow-engine"
	workergateway "github.com/c360studio/taskmesh/processor/worker-gateway"
)

// opsClient speaks the operator request/reply surface of a running
// orchestrator.
type opsClient struct {
	client *natsclient.Client
	nc     *nats.Conn
}

// dialOps connects to NATS for a short-lived operator command.
func dialOps(ctx context.Context, natsURL string) (*opsClient, error) {
	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName("taskmesh-ops"),
		natsclient.WithMaxReconnects(5),
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

	return &opsClient{client: client, nc: client.GetConnection()}, nil
}

func (c *opsClient) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// request sends one JSON request and decodes the JSON reply.
func (c *opsClient) request(ctx context.Context, subject string, req, out any, timeout time.Duration) error {
	var body []byte
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = data
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := c.nc.RequestWithContext(reqCtx, subject, body)
	if err != nil {
		return fmt.Errorf("request %s: %w (is the orchestrator running?)", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	return nil
}

// resolveNATSURL picks the NATS endpoint for operator commands: the
// --nats flag, then NATS_URL, then the loaded config (which already
// honors TASKMESH_NATS_URL).
func resolveNATSURL(flagURL string) (string, error) {
	if flagURL != "" {
		return flagURL, nil
	}
	if env := os.Getenv("NATS_URL"); env != "" {
		return env, nil
	}
	cfg, err := config.NewLoader(nil).Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.NATS.URL, nil
}

func withOpsClient(natsURL string, fn func(ctx context.Context, c *opsClient) error) error {
	url, err := resolveNATSURL(natsURL)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := dialOps(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close(context.Background())

	return fn(ctx, client)
}

func statusCmd() *cobra.Command {
	var (
		natsURL    string
		taskID     string
		outputJSON bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status or one task's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOpsClient(natsURL, func(ctx context.Context, c *opsClient) error {
				var resp orchestrator.StatusResponse
				req := orchestrator.StatusRequest{TaskID: taskID}
				if err := c.request(ctx, mesh.SubjectOpsStatus, req, &resp, timeout); err != nil {
					return err
				}
				if resp.Error != "" {
					return errors.New(resp.Error)
				}
				if outputJSON {
					return printJSON(resp)
				}
				fmt.Print(renderStatus(&resp))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL")
	cmd.Flags().StringVar(&taskID, "task", "", "Show one task instead of the system snapshot")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultRequestTimeout, "Request timeout")
	return cmd
}

func healthCmd() *cobra.Command {
	var (
		natsURL    string
		outputJSON bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check orchestrator health (exit 1 when unhealthy)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOpsClient(natsURL, func(ctx context.Context, c *opsClient) error {
				var report orchestrator.HealthReport
				if err := c.request(ctx, mesh.SubjectOpsHealth, nil, &report, timeout); err != nil {
					return err
				}
				if outputJSON {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					fmt.Print(renderHealth(&report))
				}
				if !report.Healthy {
					return errors.New("mesh is unhealthy")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultRequestTimeout, "Request timeout")
	return cmd
}

func monitorCmd() *cobra.Command {
	var (
		natsURL  string
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream periodic status lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOpsClient(natsURL, func(ctx context.Context, c *opsClient) error {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for {
					var status orchestrator.StatusResponse
					err := c.request(ctx, mesh.SubjectOpsStatus, nil, &status, timeout)
					switch {
					case err != nil && ctx.Err() != nil:
						fmt.Println()
						return nil
					case err != nil:
						fmt.Printf("%s  unreachable: %v\n", time.Now().Format("15:04:05"), err)
					default:
						fmt.Println(renderMonitorLine(time.Now(), &status))
					}

					select {
					case <-ctx.Done():
						fmt.Println()
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Refresh interval")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultRequestTimeout, "Per-request timeout")
	return cmd
}

func submitTaskCmd() *cobra.Command {
	var (
		natsURL    string
		outputJSON bool
		timeout    time.Duration

		taskType      string
		taskName      string
		payload       string
		priority      int
		tools         []string
		target        string
		timeoutMs     int64
		deterministic bool
	)

	cmd := &cobra.Command{
		Use:   "submit-task",
		Short: "Submit a task to the mesh",
		Example: `  taskmesh submit-task --type scan --name nightly --priority 7
  taskmesh submit-task --type hash --name checksum --payload '{"data":"abc"}' --tools hash
  taskmesh submit-task --type echo --name probe --deterministic --target worker-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildSubmitRequest(taskType, taskName, payload, priority, tools, target, timeoutMs, deterministic)
			if err != nil {
				return err
			}
			return withOpsClient(natsURL, func(ctx context.Context, c *opsClient) error {
				var resp orchestrator.SubmitResponse
				if err := c.request(ctx, mesh.SubjectOpsSubmit, req, &resp, timeout); err != nil {
					return err
				}
				if resp.Error != "" {
					return errors.New(resp.Error)
				}
				if outputJSON {
					return printJSON(resp)
				}
				fmt.Printf("Task submitted: %s\n", resp.TaskID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultRequestTimeout, "Request timeout")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type (required)")
	cmd.Flags().StringVar(&taskName, "name", "", "Task name (required)")
	cmd.Flags().StringVar(&payload, "payload", "", "Task payload as a JSON document")
	cmd.Flags().IntVar(&priority, "priority", 5, "Priority 0-10 (10 is most urgent)")
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "Required worker tools")
	cmd.Flags().StringVar(&target, "target", "", "Pin the task to one worker")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "Task execution deadline in milliseconds")
	cmd.Flags().BoolVar(&deterministic, "deterministic", false, "Route with the deterministic strategy")
	return cmd
}

// buildSubmitRequest validates the submit-task flags into a request body.
// Violations are usage errors.
func buildSubmitRequest(taskType, taskName, payload string, priority int, tools []string, target string, timeoutMs int64, deterministic bool) (*orchestrator.SubmitRequest, error) {
	if taskType == "" {
		return nil, usageErrorf("--type is required")
	}
	if taskName == "" {
		return nil, usageErrorf("--name is required")
	}
	if priority < 0 || priority > 10 {
		return nil, usageErrorf("--priority must be between 0 and 10, got %d", priority)
	}
	req := &orchestrator.SubmitRequest{
		Type:          taskType,
		Name:          taskName,
		Priority:      priority,
		RequiredTools: tools,
		TargetNode:    target,
		TimeoutMs:     timeoutMs,
		Deterministic: deterministic,
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return nil, usageErrorf("--payload is not valid JSON")
		}
		req.Payload = json.RawMessage(payload)
	}
	return req, nil
}

func cancelTaskCmd() *cobra.Command {
	var (
		natsURL string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cancel-task TASK_ID",
		Short: "Cancel a queued or active task",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("expected exactly one TASK_ID argument, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOpsClient(natsURL, func(ctx context.Context, c *opsClient) error {
				var resp orchestrator.CancelResponse
				req := orchestrator.CancelRequest{TaskID: args[0]}
				if err := c.request(ctx, mesh.SubjectOpsCancel, req, &resp, timeout); err != nil {
					return err
				}
				if resp.Error != "" {
					return errors.New(resp.Error)
				}
				fmt.Printf("Task cancelled: %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultRequestTimeout, "Request timeout")
	return cmd
}

// componentEntry is the printable view of one registered factory. The
// factory function itself is omitted so the entry marshals cleanly.
type componentEntry struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Protocol    string                 `json:"protocol"`
	Domain      string                 `json:"domain"`
	Description string                 `json:"description"`
	Version     string                 `json:"version"`
	Schema      component.ConfigSchema `json:"schema"`
}

// schemaCollector satisfies each processor's registration interface and
// records what would land in a live component registry.
type schemaCollector struct {
	entries []componentEntry
}

func (s *schemaCollector) RegisterWithConfig(rc component.RegistrationConfig) error {
	s.entries = append(s.entries, componentEntry{
		Name:        rc.Name,
		Type:        rc.Type,
		Protocol:    rc.Protocol,
		Domain:      rc.Domain,
		Description: rc.Description,
		Version:     rc.Version,
		Schema:      rc.Schema,
	})
	return nil
}

// collectComponents registers every taskmesh component factory and
// returns their metadata sorted by name.
func collectComponents() ([]componentEntry, error) {
	collector := &schemaCollector{}
	registrations := []struct {
		name string
		fn   func() error
	}{
		{"node-registry", func() error { return noderegistry.Register(collector) }},
		{"perf-monitor", func() error { return perfmonitor.Register(collector) }},
		{"workflow-engine", func() error { return workflowengine.Register(collector) }},
		{"task-router", func() error { return taskrouter.Register(collector) }},
		{"worker-gateway", func() error { return workergateway.Register(collector) }},
	}
	for _, r := range registrations {
		if err := r.fn(); err != nil {
			return nil, fmt.Errorf("register %s: %w", r.name, err)
		}
	}
	sort.Slice(collector.entries, func(i, j int) bool {
		return collector.entries[i].Name < collector.entries[j].Name
	})
	return collector.entries, nil
}

func componentsCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "components",
		Short: "List registered component factories and their config schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := collectComponents()
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(entries)
			}
			for _, e := range entries {
				fmt.Printf("%-17s %s/%s v%s\n", e.Name, e.Domain, e.Type, e.Version)
				fmt.Printf("  %s\n", e.Description)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON with config schemas")
	return cmd
}

// starter catalogs written by `taskmesh init`.
const starterNodes = `# Declared workers. The orchestrator pre-registers these so routing can
# target them before their first handshake. Capabilities may use glob
# patterns (scan.* matches scan.ports).
nodes:
  - name: worker-1
    role: general
    capabilities: [echo, sleep, hash, fail-n]
    maxConcurrent: 5
    priority: 1
`

const starterWorkflows = `# Per-worker overlays merged onto nodes.yaml at load.
# node_tools extends a worker's capability set; node_prompts constraints
# override its concurrency cap.
node_tools: {}
node_prompts: {}
`

func initCmd() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write starter taskmesh.yaml, nodes.yaml, and workflows.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeStarterConfigs(dir, force)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to write config files into")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	return cmd
}

func writeStarterConfigs(dir string, force bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, config.ProjectConfigFile)
	if fileExists(configPath) && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	cfg := config.DefaultConfig()
	cfg.NodesFile = "nodes.yaml"
	cfg.WorkflowsFile = "workflows.yaml"
	if err := cfg.SaveToFile(configPath); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", configPath)

	catalogs := []struct {
		name    string
		content string
	}{
		{"nodes.yaml", starterNodes},
		{"workflows.yaml", starterWorkflows},
	}
	for _, c := range catalogs {
		path := filepath.Join(dir, c.name)
		if fileExists(path) && !force {
			fmt.Printf("Kept existing %s\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(c.content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("Wrote %s\n", path)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// renderStatus formats a status reply for human eyes.
func renderStatus(resp *orchestrator.StatusResponse) string {
	var b strings.Builder

	if resp.Task != nil {
		fmt.Fprintf(&b, "Task:    %s\n", resp.Task.TaskID)
		fmt.Fprintf(&b, "Status:  %s\n", resp.Task.Status)
		if r := resp.Task.Result; r != nil {
			if r.Success {
				fmt.Fprintf(&b, "Result:  ok on %s (%dms)\n", r.NodeID, r.DurationMs)
			} else {
				fmt.Fprintf(&b, "Result:  failed: %s\n", r.Error)
			}
		}
		return b.String()
	}

	s := resp.System
	if s == nil {
		return "no status available\n"
	}

	state := "stopped"
	if s.Running {
		state = fmt.Sprintf("running (up %s)", (time.Duration(s.UptimeMs) * time.Millisecond).Round(time.Second))
	}
	fmt.Fprintf(&b, "Orchestrator:  %s\n", state)
	fmt.Fprintf(&b, "Seed:          %s\n", s.Seed)

	online := s.Nodes[mesh.NodeOnline]
	total := 0
	for _, n := range s.Nodes {
		total += n
	}
	fmt.Fprintf(&b, "Nodes:         %d online / %d known\n", online, total)
	fmt.Fprintf(&b, "Tasks:         %d queued, %d active, %d completed, %d failed, %d cancelled\n",
		s.Tasks.Queued, s.Tasks.Active, s.Tasks.Completed, s.Tasks.Failed, s.Tasks.Cancelled)
	if s.Fleet.Nodes > 0 {
		fmt.Fprintf(&b, "Fleet:         cpu %.1f%%, mem %.1f%%, errors %.2f%%\n",
			s.Fleet.AverageCPU, s.Fleet.AverageMemory, s.Fleet.AverageErrorRate*100)
	}
	if len(s.Workflows) > 0 {
		fmt.Fprintf(&b, "Workflows:     %s\n", strings.Join(s.Workflows, ", "))
	}
	return b.String()
}

// renderHealth formats a health report, one check per line.
func renderHealth(report *orchestrator.HealthReport) string {
	var b strings.Builder
	for _, check := range report.Checks {
		mark := "✓"
		switch check.Status {
		case orchestrator.CheckFail:
			mark = "✗"
		case orchestrator.CheckWarn:
			mark = "!"
		}
		fmt.Fprintf(&b, "  %s %-15s %s", mark, check.Name, check.Status)
		if check.Detail != "" {
			fmt.Fprintf(&b, " (%s)", check.Detail)
		}
		b.WriteByte('\n')
	}
	if report.Healthy {
		b.WriteString("mesh is healthy\n")
	} else {
		b.WriteString("mesh is UNHEALTHY\n")
	}
	return b.String()
}

// renderMonitorLine condenses one status snapshot into a single line.
func renderMonitorLine(at time.Time, resp *orchestrator.StatusResponse) string {
	s := resp.System
	if s == nil {
		return fmt.Sprintf("%s  no status", at.Format("15:04:05"))
	}
	online := s.Nodes[mesh.NodeOnline]
	return fmt.Sprintf("%s  nodes=%d queued=%d active=%d completed=%d failed=%d backpressure=%d",
		at.Format("15:04:05"), online,
		s.Tasks.Queued, s.Tasks.Active, s.Tasks.Completed, s.Tasks.Failed,
		s.Tasks.BackpressureEvents)
}
