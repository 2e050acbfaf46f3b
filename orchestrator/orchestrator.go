// Package orchestrator is the composition root of the mesh. It builds the
// node registry, performance monitor, workflow engine, task router, and
// worker gateway from one configuration, cross-wires them over the
// in-process event bus, and drives their lifecycles as a unit. It also
// carries the operator surfaces: the NATS ops endpoints, the observer
// event bridge, the Prometheus listener, and the node catalog watcher.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/taskmesh/broker"
	"github.com/c360studio/taskmesh/config"
	"github.com/c360studio/taskmesh/mesh"
	noderegistry "github.com/c360studio/taskmesh/processor/node-registry"
	perfmonitor "github.com/c360studio/taskmesh/processor/perf-monitor"
	taskrouter "github.com/c360studio/taskmesh/processor/task-router"
	workergateway "github.com/c360studio/taskmesh/processor/worker-gateway"
	workflowengine "github.com/c360studio/taskmesh/processor/workflow-engine"
	"github.com/c360studio/taskmesh/protocol"
	"github.com/c360studio/taskmesh/storage"
)

// stopTimeout bounds each component's shutdown during Stop and during
// rollback of a failed Start.
const stopTimeout = 30 * time.Second

// runnable is the lifecycle surface shared by every managed component.
type runnable interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() component.HealthStatus
}

// managed pairs a component with the name it reports under.
type managed struct {
	name string
	runnable
}

// Orchestrator owns the component graph and its backing services.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	bus        *mesh.Bus
	natsClient *natsclient.Client
	stores     *storage.Stores
	queue      *broker.JetStreamBroker
	seed       string

	registry *noderegistry.Component
	monitor  *perfmonitor.Component
	engine   *workflowengine.Component
	router   *taskrouter.Component
	gateway  *workergateway.Component

	// components holds the managed set in start order; Stop walks it
	// backwards.
	components []managed

	ops        *opsServer
	observer   *observer
	metrics    *metricsServer
	nodesWatch *config.CatalogWatcher

	workflowCatalog *config.WorkflowCatalog

	mu          sync.Mutex
	initialized bool
	running     bool
	startTime   time.Time
	cancel      context.CancelFunc
}

// New validates the configuration and returns an orchestrator ready for
// Initialize. A nil config gets the defaults.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Initialize loads the catalogs, connects NATS and the JetStream-backed
// services, assembles the component graph, registers the predefined
// workflows, and pre-registers the cataloged fleet. It must run once
// before Start.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return fmt.Errorf("orchestrator already initialized")
	}

	nodeCatalog, err := config.LoadNodeCatalog(o.cfg.NodesFile)
	if err != nil {
		return fmt.Errorf("load node catalog: %w", err)
	}
	workflowCatalog, err := config.LoadWorkflowCatalog(o.cfg.WorkflowsFile)
	if err != nil {
		return fmt.Errorf("load workflow catalog: %w", err)
	}
	o.workflowCatalog = workflowCatalog

	if err := o.connect(ctx); err != nil {
		return err
	}

	seed, err := o.stores.Seed.Ensure(ctx, o.cfg.Mesh.DeterministicSeed)
	if err != nil {
		return fmt.Errorf("ensure seed: %w", err)
	}

	if err := o.assemble(seed); err != nil {
		return err
	}
	if err := o.registerWorkflows(); err != nil {
		return err
	}
	if err := o.registerFleet(ctx, nodeCatalog); err != nil {
		return err
	}

	o.ops = newOpsServer(o)
	o.observer = newObserver(o.bus, o.publishEvent, o.logger)
	if o.cfg.Metrics.Addr != "" {
		o.metrics = newMetricsServer(o.cfg.Metrics.Addr, o.bus, o.pollGauges, o.logger)
	}
	if o.cfg.NodesFile != "" {
		watch, err := config.NewCatalogWatcher(o.cfg.NodesFile, o.applyCatalog, o.logger)
		if err != nil {
			o.logger.Warn("Node catalog watcher unavailable", "error", err)
		} else {
			o.nodesWatch = watch
		}
	}

	o.initialized = true
	o.logger.Info("Orchestrator initialized",
		"catalog_nodes", len(nodeCatalog.Nodes),
		"workflows", o.engine.Workflows(),
		"strategy", o.cfg.Mesh.RoutingStrategy)
	return nil
}

// connect dials NATS and prepares the stores and the task broker.
func (o *Orchestrator) connect(ctx context.Context) error {
	client, err := natsclient.NewClient(o.cfg.NATS.URL,
		natsclient.WithName("taskmesh"),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", o.cfg.NATS.URL, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream context: %w", err)
	}
	stores, err := storage.NewStores(ctx, js)
	if err != nil {
		return fmt.Errorf("prepare stores: %w", err)
	}

	queueCfg := broker.DefaultConfig()
	queueCfg.MaxDeliver = o.cfg.Mesh.MaxRetries + 1
	queue, err := broker.New(queueCfg, js, o.logger)
	if err != nil {
		return fmt.Errorf("create task broker: %w", err)
	}
	if err := queue.Init(ctx); err != nil {
		return fmt.Errorf("init task broker: %w", err)
	}

	o.natsClient = client
	o.stores = stores
	o.queue = queue
	o.logger.Info("Connected to NATS", "url", o.cfg.NATS.URL)
	return nil
}

// assemble constructs the five components with config-derived settings and
// cross-wires them. The backing services may be absent; collaborators that
// need them tolerate the gap until Start.
func (o *Orchestrator) assemble(seed string) error {
	opts := &o.cfg.Mesh
	o.bus = mesh.NewBus()
	o.seed = seed

	regCfg := noderegistry.DefaultConfig()
	regCfg.HeartbeatTimeout = opts.HeartbeatTimeout()
	regCfg.OfflineEvictionMultiplier = opts.OfflineEvictionMultiplier
	regCfg.DefaultMaxConcurrent = opts.MaxConcurrentPerNode
	regCfg.Strategy = opts.RoutingStrategy
	regCfg.Seed = seed
	registry, err := noderegistry.New(regCfg, o.bus, o.logger)
	if err != nil {
		return fmt.Errorf("node registry: %w", err)
	}

	monCfg := perfmonitor.DefaultConfig()
	monCfg.MonitoringInterval = opts.MonitoringInterval()
	monCfg.CPUWarning = opts.AlertCPUWarning
	monCfg.CPUCritical = opts.AlertCPUCritical
	monCfg.MemoryWarning = opts.AlertMemoryWarning
	monCfg.MemoryCritical = opts.AlertMemoryCritical
	monitor, err := perfmonitor.New(monCfg, o.bus, o.logger)
	if err != nil {
		return fmt.Errorf("performance monitor: %w", err)
	}

	engCfg := workflowengine.DefaultConfig()
	engCfg.Seed = seed
	var sink workflowengine.ExecutionSink
	if o.stores != nil {
		sink = o.stores.Executions
	}
	engine, err := workflowengine.New(engCfg, sink, o.logger)
	if err != nil {
		return fmt.Errorf("workflow engine: %w", err)
	}

	routerCfg := taskrouter.DefaultConfig()
	routerCfg.MaxConcurrentPerNode = opts.MaxConcurrentPerNode
	routerCfg.TaskTimeout = opts.TaskTimeout()
	router, err := taskrouter.New(routerCfg, registry, o.bus, o.logger)
	if err != nil {
		return fmt.Errorf("task router: %w", err)
	}

	gwCfg := workergateway.DefaultConfig()
	gwCfg.MessageTimeout = opts.MessageTimeout()
	gwCfg.MaxRetries = opts.MaxRetries
	gwCfg.CompressionThreshold = opts.CompressionThreshold
	gwCfg.EnableCompression = opts.EnableCompression
	gwCfg.BatchSize = opts.BatchSize
	gwCfg.BatchInterval = opts.BatchInterval()
	gwCfg.DedupWindow = opts.DedupWindow
	gateway, err := workergateway.New(gwCfg, o.natsClient, o.bus, o.logger)
	if err != nil {
		return fmt.Errorf("worker gateway: %w", err)
	}

	registry.SetNotifier(gateway)
	registry.SetSampleSink(monitor)
	router.SetPerformanceSource(monitor)
	router.SetSender(gateway)
	monitor.SetQueueStats(func() (int, int) {
		stats := router.GetStats()
		return stats.Queued, stats.Active
	})
	gateway.SetRegistry(registry)
	gateway.SetSampleSink(monitor)
	gateway.SetTaskSink(router)
	if o.stores != nil {
		router.SetTaskStore(o.stores.Tasks)
	}
	if o.queue != nil {
		router.SetBroker(o.queue)
	}

	o.registry = registry
	o.monitor = monitor
	o.engine = engine
	o.router = router
	o.gateway = gateway
	o.components = []managed{
		{"node-registry", registry},
		{"perf-monitor", monitor},
		{"workflow-engine", engine},
		{"task-router", router},
		{"worker-gateway", gateway},
	}
	return nil
}

// registerWorkflows installs the predefined workflows and their step
// handlers. The route decision step of task-execution is engine-built-in
// and takes no handler.
func (o *Orchestrator) registerWorkflows() error {
	handlers := map[string]workflowengine.StepHandler{
		"allocate-port": allocatePortStep,
		"generate-id":   generateIDStep,
		"connect":       o.connectStep,
		"verify":        o.verifyStep,
		"validate-task": o.validateTaskStep,
		"execute-task":  o.executeTaskStep,
		"report-result": o.reportResultStep,
	}
	for action, handler := range handlers {
		if err := o.engine.RegisterStepHandler(action, handler); err != nil {
			return fmt.Errorf("register step handler %s: %w", action, err)
		}
	}

	for _, wf := range []mesh.Workflow{
		workflowengine.NodeInitializationWorkflow(),
		workflowengine.TaskExecutionWorkflow(),
	} {
		if err := o.engine.RegisterWorkflow(wf); err != nil {
			return fmt.Errorf("register workflow %s: %w", wf.ID, err)
		}
	}
	return nil
}

// registerFleet pre-registers the cataloged workers so routing can target
// them before their first handshake.
func (o *Orchestrator) registerFleet(ctx context.Context, catalog *config.NodeCatalog) error {
	for _, node := range catalog.MeshNodes(o.workflowCatalog, &o.cfg.Mesh) {
		opts := []noderegistry.RegisterOption{
			noderegistry.WithMaxConcurrent(node.MaxConcurrent),
			noderegistry.WithRole(node.Role, node.Priority),
		}
		if err := o.registry.RegisterNode(ctx, node.ID, node.Capabilities, opts...); err != nil {
			return fmt.Errorf("register node %s: %w", node.ID, err)
		}
	}
	if len(catalog.Nodes) > 0 {
		o.logger.Info("Fleet registered from catalog", "nodes", len(catalog.Nodes))
	}
	return nil
}

// applyCatalog re-registers the declared fleet after a catalog reload.
// Re-registration replaces each worker's record, which resets its load;
// workers dropped from the file keep their registration until heartbeats
// lapse.
func (o *Orchestrator) applyCatalog(catalog *config.NodeCatalog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.registerFleet(ctx, catalog); err != nil {
		o.logger.Warn("Catalog update not fully applied", "error", err)
	}
}

// Start runs the components in dependency order, then the operator
// surfaces. A component failure stops the ones already running, newest
// first, and leaves the orchestrator stopped.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator not initialized")
	}
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	for i, m := range o.components {
		if err := m.Start(subCtx); err != nil {
			if stopErr := o.stopComponents(i - 1); stopErr != nil {
				o.logger.Warn("Rollback after failed start", "error", stopErr)
			}
			o.clearCancel()
			cancel()
			return fmt.Errorf("start %s: %w", m.name, err)
		}
		o.logger.Debug("Component started", "component", m.name)
	}

	if err := o.startSurfaces(subCtx); err != nil {
		if stopErr := o.stopComponents(len(o.components) - 1); stopErr != nil {
			o.logger.Warn("Rollback after failed start", "error", stopErr)
		}
		o.clearCancel()
		cancel()
		return err
	}

	o.mu.Lock()
	o.running = true
	o.startTime = o.now()
	o.mu.Unlock()

	o.logger.Info("Orchestrator started",
		"components", len(o.components),
		"metrics_addr", o.cfg.Metrics.Addr,
		"nats_url", o.cfg.NATS.URL)
	return nil
}

// startSurfaces brings up the ops endpoints, observer bridge, metrics
// listener, and catalog watcher. Only the ops endpoints are load-bearing;
// the rest degrade to warnings.
func (o *Orchestrator) startSurfaces(ctx context.Context) error {
	if o.natsClient != nil {
		if err := o.ops.Start(ctx); err != nil {
			return fmt.Errorf("start ops endpoints: %w", err)
		}
		o.observer.Start(ctx)
	}
	if o.metrics != nil {
		if err := o.metrics.Start(ctx); err != nil {
			o.logger.Warn("Metrics listener unavailable",
				"addr", o.cfg.Metrics.Addr, "error", err)
			o.metrics = nil
		}
	}
	if o.nodesWatch != nil {
		if err := o.nodesWatch.Start(ctx); err != nil {
			o.logger.Warn("Node catalog watcher not started", "error", err)
			o.nodesWatch = nil
		}
	}
	return nil
}

// stopComponents stops components[0..upTo] in reverse order, giving each
// the full stop timeout.
func (o *Orchestrator) stopComponents(upTo int) error {
	var errs []error
	for i := upTo; i >= 0; i-- {
		m := o.components[i]
		if err := m.Stop(stopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.name, err))
		} else {
			o.logger.Debug("Component stopped", "component", m.name)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) clearCancel() {
	o.mu.Lock()
	o.cancel = nil
	o.mu.Unlock()
}

// Stop shuts the operator surfaces, then the components in reverse start
// order, then the backing connections. Safe to call repeatedly.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	wasRunning := o.running
	o.running = false
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	var err error
	if wasRunning {
		if o.nodesWatch != nil {
			if werr := o.nodesWatch.Stop(); werr != nil {
				o.logger.Warn("Catalog watcher stop failed", "error", werr)
			}
		}
		if o.ops != nil {
			o.ops.Stop()
		}
		if o.observer != nil {
			o.observer.Stop()
		}
		if o.metrics != nil {
			if merr := o.metrics.Stop(); merr != nil {
				o.logger.Warn("Metrics listener stop failed", "error", merr)
			}
		}
		err = o.stopComponents(len(o.components) - 1)
	}

	if cancel != nil {
		cancel()
	}
	if o.bus != nil {
		o.bus.Close()
	}
	if o.natsClient != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := o.natsClient.Close(closeCtx); cerr != nil {
			o.logger.Warn("NATS client close failed", "error", cerr)
		}
		closeCancel()
		o.natsClient = nil
	}

	if wasRunning {
		o.logger.Info("Orchestrator stopped")
	}
	return err
}

// SubmitTask admits a task into the mesh and returns its derived id. With
// the durable queue connected the submission lands on its priority band
// and the router consumes it from there; without it the task goes straight
// to the router.
func (o *Orchestrator) SubmitTask(ctx context.Context, task *mesh.Task) (string, error) {
	if o.router == nil {
		return "", fmt.Errorf("orchestrator not initialized")
	}
	if task == nil {
		return "", &mesh.ValidationError{Field: "task", Message: "task is required"}
	}

	if o.queue == nil {
		id, err := o.router.SubmitTask(ctx, task)
		if err != nil {
			return "", err
		}
		o.publishCreated(task, id)
		return id, nil
	}

	t := *task
	if err := t.Validate(); err != nil {
		return "", err
	}
	now := o.now()
	if t.ID == "" {
		t.ID = mesh.DeriveTaskID(t.Type, t.Name, now.Unix())
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = now
	}
	sub := &mesh.TaskSubmission{Task: t, Source: "orchestrator", SubmittedAt: now.UnixMilli()}
	if err := o.queue.Enqueue(ctx, sub); err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	o.publishCreated(task, t.ID)
	return t.ID, nil
}

func (o *Orchestrator) publishCreated(task *mesh.Task, id string) {
	o.bus.Publish(mesh.TaskCreatedEvent{
		TaskID:        id,
		Type:          task.Type,
		Name:          task.Name,
		Priority:      task.Priority,
		Deterministic: task.Deterministic,
	})
}

// CancelTask transitions a task to cancelled.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	if o.router == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	return o.router.CancelTask(ctx, taskID)
}

// GetTaskStatus returns one task's status and, once terminal, its result.
func (o *Orchestrator) GetTaskStatus(taskID string) (taskrouter.TaskStatusView, error) {
	if o.router == nil {
		return taskrouter.TaskStatusView{}, fmt.Errorf("orchestrator not initialized")
	}
	return o.router.GetTaskStatus(taskID)
}

// ExecuteWorkflow runs a registered workflow to completion.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, initialContext map[string]any) (*mesh.WorkflowExecution, error) {
	if o.engine == nil {
		return nil, fmt.Errorf("orchestrator not initialized")
	}
	return o.engine.ExecuteWorkflow(ctx, workflowID, initialContext)
}

// Status is the operator-facing snapshot answered by GetStatus and the
// mesh.ops.status endpoint.
type Status struct {
	Running   bool                    `json:"running"`
	UptimeMs  int64                   `json:"uptime_ms"`
	Seed      string                  `json:"seed"`
	Nodes     map[mesh.NodeStatus]int `json:"nodes"`
	Tasks     taskrouter.Stats        `json:"tasks"`
	Fleet     mesh.FleetSummary       `json:"fleet"`
	Protocol  protocol.Stats          `json:"protocol"`
	Workflows []string                `json:"workflows"`
}

// GetStatus snapshots the whole system.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	running := o.running
	startTime := o.startTime
	o.mu.Unlock()

	status := Status{Running: running, Seed: o.seed}
	if running {
		status.UptimeMs = o.now().Sub(startTime).Milliseconds()
	}
	if o.registry != nil {
		status.Nodes = o.registry.CountByStatus()
	}
	if o.router != nil {
		status.Tasks = o.router.GetStats()
	}
	if o.monitor != nil {
		status.Fleet = o.monitor.GetSummary()
	}
	if o.gateway != nil {
		status.Protocol = o.gateway.ProtocolStats()
	}
	if o.engine != nil {
		status.Workflows = o.engine.Workflows()
	}
	return status
}

// CheckStatus grades one health check.
type CheckStatus string

// Health check grades. Warn marks a degraded surface that does not block
// the mesh.
const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
	CheckWarn CheckStatus = "warn"
)

// ComponentCheck is one entry of a health report.
type ComponentCheck struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// HealthReport aggregates the component checks. Healthy is the AND over
// every non-warn check; persistence and observer transport degrade to
// warn, never fail.
type HealthReport struct {
	Healthy bool             `json:"healthy"`
	Checks  []ComponentCheck `json:"checks"`
}

// HealthCheck grades every component plus the backing surfaces.
func (o *Orchestrator) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true}

	o.mu.Lock()
	initialized := o.initialized
	o.mu.Unlock()
	if !initialized {
		report.Healthy = false
		report.Checks = append(report.Checks, ComponentCheck{
			Name:   "orchestrator",
			Status: CheckFail,
			Detail: "not initialized",
		})
		return report
	}

	for _, m := range o.components {
		check := ComponentCheck{Name: m.name, Status: CheckPass}
		if h := m.Health(); !h.Healthy {
			check.Status = CheckFail
			check.Detail = h.Status
			report.Healthy = false
		}
		report.Checks = append(report.Checks, check)
	}

	persistence := ComponentCheck{Name: "persistence", Status: CheckPass}
	switch {
	case o.stores == nil:
		persistence.Status = CheckWarn
		persistence.Detail = "not configured"
	default:
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if _, err := o.stores.Tasks.Stats(probeCtx); err != nil {
			persistence.Status = CheckWarn
			persistence.Detail = err.Error()
		}
		cancel()
	}
	report.Checks = append(report.Checks, persistence)

	transport := ComponentCheck{Name: "observer", Status: CheckPass}
	switch {
	case o.natsClient == nil:
		transport.Status = CheckWarn
		transport.Detail = "not configured"
	case o.natsClient.GetConnection() == nil || !o.natsClient.GetConnection().IsConnected():
		transport.Status = CheckWarn
		transport.Detail = "NATS connection down"
	}
	report.Checks = append(report.Checks, transport)

	return report
}

// publishEvent sends one observer frame over core NATS.
func (o *Orchestrator) publishEvent(subject string, data []byte) error {
	nc := o.natsClient.GetConnection()
	if nc == nil {
		return fmt.Errorf("no NATS connection")
	}
	return nc.Publish(subject, data)
}

// pollGauges snapshots the gauge sources for the metrics listener.
func (o *Orchestrator) pollGauges() gaugeSnapshot {
	stats := o.router.GetStats()
	return gaugeSnapshot{
		queued:      stats.Queued,
		active:      stats.Active,
		nodesOnline: o.registry.CountByStatus()[mesh.NodeOnline],
	}
}

// Step handlers for the predefined workflows.

// allocatePortStep and generateIDStep surface the deterministic parameters
// the engine filled in; downstream steps read them from the execution
// context under the step ids.
func allocatePortStep(_ context.Context, step mesh.WorkflowStep, _ map[string]any) (any, error) {
	return step.Params["port"], nil
}

func generateIDStep(_ context.Context, step mesh.WorkflowStep, _ map[string]any) (any, error) {
	return step.Params["nodeId"], nil
}

// connectStep registers the provisioned identity with the node registry.
// Capabilities ride in on the initial execution context.
func (o *Orchestrator) connectStep(ctx context.Context, _ mesh.WorkflowStep, execCtx map[string]any) (any, error) {
	nodeID, _ := execCtx["generate-id"].(string)
	if nodeID == "" {
		return nil, &mesh.ValidationError{Field: "generate-id", Message: "node id missing from execution context"}
	}
	if err := o.registry.RegisterNode(ctx, nodeID, stringSlice(execCtx["capabilities"])); err != nil {
		return nil, fmt.Errorf("register node %s: %w", nodeID, err)
	}
	return map[string]any{"nodeId": nodeID, "port": execCtx["allocate-port"]}, nil
}

// verifyStep confirms the registered identity is online.
func (o *Orchestrator) verifyStep(_ context.Context, _ mesh.WorkflowStep, execCtx map[string]any) (any, error) {
	nodeID, _ := execCtx["generate-id"].(string)
	node, ok := o.registry.GetNode(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s not registered", nodeID)
	}
	if node.Status != mesh.NodeOnline {
		return nil, fmt.Errorf("node %s is %s, expected %s", nodeID, node.Status, mesh.NodeOnline)
	}
	return map[string]any{"nodeId": nodeID, "status": string(node.Status)}, nil
}

// validateTaskStep checks the task carried in the execution context.
func (o *Orchestrator) validateTaskStep(_ context.Context, _ mesh.WorkflowStep, execCtx map[string]any) (any, error) {
	task, err := taskFromContext(execCtx)
	if err != nil {
		return nil, err
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return map[string]any{"valid": true, "type": task.Type}, nil
}

// executeTaskStep submits the task. Under the retry step this retries
// admission, not execution; execution retries are the router's call.
func (o *Orchestrator) executeTaskStep(ctx context.Context, _ mesh.WorkflowStep, execCtx map[string]any) (any, error) {
	task, err := taskFromContext(execCtx)
	if err != nil {
		return nil, err
	}
	id, err := o.SubmitTask(ctx, task)
	if err != nil {
		return nil, err
	}
	return map[string]any{"taskId": id, "status": string(mesh.TaskQueued)}, nil
}

// reportResultStep logs the workflow outcome and summarizes it for the
// execution record.
func (o *Orchestrator) reportResultStep(_ context.Context, _ mesh.WorkflowStep, execCtx map[string]any) (any, error) {
	summary := map[string]any{
		"validated": execCtx["validate"],
		"route":     execCtx["route"],
		"execution": execCtx["execute"],
	}
	o.logger.Info("Task execution workflow finished", "route", execCtx["route"])
	return summary, nil
}

// taskFromContext extracts the submitted task from the execution context.
// The value may arrive typed (in-process callers) or as decoded JSON (ops
// requests), so unknown shapes take a marshal round-trip.
func taskFromContext(execCtx map[string]any) (*mesh.Task, error) {
	raw, ok := execCtx["task"]
	if !ok {
		return nil, &mesh.ValidationError{Field: "task", Message: "task missing from execution context"}
	}
	switch t := raw.(type) {
	case *mesh.Task:
		return t, nil
	case mesh.Task:
		return &t, nil
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("decode task from context: %w", err)
		}
		var task mesh.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("decode task from context: %w", err)
		}
		return &task, nil
	}
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
