// Package workflowengine provides the processor that registers workflow
// DAGs and executes them deterministically: fixed step order, seeded
// parameter fill, reproducible decision branches, and retry policies with
// exponential backoff.
package workflowengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskmesh/mesh"
)

// ErrUnknownExecution is returned for execution ids the engine has neither
// in memory nor in the execution store.
var ErrUnknownExecution = errors.New("unknown execution")

// StepHandler executes one task-like step. Handlers receive the execution
// context accumulated so far (initial context plus prior step results keyed
// by step id) and must treat it as read-only: parallel sub-steps share it.
type StepHandler func(ctx context.Context, step mesh.WorkflowStep, execCtx map[string]any) (any, error)

// ExecutionSink persists execution snapshots. The JetStream execution store
// implements it; the engine works without one, keeping history in memory
// only.
type ExecutionSink interface {
	Save(ctx context.Context, exec *mesh.WorkflowExecution) error
	Get(ctx context.Context, id string) (*mesh.WorkflowExecution, error)
}

// registeredWorkflow pairs a workflow definition with its precomputed
// execution order.
type registeredWorkflow struct {
	workflow mesh.Workflow
	order    []string
	steps    map[string]mesh.WorkflowStep
}

// ValidationReport summarizes the checks for one registered workflow.
type ValidationReport struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// Component implements the workflow engine processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger

	sink ExecutionSink

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	wfMu      sync.RWMutex
	workflows map[string]*registeredWorkflow
	handlers  map[string]StepHandler

	execMu     sync.RWMutex
	executions map[string]*mesh.WorkflowExecution
	finished   []string

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex

	// Metrics
	executionsRun    atomic.Int64
	executionsFailed atomic.Int64
	stepsExecuted    atomic.Int64
	retriesRun       atomic.Int64
	lastRunMu        sync.RWMutex
	lastRun          time.Time
}

// New creates a workflow engine. sink may be nil; snapshots then stay in
// memory only.
func New(config Config, sink ExecutionSink, logger *slog.Logger) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:       "workflow-engine",
		config:     config,
		logger:     logger,
		sink:       sink,
		now:        time.Now,
		sleep:      sleepContext,
		workflows:  make(map[string]*registeredWorkflow),
		handlers:   make(map[string]StepHandler),
		executions: make(map[string]*mesh.WorkflowExecution),
	}, nil
}

// NewComponent adapts New to the component factory signature. Factory-built
// engines serve schema discovery; the integrator wires live engines through
// New with the persisted seed and execution store.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.ExecutionHistory == 0 {
		config.ExecutionHistory = defaults.ExecutionHistory
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	return New(config, nil, deps.GetLogger())
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized workflow-engine",
		"execution_history", c.config.ExecutionHistory,
		"seeded", c.config.Seed != "")
	return nil
}

// RegisterWorkflow validates the workflow, computes its deterministic step
// order, and stores it for execution. Registering an existing id replaces
// the prior definition. A workflow without its own seed inherits the
// engine's configured seed.
func (c *Component) RegisterWorkflow(wf mesh.Workflow) error {
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("validate workflow: %w", err)
	}
	if wf.Seed == "" {
		wf.Seed = c.config.Seed
	}
	if wf.Seed == "" {
		return &mesh.ValidationError{Field: "seed", Message: "workflow seed is required"}
	}

	g, err := newStepGraph(wf.Steps)
	if err != nil {
		return err
	}
	order, err := g.order()
	if err != nil {
		return err
	}

	c.wfMu.Lock()
	_, replaced := c.workflows[wf.ID]
	c.workflows[wf.ID] = &registeredWorkflow{workflow: wf, order: order, steps: g.steps}
	c.wfMu.Unlock()

	c.logger.Info("Workflow registered",
		"workflow_id", wf.ID,
		"steps", len(wf.Steps),
		"replaced", replaced)
	return nil
}

// RegisterStepHandler binds an action name to its handler. Task and retry
// steps look handlers up by their action at execution time.
func (c *Component) RegisterStepHandler(action string, handler StepHandler) error {
	if action == "" {
		return &mesh.ValidationError{Field: "action", Message: "action name is required"}
	}
	if handler == nil {
		return &mesh.ValidationError{Field: "handler", Message: "handler is required"}
	}

	c.wfMu.Lock()
	c.handlers[action] = handler
	c.wfMu.Unlock()
	return nil
}

// Workflows returns the registered workflow ids, sorted.
func (c *Component) Workflows() []string {
	c.wfMu.RLock()
	defer c.wfMu.RUnlock()

	out := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ValidateWorkflow re-checks a registered workflow: structure, dependency
// edges, cycles, and whether every task-like action has a handler.
func (c *Component) ValidateWorkflow(workflowID string) (ValidationReport, error) {
	c.wfMu.RLock()
	reg, ok := c.workflows[workflowID]
	handlers := make(map[string]bool, len(c.handlers))
	for action := range c.handlers {
		handlers[action] = true
	}
	c.wfMu.RUnlock()

	if !ok {
		return ValidationReport{}, mesh.Errorf(mesh.KindUnknownWorkflow, "workflow.validate",
			"workflow %s is not registered", workflowID)
	}

	var issues []string
	if err := reg.workflow.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	if g, err := newStepGraph(reg.workflow.Steps); err != nil {
		issues = append(issues, err.Error())
	} else if _, err := g.order(); err != nil {
		issues = append(issues, err.Error())
	}
	for _, id := range reg.order {
		step := reg.steps[id]
		if step.Type != mesh.StepTask && step.Type != mesh.StepRetry {
			continue
		}
		if !handlers[step.Action] {
			issues = append(issues, "no handler registered for action "+step.Action+" (step "+step.ID+")")
		}
	}

	return ValidationReport{Valid: len(issues) == 0, Issues: issues}, nil
}

// ExecuteWorkflow runs a registered workflow to completion and returns the
// finished execution. The execution id is reproducible from the workflow
// id, the initial context, and the submission epoch. A failed execution is
// returned alongside its error so callers can inspect partial results.
func (c *Component) ExecuteWorkflow(ctx context.Context, workflowID string, initialContext map[string]any) (*mesh.WorkflowExecution, error) {
	c.wfMu.RLock()
	reg, ok := c.workflows[workflowID]
	c.wfMu.RUnlock()
	if !ok {
		return nil, mesh.Errorf(mesh.KindUnknownWorkflow, "workflow.execute",
			"workflow %s is not registered", workflowID)
	}

	execID, err := mesh.DeriveExecutionID(workflowID, initialContext, c.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("derive execution id: %w", err)
	}

	exec := &mesh.WorkflowExecution{
		ID:         execID,
		WorkflowID: workflowID,
		Seed:       reg.workflow.Seed,
		Status:     mesh.ExecutionPending,
		Results:    make(map[string]any),
	}
	execCtx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		execCtx[k] = v
	}

	c.storeSnapshot(exec)
	c.executionsRun.Add(1)
	c.updateLastRun()

	exec.Status = mesh.ExecutionRunning
	exec.StartedAt = c.now()
	c.storeSnapshot(exec)

	c.logger.Info("Workflow execution started",
		"workflow_id", workflowID,
		"execution_id", execID,
		"steps", len(reg.order))

	failErr := c.runSteps(ctx, reg, exec, execCtx)
	c.finishExecution(ctx, exec, failErr)

	if failErr != nil {
		return exec, failErr
	}
	return exec, nil
}

// runSteps walks the precomputed order, enforcing dependency completion
// before each step. The first fatal error stops the walk.
func (c *Component) runSteps(ctx context.Context, reg *registeredWorkflow, exec *mesh.WorkflowExecution, execCtx map[string]any) error {
	for _, stepID := range reg.order {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := reg.steps[stepID]
		for _, dep := range step.DependsOn {
			if !exec.StepCompleted(dep) {
				return mesh.Errorf(mesh.KindUnmetDependency, "workflow.execute",
					"step %s requires %s which has not completed", step.ID, dep)
			}
		}

		step = fillParams(reg.workflow.Seed, step)
		result, retries, err := c.runStep(ctx, reg.workflow.Seed, step, execCtx)
		if step.Retry != nil {
			exec.Results[step.ID+"_attempts"] = retries
		}
		if err != nil {
			exec.FailedSteps = append(exec.FailedSteps, step.ID)
			c.storeSnapshot(exec)
			c.logger.Warn("Workflow step failed",
				"execution_id", exec.ID,
				"step_id", step.ID,
				"retries", retries,
				"error", err)
			return fmt.Errorf("step %s: %w", step.ID, err)
		}

		exec.Results[step.ID] = result
		exec.CompletedSteps = append(exec.CompletedSteps, step.ID)
		execCtx[step.ID] = result
		c.stepsExecuted.Add(1)
		c.storeSnapshot(exec)
	}
	return nil
}

// runStep executes one step under its retry policy and reports how many
// re-executions ran beyond the first try (the step's retry counter: a step
// that fails twice then succeeds reports 2). The wait before re-execution
// n (1-based) is
// initialDelayMs * backoffMultiplier^(n-1). Exhausting the policy wraps the
// terminal error as RetryExhausted.
func (c *Component) runStep(ctx context.Context, seed string, step mesh.WorkflowStep, execCtx map[string]any) (any, int, error) {
	maxAttempts := 1
	if step.Retry != nil {
		maxAttempts = step.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(step.Retry.InitialDelayMs)*
				math.Pow(step.Retry.BackoffMultiplier, float64(attempt-1))) * time.Millisecond
			c.retriesRun.Add(1)
			c.logger.Debug("Retrying workflow step",
				"step_id", step.ID,
				"attempt", attempt+1,
				"wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, attempt - 1, err
			}
		}

		result, err := c.executeOnce(ctx, seed, step, execCtx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
	}

	if step.Retry != nil {
		return nil, maxAttempts - 1, mesh.NewError(mesh.KindRetryExhausted, "workflow.step", lastErr)
	}
	return nil, 0, lastErr
}

// executeOnce dispatches a single attempt by step type under the step's
// timeout. A deadline raised by the step's own timeout is classified as
// StepTimeout; parent cancellation passes through untouched.
func (c *Component) executeOnce(parent context.Context, seed string, step mesh.WorkflowStep, execCtx map[string]any) (any, error) {
	ctx := parent
	if step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var result any
	var err error
	switch step.Type {
	case mesh.StepTask, mesh.StepRetry:
		result, err = c.invokeAction(ctx, step, execCtx)
	case mesh.StepDecision:
		result, err = decide(step.ID, execCtx)
	case mesh.StepParallel:
		result, err = c.runSubSteps(ctx, seed, step, execCtx, true)
	case mesh.StepSequence:
		result, err = c.runSubSteps(ctx, seed, step, execCtx, false)
	default:
		err = fmt.Errorf("unknown step type %s", step.Type)
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return nil, mesh.Errorf(mesh.KindStepTimeout, "workflow.step",
			"step %s timed out after %dms", step.ID, step.TimeoutMs)
	}
	return result, err
}

// invokeAction runs the registered handler for the step's action. The
// handler runs in its own goroutine so a handler that ignores its context
// still cannot outlive the step deadline.
func (c *Component) invokeAction(ctx context.Context, step mesh.WorkflowStep, execCtx map[string]any) (any, error) {
	c.wfMu.RLock()
	handler, ok := c.handlers[step.Action]
	c.wfMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for action %q", step.Action)
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(ctx, step, execCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runSubSteps executes the nested steps of a parallel or sequence step.
// Results aggregate in the input order regardless of completion order; the
// first sub-step error fails the whole step.
func (c *Component) runSubSteps(ctx context.Context, seed string, step mesh.WorkflowStep, execCtx map[string]any, concurrent bool) (any, error) {
	subs, err := subSteps(step)
	if err != nil {
		return nil, err
	}

	results := make([]any, len(subs))
	if !concurrent {
		for i, sub := range subs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sub = fillParams(seed, sub)
			result, _, err := c.runStep(ctx, seed, sub, execCtx)
			if err != nil {
				return nil, fmt.Errorf("sub-step %s: %w", sub.ID, err)
			}
			results[i] = result
		}
		return results, nil
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub mesh.WorkflowStep) {
			defer wg.Done()
			sub = fillParams(seed, sub)
			result, _, err := c.runStep(ctx, seed, sub, execCtx)
			if err != nil {
				errs[i] = fmt.Errorf("sub-step %s: %w", sub.ID, err)
				return
			}
			results[i] = result
		}(i, sub)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// finishExecution closes out the execution, snapshots it, and persists the
// snapshot when a sink is wired.
func (c *Component) finishExecution(ctx context.Context, exec *mesh.WorkflowExecution, failErr error) {
	if failErr != nil {
		exec.Status = mesh.ExecutionFailed
		exec.Error = failErr.Error()
		c.executionsFailed.Add(1)
	} else {
		exec.Status = mesh.ExecutionCompleted
	}
	exec.FinishedAt = c.now()
	c.storeSnapshot(exec)
	c.retireOldest(exec.ID)

	c.logger.Info("Workflow execution finished",
		"workflow_id", exec.WorkflowID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"completed_steps", len(exec.CompletedSteps))

	if c.sink == nil {
		return
	}
	if err := c.sink.Save(ctx, exec.Clone()); err != nil {
		c.logger.Warn("Failed to persist execution snapshot",
			"execution_id", exec.ID,
			"error", err)
	}
}

// GetExecution returns a snapshot of a known execution; running executions
// reflect progress up to their last completed step. Ids absent from memory
// fall back to the execution store when one is wired.
func (c *Component) GetExecution(ctx context.Context, executionID string) (*mesh.WorkflowExecution, error) {
	c.execMu.RLock()
	snap, ok := c.executions[executionID]
	c.execMu.RUnlock()
	if ok {
		return snap.Clone(), nil
	}

	if c.sink != nil {
		exec, err := c.sink.Get(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("load execution %s: %w", executionID, err)
		}
		return exec, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
}

// storeSnapshot publishes the execution's current state for GetExecution
// readers.
func (c *Component) storeSnapshot(exec *mesh.WorkflowExecution) {
	c.execMu.Lock()
	c.executions[exec.ID] = exec.Clone()
	c.execMu.Unlock()
}

// retireOldest records a finished execution and evicts the oldest finished
// ones beyond the configured history. Running executions are never evicted.
func (c *Component) retireOldest(executionID string) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.finished = append(c.finished, executionID)
	for len(c.finished) > c.config.ExecutionHistory {
		oldest := c.finished[0]
		c.finished = c.finished[1:]
		delete(c.executions, oldest)
	}
}

// sleepContext waits for d unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start marks the engine running. Execution is caller-driven; the engine
// has no background loops.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = time.Now()

	c.logger.Info("workflow-engine started",
		"workflows", len(c.Workflows()),
		"execution_history", c.config.ExecutionHistory)
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	c.logger.Info("workflow-engine stopped",
		"executions_run", c.executionsRun.Load(),
		"executions_failed", c.executionsFailed.Load(),
		"steps_executed", c.stepsExecuted.Load(),
		"retries_run", c.retriesRun.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "workflow-engine",
		Type:        "processor",
		Description: "Executes workflow DAGs deterministically with seeded parameters and retry policies",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return engineSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.executionsFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastRun(),
	}
}

func (c *Component) updateLastRun() {
	c.lastRunMu.Lock()
	c.lastRun = time.Now()
	c.lastRunMu.Unlock()
}

func (c *Component) getLastRun() time.Time {
	c.lastRunMu.RLock()
	defer c.lastRunMu.RUnlock()
	return c.lastRun
}
