// Package taskrouter provides the processor that turns submitted tasks into
// worker assignments: priority queueing, load- and latency-aware scoring,
// deterministic selection and failover, per-task timeout enforcement, and
// requeueing when a worker drops offline.
package taskrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskmesh/broker"
	"github.com/c360studio/taskmesh/mesh"
	"github.com/c360studio/taskmesh/protocol"
	"github.com/c360studio/taskmesh/storage"
)

// Router lookup errors.
var (
	ErrUnknownTask  = errors.New("unknown task")
	ErrTaskFinished = errors.New("task already finished")
)

// NodeDirectory is the registry view the router routes against. The node
// registry implements it.
type NodeDirectory interface {
	GetNode(nodeID string) (*mesh.Node, bool)
	GetAllNodes() []*mesh.Node
	AddLoad(nodeID string, delta int) (int, error)
}

// PerformanceSource supplies the trend and error-rate signals folded into
// routing scores. The performance monitor implements it.
type PerformanceSource interface {
	CalculateTrend(nodeID string, field mesh.MetricField) mesh.Trend
	LatestSample(nodeID string) (mesh.Sample, bool)
}

// AssignSender delivers assignment and revocation messages to workers. The
// worker gateway implements it over the wire protocol.
type AssignSender interface {
	SendTaskAssign(ctx context.Context, nodeID string, payload protocol.TaskAssignPayload, priority int, ttl time.Duration) error
	SendTaskReject(ctx context.Context, nodeID string, payload protocol.TaskRejectPayload) error
}

// taskEntry is one submitted, not-yet-finished task. seq preserves FIFO
// order inside a priority band; a requeued task keeps its original seq.
type taskEntry struct {
	task *mesh.Task
	seq  int64
}

// finishedTask is the terminal record kept for status queries.
type finishedTask struct {
	status mesh.TaskStatus
	result *mesh.TaskResult
}

// TaskStatusView is the queryable state of one task.
type TaskStatusView struct {
	TaskID string           `json:"task_id"`
	Status mesh.TaskStatus  `json:"status"`
	Result *mesh.TaskResult `json:"result,omitempty"`
}

// Stats is the router's counter snapshot.
type Stats struct {
	Submitted          int64          `json:"submitted"`
	Queued             int            `json:"queued"`
	Active             int            `json:"active"`
	Completed          int64          `json:"completed"`
	Failed             int64          `json:"failed"`
	Cancelled          int64          `json:"cancelled"`
	Requeued           int64          `json:"requeued"`
	BackpressureEvents int64          `json:"backpressure_events"`
	ActiveByNode       map[string]int `json:"active_by_node,omitempty"`
}

// Component implements the task router processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger
	bus    *mesh.Bus

	directory NodeDirectory
	perf      PerformanceSource
	sender    AssignSender
	store     storage.TaskStore
	queue     broker.Broker

	now func() time.Time

	tasksMu       sync.RWMutex
	submitted     map[string]*taskEntry
	active        map[string]*mesh.Assignment
	byNode        map[string]map[string]bool
	timers        map[string]*time.Timer
	finished      map[string]*finishedTask
	finishedOrder []string
	seq           int64

	wake chan struct{}

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	submittedCount     atomic.Int64
	completedCount     atomic.Int64
	failedCount        atomic.Int64
	cancelledCount     atomic.Int64
	requeuedCount      atomic.Int64
	backpressureEvents atomic.Int64
	lastRouteMu        sync.RWMutex
	lastRoute          time.Time
}

// New creates a task router that routes against the given node directory
// and publishes task events to the bus.
func New(config Config, directory NodeDirectory, bus *mesh.Bus, logger *slog.Logger) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if directory == nil {
		return nil, fmt.Errorf("node directory required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:      "task-router",
		config:    config,
		logger:    logger,
		bus:       bus,
		directory: directory,
		now:       time.Now,
		submitted: make(map[string]*taskEntry),
		active:    make(map[string]*mesh.Assignment),
		byNode:    make(map[string]map[string]bool),
		timers:    make(map[string]*time.Timer),
		finished:  make(map[string]*finishedTask),
		wake:      make(chan struct{}, 1),
	}, nil
}

// NewComponent adapts New to the component factory signature. Factory-built
// routers serve schema discovery; the integrator wires live routers through
// New with the registry and event bus.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.ProcessInterval == 0 {
		config.ProcessInterval = defaults.ProcessInterval
	}
	if config.WakePriority == 0 {
		config.WakePriority = defaults.WakePriority
	}
	if config.MaxConcurrentPerNode == 0 {
		config.MaxConcurrentPerNode = defaults.MaxConcurrentPerNode
	}
	if config.TaskTimeout == 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.ResultHistory == 0 {
		config.ResultHistory = defaults.ResultHistory
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	return New(config, discardDirectory{}, nil, deps.GetLogger())
}

// discardDirectory satisfies NodeDirectory for schema-only instances.
type discardDirectory struct{}

func (discardDirectory) GetNode(string) (*mesh.Node, bool) { return nil, false }
func (discardDirectory) GetAllNodes() []*mesh.Node         { return nil }
func (discardDirectory) AddLoad(string, int) (int, error) {
	return 0, errors.New("no node directory")
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized task-router",
		"process_interval", c.config.ProcessInterval,
		"wake_priority", c.config.WakePriority,
		"max_concurrent_per_node", c.config.MaxConcurrentPerNode)
	return nil
}

// SetPerformanceSource wires monitor signals into scoring. Call before Start.
func (c *Component) SetPerformanceSource(p PerformanceSource) {
	c.perf = p
}

// SetSender wires assignment delivery to the worker gateway. Call before
// Start; without a sender, assignments are recorded but never sent.
func (c *Component) SetSender(s AssignSender) {
	c.sender = s
}

// SetTaskStore wires durable task persistence. Call before Start.
func (c *Component) SetTaskStore(s storage.TaskStore) {
	c.store = s
}

// SetBroker wires the durable submission queue; Start runs a consumer loop
// against it. Call before Start.
func (c *Component) SetBroker(b broker.Broker) {
	c.queue = b
}

// SubmitTask accepts a task for routing and returns its id, deriving one
// from (type, name, submission epoch) when the caller did not. Submission
// is idempotent on id: a task already queued, active, or finished is left
// untouched. A submission at or above the wake priority wakes the routing
// loop immediately.
func (c *Component) SubmitTask(ctx context.Context, task *mesh.Task) (string, error) {
	if task == nil {
		return "", &mesh.ValidationError{Field: "task", Message: "task is required"}
	}
	if err := task.Validate(); err != nil {
		return "", err
	}

	t := *task
	if t.ID == "" {
		t.ID = mesh.DeriveTaskID(t.Type, t.Name, c.now().Unix())
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = c.now()
	}
	t.Status = mesh.TaskQueued
	t.Payload = append(json.RawMessage(nil), task.Payload...)
	t.RequiredTools = append([]string(nil), task.RequiredTools...)

	c.tasksMu.Lock()
	if _, known := c.submitted[t.ID]; known {
		c.tasksMu.Unlock()
		return t.ID, nil
	}
	if _, done := c.finished[t.ID]; done {
		c.tasksMu.Unlock()
		return t.ID, nil
	}
	c.seq++
	c.submitted[t.ID] = &taskEntry{task: &t, seq: c.seq}
	depth := c.queueDepthLocked()
	c.tasksMu.Unlock()

	c.submittedCount.Add(1)

	if c.store != nil {
		if err := c.store.Save(ctx, &t); err != nil {
			c.logger.Warn("Failed to persist task", "task_id", t.ID, "error", err)
		}
	}

	c.logger.Info("Task submitted",
		"task_id", t.ID,
		"type", t.Type,
		"priority", t.Priority,
		"queue_depth", depth)

	c.publish(mesh.TaskQueuedEvent{TaskID: t.ID, Priority: t.Priority})
	c.maybeWake(t.Priority)
	return t.ID, nil
}

// CancelTask transitions a task to cancelled. A queued task just leaves the
// queue; an active one also gets a best-effort revocation notice to its
// worker, and any result the worker still reports is discarded.
func (c *Component) CancelTask(ctx context.Context, taskID string) error {
	c.tasksMu.Lock()
	if _, done := c.finished[taskID]; done {
		c.tasksMu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
	}
	entry, ok := c.submitted[taskID]
	if !ok {
		c.tasksMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	assignment := c.active[taskID]
	if assignment != nil {
		c.clearAssignmentLocked(taskID, assignment.NodeID)
	}
	delete(c.submitted, taskID)
	result := &mesh.TaskResult{TaskID: taskID, Success: false, Error: "cancelled"}
	if assignment != nil {
		result.NodeID = assignment.NodeID
	}
	c.recordFinishedLocked(taskID, mesh.TaskCancelled, result)
	priority := entry.task.Priority
	c.tasksMu.Unlock()

	c.cancelledCount.Add(1)

	if assignment != nil {
		c.releaseLoad(assignment.NodeID)
		if c.sender != nil {
			reject := protocol.TaskRejectPayload{
				TaskID: taskID,
				NodeID: assignment.NodeID,
				Reason: "cancelled",
			}
			go func(nodeID string) {
				if err := c.sender.SendTaskReject(ctx, nodeID, reject); err != nil {
					c.logger.Debug("Cancel notice not delivered",
						"task_id", taskID,
						"node_id", nodeID,
						"error", err)
				}
			}(assignment.NodeID)
		}
	}

	if c.store != nil {
		if err := c.store.UpdateStatus(ctx, taskID, mesh.TaskCancelled); err != nil {
			c.logger.Warn("Failed to record cancellation", "task_id", taskID, "error", err)
		}
	}

	c.logger.Info("Task cancelled",
		"task_id", taskID,
		"priority", priority,
		"was_active", assignment != nil)
	c.publish(mesh.TaskCancelledEvent{TaskID: taskID})
	return nil
}

// GetTaskStatus returns the task's current status and, once terminal, its
// result.
func (c *Component) GetTaskStatus(taskID string) (TaskStatusView, error) {
	c.tasksMu.RLock()
	defer c.tasksMu.RUnlock()

	if entry, ok := c.submitted[taskID]; ok {
		return TaskStatusView{TaskID: taskID, Status: entry.task.Status}, nil
	}
	if fin, ok := c.finished[taskID]; ok {
		return TaskStatusView{TaskID: taskID, Status: fin.status, Result: fin.result}, nil
	}
	return TaskStatusView{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
}

// GetStats returns the router's counters and per-node active assignment
// counts.
func (c *Component) GetStats() Stats {
	c.tasksMu.RLock()
	queued := c.queueDepthLocked()
	active := len(c.active)
	byNode := make(map[string]int, len(c.byNode))
	for nodeID, tasks := range c.byNode {
		if len(tasks) > 0 {
			byNode[nodeID] = len(tasks)
		}
	}
	c.tasksMu.RUnlock()

	return Stats{
		Submitted:          c.submittedCount.Load(),
		Queued:             queued,
		Active:             active,
		Completed:          c.completedCount.Load(),
		Failed:             c.failedCount.Load(),
		Cancelled:          c.cancelledCount.Load(),
		Requeued:           c.requeuedCount.Load(),
		BackpressureEvents: c.backpressureEvents.Load(),
		ActiveByNode:       byNode,
	}
}

// processLoop drives routing: one pass per tick, plus immediate passes when
// a high-priority submission wakes it.
func (c *Component) processLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
		c.processPending(ctx)
	}
}

// processPending routes queued tasks in descending priority, FIFO within a
// band. The first task with no admissible worker stops the pass; lower
// priority tasks never jump a starved higher-priority one.
func (c *Component) processPending(ctx context.Context) {
	c.updateLastRoute()

	for _, task := range c.pendingTasks() {
		if ctx.Err() != nil {
			return
		}
		decision, err := c.route(task, nil)
		if err != nil {
			if mesh.IsKind(err, mesh.KindNoCandidateWorker) {
				c.reportBackpressure(task)
				return
			}
			c.logger.Warn("Routing failed", "task_id", task.ID, "error", err)
			continue
		}
		c.assign(ctx, task.ID, decision)
	}
}

// pendingTasks snapshots the queued tasks in routing order.
func (c *Component) pendingTasks() []*mesh.Task {
	c.tasksMu.RLock()
	entries := make([]*taskEntry, 0, len(c.submitted))
	for _, e := range c.submitted {
		if e.task.Status == mesh.TaskQueued {
			entries = append(entries, e)
		}
	}
	c.tasksMu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].task.Priority != entries[j].task.Priority {
			return entries[i].task.Priority > entries[j].task.Priority
		}
		return entries[i].seq < entries[j].seq
	})

	tasks := make([]*mesh.Task, len(entries))
	for i, e := range entries {
		tasks[i] = e.task
	}
	return tasks
}

// assign commits a routing decision: the task moves from queue to active,
// the worker's load and the timeout timer are armed, and the TASK_ASSIGN
// goes out asynchronously so a slow worker cannot stall the routing pass.
func (c *Component) assign(ctx context.Context, taskID string, decision mesh.RoutingDecision) {
	now := c.now()

	c.tasksMu.Lock()
	entry, ok := c.submitted[taskID]
	if !ok || entry.task.Status != mesh.TaskQueued {
		c.tasksMu.Unlock()
		return
	}
	entry.task.Status = mesh.TaskActive
	assignment := &mesh.Assignment{
		TaskID:    taskID,
		NodeID:    decision.NodeID,
		StartedAt: now,
		Decision:  decision,
	}
	c.active[taskID] = assignment
	c.trackAssignmentLocked(decision.NodeID, taskID)
	task := *entry.task

	timeout := c.taskTimeout(&task)
	c.timers[taskID] = time.AfterFunc(timeout, func() {
		c.HandleTaskFail(context.Background(), decision.NodeID, taskID, "Task timeout")
	})
	c.tasksMu.Unlock()

	if _, err := c.directory.AddLoad(decision.NodeID, 1); err != nil {
		c.logger.Warn("Load increment failed", "node_id", decision.NodeID, "error", err)
	}
	if c.store != nil {
		if err := c.store.MarkStarted(ctx, taskID, decision.NodeID); err != nil {
			c.logger.Warn("Failed to record task start", "task_id", taskID, "error", err)
		}
	}

	c.logger.Info("Task assigned",
		"task_id", taskID,
		"node_id", decision.NodeID,
		"reason", decision.Reason,
		"score", decision.Score,
		"timeout", timeout)

	c.publish(mesh.TaskAssignedEvent{TaskID: taskID, NodeID: decision.NodeID, Decision: decision})
	c.publish(mesh.TaskStartedEvent{TaskID: taskID, NodeID: decision.NodeID})

	if c.sender != nil {
		go c.deliver(ctx, task, decision, timeout)
	}
}

// deliver sends the TASK_ASSIGN and converts a delivery failure into a
// normal task failure, which gives deterministic tasks their failover.
func (c *Component) deliver(ctx context.Context, task mesh.Task, decision mesh.RoutingDecision, ttl time.Duration) {
	payload := protocol.TaskAssignPayload{Task: task, Decision: decision}
	if err := c.sender.SendTaskAssign(ctx, decision.NodeID, payload, task.Priority, ttl); err != nil {
		c.logger.Warn("Assignment delivery failed",
			"task_id", task.ID,
			"node_id", decision.NodeID,
			"error", err)
		c.HandleTaskFail(ctx, decision.NodeID, task.ID, "assignment delivery failed: "+err.Error())
	}
}

// HandleTaskComplete records a worker's success report. Reports without a
// matching live assignment (duplicates, post-cancel stragglers, late
// arrivals after a timeout) are dropped.
func (c *Component) HandleTaskComplete(ctx context.Context, nodeID, taskID string, result json.RawMessage) {
	c.tasksMu.Lock()
	assignment, ok := c.active[taskID]
	if !ok || assignment.NodeID != nodeID {
		c.tasksMu.Unlock()
		c.logger.Debug("Dropping completion without matching assignment",
			"task_id", taskID, "node_id", nodeID)
		return
	}
	c.clearAssignmentLocked(taskID, nodeID)
	delete(c.submitted, taskID)
	duration := c.now().Sub(assignment.StartedAt).Milliseconds()
	res := &mesh.TaskResult{
		TaskID:     taskID,
		NodeID:     nodeID,
		Success:    true,
		Result:     append(json.RawMessage(nil), result...),
		DurationMs: duration,
	}
	c.recordFinishedLocked(taskID, mesh.TaskCompleted, res)
	c.tasksMu.Unlock()

	c.releaseLoad(nodeID)
	c.completedCount.Add(1)

	if c.store != nil {
		if err := c.store.MarkCompleted(ctx, taskID, result); err != nil {
			c.logger.Warn("Failed to record completion", "task_id", taskID, "error", err)
		}
	}

	c.logger.Info("Task completed",
		"task_id", taskID,
		"node_id", nodeID,
		"duration_ms", duration)
	c.publish(mesh.TaskCompletedEvent{
		TaskID:     taskID,
		NodeID:     nodeID,
		DurationMs: duration,
		Result:     res.Result,
	})
}

// HandleTaskFail records a worker's failure report or a timeout firing. A
// deterministic task reroutes away from the failed worker when an
// alternative exists; everything else is final at this layer.
func (c *Component) HandleTaskFail(ctx context.Context, nodeID, taskID, reason string) {
	c.tasksMu.Lock()
	assignment, ok := c.active[taskID]
	if !ok || assignment.NodeID != nodeID {
		c.tasksMu.Unlock()
		return
	}
	c.clearAssignmentLocked(taskID, nodeID)
	entry := c.submitted[taskID]
	var task mesh.Task
	if entry != nil {
		task = *entry.task
	}
	c.tasksMu.Unlock()

	c.releaseLoad(nodeID)

	if entry != nil && task.Deterministic && c.failover(ctx, entry, &task, nodeID, reason) {
		return
	}
	c.finalizeFailure(ctx, taskID, nodeID, reason, assignment.StartedAt)
}

// failover reroutes a deterministic task, excluding the worker that just
// failed it. The alternative becomes the task's pinned target and the task
// goes back to the queue; the targeted override still enforces the load
// cap, so an overloaded alternative falls through to fresh candidates on
// the next pass. Returns false when no alternative exists.
func (c *Component) failover(ctx context.Context, entry *taskEntry, task *mesh.Task, failedNode, reason string) bool {
	decision, err := c.route(task, map[string]bool{failedNode: true})
	if err != nil {
		return false
	}

	c.tasksMu.Lock()
	if _, still := c.submitted[task.ID]; !still {
		c.tasksMu.Unlock()
		return false
	}
	entry.task.Status = mesh.TaskQueued
	entry.task.TargetNode = decision.NodeID
	c.tasksMu.Unlock()

	c.requeuedCount.Add(1)

	if c.store != nil {
		if err := c.store.UpdateStatus(ctx, task.ID, mesh.TaskQueued); err != nil {
			c.logger.Warn("Failed to record requeue", "task_id", task.ID, "error", err)
		}
	}

	c.logger.Info("Task failing over",
		"task_id", task.ID,
		"from_node", failedNode,
		"to_node", decision.NodeID,
		"reason", reason)
	c.publish(mesh.TaskRetryingEvent{TaskID: task.ID, FromNode: failedNode, ToNode: decision.NodeID})
	c.maybeWake(task.Priority)
	return true
}

// finalizeFailure records a terminal failure.
func (c *Component) finalizeFailure(ctx context.Context, taskID, nodeID, reason string, startedAt time.Time) {
	duration := c.now().Sub(startedAt).Milliseconds()

	c.tasksMu.Lock()
	delete(c.submitted, taskID)
	c.recordFinishedLocked(taskID, mesh.TaskFailed, &mesh.TaskResult{
		TaskID:     taskID,
		NodeID:     nodeID,
		Success:    false,
		Error:      reason,
		DurationMs: duration,
	})
	c.tasksMu.Unlock()

	c.failedCount.Add(1)

	if c.store != nil {
		if err := c.store.MarkFailed(ctx, taskID, reason); err != nil {
			c.logger.Warn("Failed to record failure", "task_id", taskID, "error", err)
		}
	}

	c.logger.Warn("Task failed",
		"task_id", taskID,
		"node_id", nodeID,
		"reason", reason)
	c.publish(mesh.TaskFailedEvent{TaskID: taskID, NodeID: nodeID, Error: reason, Final: true})
}

// HandleTaskProgress relays a worker's progress report for a live
// assignment.
func (c *Component) HandleTaskProgress(ctx context.Context, nodeID, taskID string, progress float64, message string) {
	c.tasksMu.RLock()
	assignment, ok := c.active[taskID]
	valid := ok && assignment.NodeID == nodeID
	c.tasksMu.RUnlock()
	if !valid {
		return
	}

	if c.store != nil {
		if err := c.store.UpdateProgress(ctx, taskID, progress); err != nil {
			c.logger.Warn("Failed to record progress", "task_id", taskID, "error", err)
		}
	}
	c.publish(mesh.TaskProgressEvent{
		TaskID:   taskID,
		NodeID:   nodeID,
		Progress: progress,
		Message:  message,
	})
}

// handleNodeOffline requeues every assignment the offline worker held. The
// tasks keep their original priority and submission order; their pinned
// targets stay put because the targeted override skips non-online nodes
// anyway.
func (c *Component) handleNodeOffline(ctx context.Context, nodeID string) {
	c.tasksMu.Lock()
	ids := make([]string, 0, len(c.byNode[nodeID]))
	for id := range c.byNode[nodeID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	maxPriority := -1
	for _, id := range ids {
		c.clearAssignmentLocked(id, nodeID)
		if entry, ok := c.submitted[id]; ok {
			entry.task.Status = mesh.TaskQueued
			if entry.task.Priority > maxPriority {
				maxPriority = entry.task.Priority
			}
		}
	}
	c.tasksMu.Unlock()

	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		c.releaseLoad(nodeID)
		if c.store != nil {
			if err := c.store.UpdateStatus(ctx, id, mesh.TaskQueued); err != nil {
				c.logger.Warn("Failed to record requeue", "task_id", id, "error", err)
			}
		}
	}
	c.requeuedCount.Add(int64(len(ids)))

	c.logger.Warn("Worker offline, requeueing its tasks",
		"node_id", nodeID,
		"requeued_tasks", len(ids))
	c.publish(mesh.RouterNodeOfflineEvent{NodeID: nodeID, RequeuedTasks: len(ids)})
	c.maybeWake(maxPriority)
}

// watchNodes consumes node:offline events from the bus.
func (c *Component) watchNodes(ctx context.Context, sub *mesh.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if offline, ok := e.(mesh.NodeOfflineEvent); ok {
				c.handleNodeOffline(ctx, offline.NodeID)
			}
		}
	}
}

// acceptSubmission is the broker delivery handler. A nil return acks the
// delivery, so duplicates of an already-routed or already-finished task ack
// straight through; a validation failure nacks onto the redelivery
// schedule.
func (c *Component) acceptSubmission(ctx context.Context, sub *mesh.TaskSubmission) error {
	if sub == nil {
		return nil
	}
	task := sub.Task
	if _, err := c.SubmitTask(ctx, &task); err != nil {
		return fmt.Errorf("accept submission %s: %w", sub.Task.ID, err)
	}
	return nil
}

// reportBackpressure emits the no-admissible-worker signal for a task that
// stopped the routing pass.
func (c *Component) reportBackpressure(task *mesh.Task) {
	c.tasksMu.RLock()
	depth := c.queueDepthLocked()
	c.tasksMu.RUnlock()

	c.backpressureEvents.Add(1)
	c.logger.Warn("Routing backpressure",
		"task_id", task.ID,
		"priority", task.Priority,
		"queue_depth", depth)
	c.publish(mesh.RoutingBackpressureEvent{
		TaskID:     task.ID,
		Reason:     "no admissible worker",
		QueueDepth: depth,
	})
}

// snapshotLoads copies the per-node active assignment counts the router
// holds. Only the routing loop grows these counts, so a snapshot taken at
// the start of a pass can only overstate load by the time it is used.
func (c *Component) snapshotLoads() map[string]int {
	c.tasksMu.RLock()
	defer c.tasksMu.RUnlock()

	loads := make(map[string]int, len(c.byNode))
	for nodeID, tasks := range c.byNode {
		loads[nodeID] = len(tasks)
	}
	return loads
}

// queueDepthLocked counts queued tasks. Caller holds tasksMu.
func (c *Component) queueDepthLocked() int {
	depth := 0
	for _, e := range c.submitted {
		if e.task.Status == mesh.TaskQueued {
			depth++
		}
	}
	return depth
}

// trackAssignmentLocked adds the task to the node's active set. Caller
// holds tasksMu.
func (c *Component) trackAssignmentLocked(nodeID, taskID string) {
	set, ok := c.byNode[nodeID]
	if !ok {
		set = make(map[string]bool)
		c.byNode[nodeID] = set
	}
	set[taskID] = true
}

// clearAssignmentLocked removes the active entry, its per-node tracking,
// and its timeout timer. Caller holds tasksMu.
func (c *Component) clearAssignmentLocked(taskID, nodeID string) {
	delete(c.active, taskID)
	if set, ok := c.byNode[nodeID]; ok {
		delete(set, taskID)
		if len(set) == 0 {
			delete(c.byNode, nodeID)
		}
	}
	if timer, ok := c.timers[taskID]; ok {
		timer.Stop()
		delete(c.timers, taskID)
	}
}

// recordFinishedLocked stores a terminal record and retires the oldest
// beyond the history cap. Caller holds tasksMu.
func (c *Component) recordFinishedLocked(taskID string, status mesh.TaskStatus, result *mesh.TaskResult) {
	c.finished[taskID] = &finishedTask{status: status, result: result}
	c.finishedOrder = append(c.finishedOrder, taskID)
	for len(c.finishedOrder) > c.config.ResultHistory {
		oldest := c.finishedOrder[0]
		c.finishedOrder = c.finishedOrder[1:]
		delete(c.finished, oldest)
	}
}

// releaseLoad decrements a worker's registry load; the registry floors at
// zero. A missing node just means it was evicted first.
func (c *Component) releaseLoad(nodeID string) {
	if _, err := c.directory.AddLoad(nodeID, -1); err != nil {
		c.logger.Debug("Load release on unknown node", "node_id", nodeID, "error", err)
	}
}

// taskTimeout resolves a task's execution deadline.
func (c *Component) taskTimeout(task *mesh.Task) time.Duration {
	if task.TimeoutMs > 0 {
		return time.Duration(task.TimeoutMs) * time.Millisecond
	}
	return c.config.TaskTimeout
}

// maybeWake nudges the routing loop for priorities at or above the wake
// threshold. Non-blocking; a pending wake already covers this one.
func (c *Component) maybeWake(priority int) {
	if priority < c.config.WakePriority {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Component) publish(e mesh.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(e)
}

// Start begins the routing loop, the node:offline watcher, and, when a
// broker is wired, the submission consumer.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.bus == nil {
		c.mu.Unlock()
		return fmt.Errorf("event bus required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	sub := c.bus.Subscribe(64, mesh.EventNodeOffline)
	go c.watchNodes(subCtx, sub)
	go c.processLoop(subCtx)

	if c.queue != nil {
		go func() {
			if err := c.queue.Consume(subCtx, c.acceptSubmission); err != nil && subCtx.Err() == nil {
				c.logger.Error("Broker consumer stopped", "error", err)
			}
		}()
	}

	c.logger.Info("task-router started",
		"process_interval", c.config.ProcessInterval,
		"wake_priority", c.config.WakePriority,
		"max_concurrent_per_node", c.config.MaxConcurrentPerNode,
		"broker", c.queue != nil)

	return nil
}

// Stop gracefully stops the component. Outstanding timeout timers are
// stopped; in-flight assignments stay recorded for a later restart to
// reconcile.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.tasksMu.Lock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.tasksMu.Unlock()

	c.running = false
	c.logger.Info("task-router stopped",
		"submitted", c.submittedCount.Load(),
		"completed", c.completedCount.Load(),
		"failed", c.failedCount.Load(),
		"cancelled", c.cancelledCount.Load(),
		"requeued", c.requeuedCount.Load(),
		"backpressure_events", c.backpressureEvents.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "task-router",
		Type:        "processor",
		Description: "Routes submitted tasks to workers by load, latency, and capability",
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
	return routerSchema
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
		ErrorCount: int(c.failedCount.Load()),
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
		LastActivity:      c.getLastRoute(),
	}
}

func (c *Component) updateLastRoute() {
	c.lastRouteMu.Lock()
	c.lastRoute = time.Now()
	c.lastRouteMu.Unlock()
}

func (c *Component) getLastRoute() time.Time {
	c.lastRouteMu.RLock()
	defer c.lastRouteMu.RUnlock()
	return c.lastRoute
}
