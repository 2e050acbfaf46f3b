package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/taskmesh/mesh"
	"github.com/c360studio/taskmesh/protocol"
)

// handshakeTimeout bounds the initial HANDSHAKE round trip. The protocol's
// own retries run inside this window.
const handshakeTimeout = 2 * time.Minute

// Options configure one worker process.
type Options struct {
	// NodeID is the worker's stable identity on the mesh.
	NodeID string

	// Orchestrator is the protocol target the worker addresses. It must
	// match the orchestrator gateway's source identity.
	Orchestrator string

	// Capabilities are the tool tags advertised at handshake. Empty means
	// the built-in action names.
	Capabilities []string

	// MaxConcurrent caps simultaneous task executions.
	MaxConcurrent int

	// HeartbeatInterval is the liveness report cadence.
	HeartbeatInterval time.Duration

	// Version is reported at handshake.
	Version string
}

func (o *Options) applyDefaults() {
	if o.Orchestrator == "" {
		o.Orchestrator = "orchestrator"
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
}

// sampler reads host utilization for heartbeats. The gopsutil-backed
// implementation lives in metrics.go; tests substitute a constant one.
type sampler func(ctx context.Context) (cpu, memory float64)

// runningTask tracks one in-flight assignment so a revocation can cancel
// it and late results can be discarded.
type runningTask struct {
	cancel  context.CancelFunc
	revoked bool
}

// Worker is the reference mesh worker: one protocol endpoint, a set of
// built-in actions, and the heartbeat loop. It speaks the same protocol
// library as the orchestrator, so everything the gateway validates
// (checksums, TTLs, dedup, batching) is exercised for real.
type Worker struct {
	opts     Options
	endpoint *protocol.Protocol
	actions  *actionSet
	logger   *slog.Logger
	sample   sampler
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*runningTask

	// heartbeat-window counters, reset every report
	statsMu    sync.Mutex
	completed  int64
	failed     int64
	latencyEMA float64
}

// NewWorker builds a worker over the given transport. The transport is
// pluggable the same way the protocol's is: production uses the NATS
// ingress binding, tests use in-process loopbacks.
func NewWorker(opts Options, transport protocol.Transport, logger *slog.Logger) (*Worker, error) {
	opts.applyDefaults()
	if opts.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}

	actions := newActionSet()
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = actions.Names()
	}

	cfg := protocol.DefaultConfig(opts.NodeID)
	endpoint, err := protocol.New(cfg, transport, logger)
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}

	w := &Worker{
		opts:     opts,
		endpoint: endpoint,
		actions:  actions,
		logger:   logger,
		sample:   hostSample,
		now:      time.Now,
		running:  make(map[string]*runningTask),
	}
	w.registerHandlers()
	return w, nil
}

// natsTransport publishes worker envelopes to the shared ingress subject.
// The target field inside the envelope addresses the orchestrator; the
// wire subject is the same for all worker traffic.
func natsTransport(client *natsclient.Client) protocol.Transport {
	return protocol.TransportFunc(func(ctx context.Context, _ string, data []byte) error {
		return client.Publish(ctx, mesh.SubjectIngress, data)
	})
}

func (w *Worker) registerHandlers() {
	w.endpoint.RegisterHandler(protocol.TypeTaskAssign, w.handleTaskAssign)
	w.endpoint.RegisterHandler(protocol.TypeTaskReject, w.handleTaskReject)
	w.endpoint.RegisterHandler(protocol.TypeCapabilityUpdate, w.handleCapabilityUpdate)
	w.endpoint.RegisterHandler(protocol.TypeRecoveryResponse, w.handleRecoveryResponse)
	w.endpoint.RegisterHandler(protocol.TypeLatencyProbe, w.handleLatencyProbe)
}

// Run connects the worker to the mesh and blocks until ctx is cancelled:
// start the endpoint, handshake, heartbeat until shutdown, then announce
// the disconnect.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.endpoint.Start(ctx); err != nil {
		return fmt.Errorf("start endpoint: %w", err)
	}
	defer w.endpoint.Close()

	if err := w.handshake(ctx); err != nil {
		return err
	}
	w.logger.Info("Joined mesh",
		"node_id", w.opts.NodeID,
		"capabilities", w.opts.Capabilities,
		"max_concurrent", w.opts.MaxConcurrent)

	w.heartbeatLoop(ctx)

	// ctx is done here; the disconnect rides a fresh short-lived context.
	w.disconnect()
	return nil
}

// handshake performs the reliable HANDSHAKE send and waits for the
// orchestrator's CAPABILITY_UPDATE ack.
func (w *Worker) handshake(ctx context.Context) error {
	msg, err := w.endpoint.CreateMessage(w.opts.Orchestrator, protocol.TypeHandshake, protocol.HandshakePayload{
		NodeID:        w.opts.NodeID,
		Capabilities:  w.opts.Capabilities,
		MaxConcurrent: w.opts.MaxConcurrent,
		Version:       w.opts.Version,
	}, 5)
	if err != nil {
		return fmt.Errorf("create handshake: %w", err)
	}

	pend, err := w.endpoint.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	reply, err := pend.Await(waitCtx)
	if err != nil {
		return fmt.Errorf("await handshake ack: %w", err)
	}

	var ack protocol.CapabilityUpdatePayload
	if len(reply) > 0 {
		if err := json.Unmarshal(reply, &ack); err != nil {
			return fmt.Errorf("decode handshake ack: %w", err)
		}
	}
	w.logger.Debug("Handshake acknowledged", "ack_node", ack.NodeID, "action", ack.Action)
	return nil
}

// heartbeatLoop reports liveness and window metrics until ctx is done.
// The first report goes out immediately so the orchestrator sees the
// worker online right after the handshake.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	w.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat(ctx)
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	cpu, memory := w.sample(ctx)

	w.statsMu.Lock()
	completed, failed := w.completed, w.failed
	latency := w.latencyEMA
	w.completed, w.failed = 0, 0
	w.statsMu.Unlock()

	total := completed + failed
	var errorRate float64
	if total > 0 {
		errorRate = float64(failed) / float64(total) * 100
	}

	payload := protocol.HeartbeatPayload{
		NodeID:      w.opts.NodeID,
		CurrentLoad: w.load(),
		CPU:         cpu,
		Memory:      memory,
		LatencyMs:   latency,
		ErrorRate:   errorRate,
		Throughput:  float64(total) / w.opts.HeartbeatInterval.Seconds(),
	}
	msg, err := w.endpoint.CreateMessage(w.opts.Orchestrator, protocol.TypeHeartbeat, payload, 0)
	if err != nil {
		w.logger.Warn("Heartbeat build failed", "error", err)
		return
	}
	if err := w.endpoint.Publish(ctx, msg); err != nil {
		w.logger.Warn("Heartbeat publish failed", "error", err)
	}
}

// disconnect announces an orderly departure. Best effort: the registry's
// health sweep catches workers that die without one.
func (w *Worker) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := w.endpoint.CreateMessage(w.opts.Orchestrator, protocol.TypeDisconnect, protocol.DisconnectPayload{
		NodeID: w.opts.NodeID,
		Reason: "shutdown",
	}, 5)
	if err == nil {
		err = w.endpoint.Publish(ctx, msg)
	}
	if err != nil {
		w.logger.Warn("Disconnect announce failed", "error", err)
		return
	}
	w.logger.Info("Left mesh", "node_id", w.opts.NodeID)
}

// Receive feeds one raw inbound envelope through the endpoint. The NATS
// subscriptions on the inbox and broadcast subjects call this.
func (w *Worker) Receive(ctx context.Context, data []byte) {
	if _, err := w.endpoint.Receive(ctx, data); err != nil {
		w.logger.Warn("Inbound envelope rejected", "error", err)
	}
}

func (w *Worker) load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// handleTaskAssign accepts or refuses an assignment. Acceptance replies on
// the assign's own id, which resolves the orchestrator's pending send;
// refusal is a standalone TASK_REJECT that drives the router's failover.
func (w *Worker) handleTaskAssign(ctx context.Context, msg *protocol.Message) error {
	p, err := protocol.DecodePayload[protocol.TaskAssignPayload](msg)
	if err != nil {
		return err
	}
	task := p.Task

	w.mu.Lock()
	if _, dup := w.running[task.ID]; dup {
		// Retransmit of an assignment already underway; re-ack it.
		w.mu.Unlock()
		return w.ackAssign(ctx, msg, task.ID)
	}
	if len(w.running) >= w.opts.MaxConcurrent {
		w.mu.Unlock()
		w.logger.Warn("Refusing assignment at capacity",
			"task_id", task.ID, "load", w.opts.MaxConcurrent)
		return w.rejectTask(ctx, task.ID, "at capacity")
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if task.TimeoutMs > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutMs)*time.Millisecond)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	w.running[task.ID] = &runningTask{cancel: cancel}
	w.mu.Unlock()

	if err := w.ackAssign(ctx, msg, task.ID); err != nil {
		w.logger.Warn("Assignment ack failed", "task_id", task.ID, "error", err)
	}

	w.logger.Info("Executing task",
		"task_id", task.ID,
		"type", task.Type,
		"reason", p.Decision.Reason)
	go w.executeTask(taskCtx, &task)
	return nil
}

func (w *Worker) ackAssign(ctx context.Context, msg *protocol.Message, taskID string) error {
	ack, err := json.Marshal(protocol.TaskAcceptPayload{TaskID: taskID, NodeID: w.opts.NodeID})
	if err != nil {
		return fmt.Errorf("marshal accept: %w", err)
	}
	return w.endpoint.Publish(ctx, msg.Reply(protocol.TypeTaskAccept, ack))
}

func (w *Worker) rejectTask(ctx context.Context, taskID, reason string) error {
	msg, err := w.endpoint.CreateMessage(w.opts.Orchestrator, protocol.TypeTaskReject, protocol.TaskRejectPayload{
		TaskID: taskID,
		NodeID: w.opts.NodeID,
		Reason: reason,
	}, 5)
	if err != nil {
		return fmt.Errorf("create reject: %w", err)
	}
	return w.endpoint.Publish(ctx, msg)
}

// executeTask runs one accepted assignment to completion and reports the
// outcome. A revoked task reports nothing: the orchestrator cancelled it
// and must discard any late result anyway.
func (w *Worker) executeTask(ctx context.Context, task *mesh.Task) {
	started := w.now()
	result, err := w.actions.Run(ctx, task, func(fraction float64, note string) {
		w.reportProgress(ctx, task.ID, fraction, note)
	})
	duration := w.now().Sub(started)

	w.mu.Lock()
	rt := w.running[task.ID]
	revoked := rt != nil && rt.revoked
	delete(w.running, task.ID)
	w.mu.Unlock()
	if rt != nil {
		rt.cancel()
	}

	if revoked {
		w.logger.Info("Dropping result of revoked task", "task_id", task.ID)
		return
	}

	w.recordOutcome(duration, err == nil)

	// Outcome reports ride a fresh context: the task's own deadline has
	// often expired exactly when the report matters most.
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		w.logger.Warn("Task failed", "task_id", task.ID, "error", err, "duration", duration)
		w.reportFailure(reportCtx, task.ID, err)
		return
	}

	w.logger.Info("Task completed", "task_id", task.ID, "duration", duration)
	w.reportCompletion(reportCtx, task.ID, result, duration)
}

func (w *Worker) recordOutcome(duration time.Duration, ok bool) {
	const alpha = 0.3
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	if ok {
		w.completed++
	} else {
		w.failed++
	}
	ms := float64(duration.Milliseconds())
	if w.latencyEMA == 0 {
		w.latencyEMA = ms
	} else {
		w.latencyEMA = alpha*ms + (1-alpha)*w.latencyEMA
	}
}

func (w *Worker) reportProgress(ctx context.Context, taskID string, fraction float64, note string) {
	msg, err := w.endpoint.CreateMessage(w.opts.Orchestrator, protocol.TypeTaskProgress, protocol.TaskProgressPayload{
		TaskID:   taskID,
		NodeID:   w.opts.NodeID,
		Progress: fraction,
		Message:  note,
	}, 0)
	if err == nil {
		err = w.endpoint.Publish(ctx, msg)
	}
	if err != nil {
		w.logger.Debug("Progress report failed", "task_id", taskID, "error", err)
	}
}

func (w *Worker) reportCompletion(ctx context.Context, taskID string, result json.RawMessage, duration time.Duration) {
	msg, err := w.endpoint.CreateMessage(w.opts.Orchestrator, protocol.TypeTaskComplete, protocol.TaskCompletePayload{
		TaskID:     taskID,
		NodeID:     w.opts.NodeID,
		Result:     result,
		DurationMs: duration.Milliseconds(),
	}, 5)
	if err == nil {
		err = w.endpoint.Publish(ctx, msg)
	}
	if err != nil {
		w.logger.Warn("Completion report failed", "task_id", taskID, "error", err)
	}
}

func (w *Worker) reportFailure(ctx context.Context, taskID string, taskErr error) {
	msg, err := w.endpoint.CreateMessage(w.opts.Orchestrator, protocol.TypeTaskFail, protocol.TaskFailPayload{
		TaskID: taskID,
		NodeID: w.opts.NodeID,
		Error:  taskErr.Error(),
	}, 5)
	if err == nil {
		err = w.endpoint.Publish(ctx, msg)
	}
	if err != nil {
		w.logger.Warn("Failure report failed", "task_id", taskID, "error", err)
	}
}

// handleTaskReject processes a revocation from the orchestrator: cancel
// the running execution and mark it so its result is discarded.
func (w *Worker) handleTaskReject(_ context.Context, msg *protocol.Message) error {
	p, err := protocol.DecodePayload[protocol.TaskRejectPayload](msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	rt, ok := w.running[p.TaskID]
	if ok {
		rt.revoked = true
	}
	w.mu.Unlock()

	if !ok {
		w.logger.Debug("Revocation for unknown task", "task_id", p.TaskID)
		return nil
	}
	rt.cancel()
	w.logger.Info("Task revoked", "task_id", p.TaskID, "reason", p.Reason)
	return nil
}

func (w *Worker) handleCapabilityUpdate(_ context.Context, msg *protocol.Message) error {
	p, err := protocol.DecodePayload[protocol.CapabilityUpdatePayload](msg)
	if err != nil {
		return err
	}
	w.logger.Debug("Fleet change",
		"node_id", p.NodeID,
		"action", p.Action,
		"capabilities", p.Capabilities)
	return nil
}

func (w *Worker) handleRecoveryResponse(_ context.Context, msg *protocol.Message) error {
	p, err := protocol.DecodePayload[protocol.RecoveryResponsePayload](msg)
	if err != nil {
		return err
	}
	w.logger.Info("Recovery peers available", "peers", p.AvailableNodes)
	return nil
}

// handleLatencyProbe echoes the probe's send timestamp so the orchestrator
// measures RTT on its own clock.
func (w *Worker) handleLatencyProbe(ctx context.Context, msg *protocol.Message) error {
	p, err := protocol.DecodePayload[protocol.LatencyProbePayload](msg)
	if err != nil {
		return err
	}
	body, err := json.Marshal(protocol.LatencyResponsePayload{
		NodeID: w.opts.NodeID,
		SentAt: p.SentAt,
	})
	if err != nil {
		return fmt.Errorf("marshal latency response: %w", err)
	}
	return w.endpoint.Publish(ctx, msg.Reply(protocol.TypeLatencyResponse, body))
}
