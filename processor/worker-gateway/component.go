// Package workergateway provides the processor that binds the wire protocol
// to NATS: it consumes worker envelopes from the ingress stream, dispatches
// them to the registry, monitor, and router, delivers directed and broadcast
// envelopes to worker inboxes, and probes the fleet for round-trip latency.
package workergateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskmesh/mesh"
	noderegistry "github.com/c360studio/taskmesh/processor/node-registry"
	"github.com/c360studio/taskmesh/protocol"
)

// The gateway is the transport behind the protocol endpoint and the fleet
// notifier behind the registry.
var (
	_ protocol.Transport    = (*Component)(nil)
	_ noderegistry.Notifier = (*Component)(nil)
)

// NodeRegistry is the node table the gateway drives with wire traffic. The
// node registry implements it.
type NodeRegistry interface {
	RegisterNode(ctx context.Context, nodeID string, capabilities []string, opts ...noderegistry.RegisterOption) error
	UnregisterNode(ctx context.Context, nodeID string) error
	HandleHeartbeat(nodeID string, load int, sample mesh.Sample) error
	ObserveLatency(nodeID string, rttMs float64) error
	TriggerRecovery(nodeID string) ([]string, error)
	GetNode(nodeID string) (*mesh.Node, bool)
	GetAllNodes() []*mesh.Node
	AddLoad(nodeID string, delta int) (int, error)
}

// SampleSink receives out-of-cadence metric reports. The performance monitor
// implements it.
type SampleSink interface {
	Record(nodeID string, sample mesh.Sample)
}

// TaskSink is where worker task traffic lands: submissions, results,
// failures, and progress. The task router implements it.
type TaskSink interface {
	SubmitTask(ctx context.Context, task *mesh.Task) (string, error)
	HandleTaskComplete(ctx context.Context, nodeID, taskID string, result json.RawMessage)
	HandleTaskFail(ctx context.Context, nodeID, taskID, reason string)
	HandleTaskProgress(ctx context.Context, nodeID, taskID string, progress float64, message string)
}

// Component implements the worker gateway processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger
	bus        *mesh.Bus

	endpoint *protocol.Protocol

	registry NodeRegistry
	monitor  SampleSink
	tasks    TaskSink

	now func() time.Time

	// deliver publishes one encoded envelope to a transport subject.
	deliver func(ctx context.Context, subject string, data []byte) error

	// JetStream ingress
	stream   jetstream.Stream
	consumer jetstream.Consumer

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	framesIngested atomic.Int64
	framesRejected atomic.Int64
	assignsSent    atomic.Int64
	probesSent     atomic.Int64
	lastIngressMu  sync.RWMutex
	lastIngress    time.Time
}

// New creates a worker gateway that publishes observability events to the
// given bus. The gateway owns its protocol endpoint; collaborators are wired
// through the setters before Start.
func New(config Config, natsClient *natsclient.Client, bus *mesh.Bus, logger *slog.Logger) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Component{
		name:       "worker-gateway",
		config:     config,
		natsClient: natsClient,
		logger:     logger,
		bus:        bus,
		now:        time.Now,
	}
	c.deliver = c.natsDeliver

	endpoint, err := protocol.New(config.protocolConfig(), c, logger)
	if err != nil {
		return nil, fmt.Errorf("build endpoint: %w", err)
	}
	c.endpoint = endpoint
	c.registerHandlers()
	return c, nil
}

// NewComponent adapts New to the component factory signature. Factory-built
// gateways serve schema discovery; the integrator wires live gateways through
// New with the shared event bus.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.Source == "" {
		config.Source = defaults.Source
	}
	if config.MessageTimeout == 0 {
		config.MessageTimeout = defaults.MessageTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.CompressionThreshold == 0 {
		config.CompressionThreshold = defaults.CompressionThreshold
	}
	if config.BatchSize == 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.BatchInterval == 0 {
		config.BatchInterval = defaults.BatchInterval
	}
	if config.DedupWindow == 0 {
		config.DedupWindow = defaults.DedupWindow
	}
	if config.IngressStream == "" {
		config.IngressStream = defaults.IngressStream
	}
	if config.IngressSubject == "" {
		config.IngressSubject = defaults.IngressSubject
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.FetchBatch == 0 {
		config.FetchBatch = defaults.FetchBatch
	}
	if config.FetchMaxWait == 0 {
		config.FetchMaxWait = defaults.FetchMaxWait
	}
	if config.AckWait == 0 {
		config.AckWait = defaults.AckWait
	}
	if config.ProbeInterval == 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	return New(config, deps.NATSClient, nil, deps.GetLogger())
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized worker-gateway",
		"source", c.config.Source,
		"ingress_stream", c.config.IngressStream,
		"probe_interval", c.config.ProbeInterval)
	return nil
}

// SetRegistry wires the node table. Call before Start.
func (c *Component) SetRegistry(r NodeRegistry) {
	c.registry = r
}

// SetSampleSink wires metric reports through to the performance monitor.
// Call before Start.
func (c *Component) SetSampleSink(s SampleSink) {
	c.monitor = s
}

// SetTaskSink wires worker task traffic through to the router. Call before
// Start.
func (c *Component) SetTaskSink(t TaskSink) {
	c.tasks = t
}

// Deliver implements protocol.Transport: directed envelopes go to the
// worker's inbox subject, broadcast envelopes to the shared broadcast
// subject.
func (c *Component) Deliver(ctx context.Context, target string, data []byte) error {
	subject := mesh.NodeInbox(target)
	if target == protocol.BroadcastTarget {
		subject = mesh.SubjectBroadcast
	}
	return c.deliver(ctx, subject, data)
}

func (c *Component) natsDeliver(ctx context.Context, subject string, data []byte) error {
	if c.natsClient == nil {
		return fmt.Errorf("NATS client required")
	}
	return c.natsClient.Publish(ctx, subject, data)
}

// SendTaskAssign delivers an assignment reliably and blocks until the worker
// answers TASK_ACCEPT, the retry budget runs out, or ctx is done. The message
// carries the task's priority and expires at the task deadline, so a revoked
// or timed-out assignment is never executed from a stale retransmit.
func (c *Component) SendTaskAssign(ctx context.Context, nodeID string, payload protocol.TaskAssignPayload, priority int, ttl time.Duration) error {
	opts := []protocol.CreateMessageOption{}
	if ttl > 0 {
		opts = append(opts, protocol.WithTTL(c.now().Add(ttl).UnixMilli()))
	}
	msg, err := c.endpoint.CreateMessage(nodeID, protocol.TypeTaskAssign, payload, priority, opts...)
	if err != nil {
		return fmt.Errorf("create assign for task %s: %w", payload.Task.ID, err)
	}

	pend, err := c.endpoint.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send assign for task %s: %w", payload.Task.ID, err)
	}
	reply, err := pend.Await(ctx)
	if err != nil {
		return fmt.Errorf("await accept for task %s: %w", payload.Task.ID, err)
	}

	var ack protocol.TaskAcceptPayload
	if len(reply) > 0 {
		if err := json.Unmarshal(reply, &ack); err != nil {
			return fmt.Errorf("decode accept for task %s: %w", payload.Task.ID, err)
		}
	}

	c.assignsSent.Add(1)
	c.logger.Debug("Assignment accepted",
		"task_id", payload.Task.ID,
		"node_id", nodeID,
		"ack_node", ack.NodeID)
	return nil
}

// SendTaskReject revokes an assignment, fire and forget.
func (c *Component) SendTaskReject(ctx context.Context, nodeID string, payload protocol.TaskRejectPayload) error {
	msg, err := c.endpoint.CreateMessage(nodeID, protocol.TypeTaskReject, payload, 0)
	if err != nil {
		return fmt.Errorf("create reject for task %s: %w", payload.TaskID, err)
	}
	return c.endpoint.Publish(ctx, msg)
}

// BroadcastCapabilityUpdate implements the registry's fleet notifier.
func (c *Component) BroadcastCapabilityUpdate(ctx context.Context, update protocol.CapabilityUpdatePayload) error {
	msg, err := c.endpoint.CreateMessage(protocol.BroadcastTarget, protocol.TypeCapabilityUpdate, update, 0)
	if err != nil {
		return fmt.Errorf("create capability update: %w", err)
	}
	return c.endpoint.Publish(ctx, msg)
}

// registerHandlers installs the inbound dispatch table. TASK_ACCEPT is
// absent: accept replies resolve pending sends inside the endpoint and never
// reach a handler.
func (c *Component) registerHandlers() {
	c.endpoint.RegisterHandler(protocol.TypeHandshake, c.handleHandshake)
	c.endpoint.RegisterHandler(protocol.TypeHeartbeat, c.handleHeartbeat)
	c.endpoint.RegisterHandler(protocol.TypeDisconnect, c.handleDisconnect)
	c.endpoint.RegisterHandler(protocol.TypeTaskRequest, c.handleTaskRequest)
	c.endpoint.RegisterHandler(protocol.TypeTaskReject, c.handleTaskReject)
	c.endpoint.RegisterHandler(protocol.TypeTaskProgress, c.handleTaskProgress)
	c.endpoint.RegisterHandler(protocol.TypeTaskComplete, c.handleTaskComplete)
	c.endpoint.RegisterHandler(protocol.TypeTaskFail, c.handleTaskFail)
	c.endpoint.RegisterHandler(protocol.TypeLoadReport, c.handleLoadReport)
	c.endpoint.RegisterHandler(protocol.TypeRecoveryRequest, c.handleRecoveryRequest)
	c.endpoint.RegisterHandler(protocol.TypeMetricsReport, c.handleMetricsReport)
	c.endpoint.RegisterHandler(protocol.TypeLatencyProbe, c.handleLatencyProbe)
	c.endpoint.RegisterHandler(protocol.TypeLatencyResponse, c.handleLatencyResponse)
}

// senderID resolves the worker a message speaks for: the payload's node id
// when present, the envelope source otherwise.
func senderID(payloadNode string, msg *protocol.Message) string {
	if payloadNode != "" {
		return payloadNode
	}
	return msg.Source
}

// handleHandshake admits a worker into the registry and acks the handshake
// with a directed CAPABILITY_UPDATE reply, which resolves the worker's
// pending send.
func (c *Component) handleHandshake(ctx context.Context, msg *protocol.Message) error {
	if c.registry == nil {
		return fmt.Errorf("no node registry wired")
	}
	p, err := protocol.DecodePayload[protocol.HandshakePayload](msg)
	if err != nil {
		return err
	}

	nodeID := senderID(p.NodeID, msg)
	err = c.registry.RegisterNode(ctx, nodeID, p.Capabilities,
		noderegistry.WithMaxConcurrent(p.MaxConcurrent),
		noderegistry.WithVersion(p.Version))
	if err != nil {
		return fmt.Errorf("register %s: %w", nodeID, err)
	}

	ack, err := json.Marshal(protocol.CapabilityUpdatePayload{
		NodeID:       nodeID,
		Capabilities: p.Capabilities,
		Action:       protocol.CapabilityRegistered,
	})
	if err != nil {
		return fmt.Errorf("marshal handshake ack: %w", err)
	}
	return c.endpoint.Publish(ctx, msg.Reply(protocol.TypeCapabilityUpdate, ack))
}

// handleHeartbeat refreshes the sender's liveness, load, and latency. The
// registry forwards the carried sample to the monitor.
func (c *Component) handleHeartbeat(_ context.Context, msg *protocol.Message) error {
	if c.registry == nil {
		return fmt.Errorf("no node registry wired")
	}
	p, err := protocol.DecodePayload[protocol.HeartbeatPayload](msg)
	if err != nil {
		return err
	}

	nodeID := senderID(p.NodeID, msg)
	if err := c.registry.HandleHeartbeat(nodeID, p.CurrentLoad, p.Sample(c.now())); err != nil {
		return fmt.Errorf("heartbeat from %s: %w", nodeID, err)
	}
	return nil
}

// handleDisconnect removes a departing worker. An unknown node is already
// gone and not an error.
func (c *Component) handleDisconnect(ctx context.Context, msg *protocol.Message) error {
	if c.registry == nil {
		return fmt.Errorf("no node registry wired")
	}
	p, err := protocol.DecodePayload[protocol.DisconnectPayload](msg)
	if err != nil {
		return err
	}

	nodeID := senderID(p.NodeID, msg)
	if err := c.registry.UnregisterNode(ctx, nodeID); err != nil && !errors.Is(err, noderegistry.ErrUnknownNode) {
		return fmt.Errorf("unregister %s: %w", nodeID, err)
	}
	c.logger.Info("Worker disconnected", "node_id", nodeID, "reason", p.Reason)
	return nil
}

// handleTaskRequest submits a worker-originated task to the router and acks
// with the accepted id.
func (c *Component) handleTaskRequest(ctx context.Context, msg *protocol.Message) error {
	if c.tasks == nil {
		return fmt.Errorf("no task sink wired")
	}
	p, err := protocol.DecodePayload[protocol.TaskRequestPayload](msg)
	if err != nil {
		return err
	}

	task := p.Task
	id, err := c.tasks.SubmitTask(ctx, &task)
	if err != nil {
		return fmt.Errorf("submit from %s: %w", msg.Source, err)
	}

	ack, err := json.Marshal(protocol.TaskAcceptPayload{TaskID: id})
	if err != nil {
		return fmt.Errorf("marshal request ack: %w", err)
	}
	return c.endpoint.Publish(ctx, msg.Reply(protocol.TypeTaskAccept, ack))
}

// handleTaskReject records a worker's standalone refusal of an assignment as
// a task failure, which gives deterministic tasks their failover.
func (c *Component) handleTaskReject(ctx context.Context, msg *protocol.Message) error {
	if c.tasks == nil {
		return fmt.Errorf("no task sink wired")
	}
	p, err := protocol.DecodePayload[protocol.TaskRejectPayload](msg)
	if err != nil {
		return err
	}

	reason := "rejected by worker"
	if p.Reason != "" {
		reason = "rejected: " + p.Reason
	}
	c.tasks.HandleTaskFail(ctx, senderID(p.NodeID, msg), p.TaskID, reason)
	return nil
}

func (c *Component) handleTaskProgress(ctx context.Context, msg *protocol.Message) error {
	if c.tasks == nil {
		return fmt.Errorf("no task sink wired")
	}
	p, err := protocol.DecodePayload[protocol.TaskProgressPayload](msg)
	if err != nil {
		return err
	}
	c.tasks.HandleTaskProgress(ctx, senderID(p.NodeID, msg), p.TaskID, p.Progress, p.Message)
	return nil
}

func (c *Component) handleTaskComplete(ctx context.Context, msg *protocol.Message) error {
	if c.tasks == nil {
		return fmt.Errorf("no task sink wired")
	}
	p, err := protocol.DecodePayload[protocol.TaskCompletePayload](msg)
	if err != nil {
		return err
	}
	c.tasks.HandleTaskComplete(ctx, senderID(p.NodeID, msg), p.TaskID, p.Result)
	return nil
}

func (c *Component) handleTaskFail(ctx context.Context, msg *protocol.Message) error {
	if c.tasks == nil {
		return fmt.Errorf("no task sink wired")
	}
	p, err := protocol.DecodePayload[protocol.TaskFailPayload](msg)
	if err != nil {
		return err
	}

	reason := p.Error
	if reason == "" {
		reason = "worker reported failure"
	}
	c.tasks.HandleTaskFail(ctx, senderID(p.NodeID, msg), p.TaskID, reason)
	return nil
}

// handleLoadReport refreshes a worker's load counter outside the heartbeat
// cadence. The reported value is absolute; the registry applies deltas, so
// the difference against the current reading is submitted.
func (c *Component) handleLoadReport(_ context.Context, msg *protocol.Message) error {
	if c.registry == nil {
		return fmt.Errorf("no node registry wired")
	}
	p, err := protocol.DecodePayload[protocol.LoadReportPayload](msg)
	if err != nil {
		return err
	}

	nodeID := senderID(p.NodeID, msg)
	node, ok := c.registry.GetNode(nodeID)
	if !ok {
		return fmt.Errorf("load report from unknown node %s", nodeID)
	}
	if _, err := c.registry.AddLoad(nodeID, p.Load-node.CurrentLoad); err != nil {
		return fmt.Errorf("apply load report from %s: %w", nodeID, err)
	}
	return nil
}

// handleRecoveryRequest runs the registry's recovery check and answers with
// the capability-compatible peers, resolving the worker's pending send.
func (c *Component) handleRecoveryRequest(ctx context.Context, msg *protocol.Message) error {
	if c.registry == nil {
		return fmt.Errorf("no node registry wired")
	}
	p, err := protocol.DecodePayload[protocol.RecoveryRequestPayload](msg)
	if err != nil {
		return err
	}

	nodeID := senderID(p.NodeID, msg)
	peers, err := c.registry.TriggerRecovery(nodeID)
	if err != nil {
		return fmt.Errorf("recovery for %s: %w", nodeID, err)
	}
	if peers == nil {
		peers = []string{}
	}

	body, err := json.Marshal(protocol.RecoveryResponsePayload{AvailableNodes: peers})
	if err != nil {
		return fmt.Errorf("marshal recovery response: %w", err)
	}
	return c.endpoint.Publish(ctx, msg.Reply(protocol.TypeRecoveryResponse, body))
}

// handleMetricsReport feeds an out-of-cadence sample to the monitor. Batched
// carriers never reach here; the endpoint unwraps them first.
func (c *Component) handleMetricsReport(_ context.Context, msg *protocol.Message) error {
	if c.monitor == nil {
		return nil
	}
	p, err := protocol.DecodePayload[protocol.MetricsReportPayload](msg)
	if err != nil {
		return err
	}
	c.monitor.Record(senderID(p.NodeID, msg), p.Sample(c.now()))
	return nil
}

// handleLatencyProbe echoes a worker's probe so it can compute RTT on its
// own clock.
func (c *Component) handleLatencyProbe(ctx context.Context, msg *protocol.Message) error {
	p, err := protocol.DecodePayload[protocol.LatencyProbePayload](msg)
	if err != nil {
		return err
	}

	body, err := json.Marshal(protocol.LatencyResponsePayload{
		NodeID: msg.Target,
		SentAt: p.SentAt,
	})
	if err != nil {
		return fmt.Errorf("marshal probe echo: %w", err)
	}
	return c.endpoint.Publish(ctx, msg.Reply(protocol.TypeLatencyResponse, body))
}

// handleLatencyResponse folds a measured round-trip into the node's latency
// EMA. SentAt was stamped by this gateway, so the RTT is computed on one
// clock.
func (c *Component) handleLatencyResponse(_ context.Context, msg *protocol.Message) error {
	if c.registry == nil {
		return fmt.Errorf("no node registry wired")
	}
	p, err := protocol.DecodePayload[protocol.LatencyResponsePayload](msg)
	if err != nil {
		return err
	}

	nodeID := senderID(p.NodeID, msg)
	rtt := c.now().UnixMilli() - p.SentAt
	if rtt < 0 {
		rtt = 0
	}
	if err := c.registry.ObserveLatency(nodeID, float64(rtt)); err != nil {
		c.logger.Debug("Latency response from untracked node", "node_id", nodeID, "error", err)
	}
	return nil
}

// Start brings up the protocol endpoint, the ingress consumer, and the probe
// loop.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}
	if c.registry == nil {
		c.mu.Unlock()
		return fmt.Errorf("node registry required")
	}
	if c.tasks == nil {
		c.mu.Unlock()
		return fmt.Errorf("task sink required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.endpoint.Start(subCtx); err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("start endpoint: %w", err)
	}

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := c.ensureStream(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return err
	}
	c.stream = stream

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.IngressSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.config.AckWait,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create ingress consumer: %w", err)
	}
	c.consumer = consumer

	go c.ingressLoop(subCtx)
	go c.probeLoop(subCtx)

	c.logger.Info("worker-gateway started",
		"source", c.config.Source,
		"ingress_stream", c.config.IngressStream,
		"consumer", c.config.ConsumerName,
		"probe_interval", c.config.ProbeInterval)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
	_ = c.endpoint.Close()
}

// ensureStream provisions the ingress work queue. Safe to call on every
// start; an existing stream is reused.
func (c *Component) ensureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, c.config.IngressStream)
	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("get stream %s: %w", c.config.IngressStream, err)
		}
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        c.config.IngressStream,
			Description: "taskmesh worker ingress envelopes",
			Subjects:    []string{c.config.IngressSubject},
			Retention:   jetstream.WorkQueuePolicy,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", c.config.IngressStream, err)
		}
	}
	return stream, nil
}

// ingressLoop pulls worker envelopes off the ingress stream and runs them
// through the receive pipeline.
func (c *Component) ingressLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(c.config.FetchBatch, jetstream.FetchMaxWait(c.config.FetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleFrame(ctx, msg)
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			c.logger.Warn("Ingress fetch error", "error", msgs.Error())
		}
	}
}

// handleFrame runs one delivery through the protocol and acks it either way:
// reliability is end-to-end, so a frame the endpoint rejects will not get
// better on redelivery.
func (c *Component) handleFrame(ctx context.Context, msg jetstream.Msg) {
	c.receiveFrame(ctx, msg.Data())
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK ingress frame", "error", err)
	}
}

// receiveFrame feeds one raw envelope to the endpoint and reports drops.
func (c *Component) receiveFrame(ctx context.Context, raw []byte) {
	c.framesIngested.Add(1)
	c.updateLastIngress()

	if _, err := c.endpoint.Receive(ctx, raw); err != nil {
		c.framesRejected.Add(1)
		if mesh.IsKind(err, mesh.KindExpiredMessage) {
			c.reportExpired(raw)
		}
		c.logger.Warn("Inbound frame rejected", "error", err)
	}
}

// reportExpired publishes the observability event for a TTL drop. Expiry is
// checked before the checksum, so the head fields are best effort.
func (c *Component) reportExpired(raw []byte) {
	var head struct {
		ID     string `json:"id"`
		Source string `json:"source"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return
	}
	c.publish(mesh.MessageExpiredEvent{
		MessageID: head.ID,
		Source:    head.Source,
		Type:      head.Type,
	})
}

// probeLoop measures fleet round-trip latency on the probe interval.
func (c *Component) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeFleet(ctx)
		}
	}
}

// probeFleet sends a LATENCY_PROBE to every node that is not offline. The
// responses flow back through the ingress path and feed the latency EMA.
func (c *Component) probeFleet(ctx context.Context) {
	if c.registry == nil {
		return
	}
	for _, node := range c.registry.GetAllNodes() {
		if node.Status == mesh.NodeOffline {
			continue
		}
		msg, err := c.endpoint.CreateMessage(node.ID, protocol.TypeLatencyProbe,
			protocol.LatencyProbePayload{SentAt: c.now().UnixMilli()}, 0)
		if err != nil {
			c.logger.Warn("Failed to create latency probe", "node_id", node.ID, "error", err)
			continue
		}
		if err := c.endpoint.Publish(ctx, msg); err != nil {
			c.logger.Debug("Latency probe failed", "node_id", node.ID, "error", err)
			continue
		}
		c.probesSent.Add(1)
	}
}

func (c *Component) publish(e mesh.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(e)
}

// Stop gracefully stops the component. The endpoint flushes queued batches
// and fails outstanding sends on close.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.endpoint.Close(); err != nil {
		c.logger.Warn("Endpoint close failed", "error", err)
	}

	c.running = false
	c.logger.Info("worker-gateway stopped",
		"frames_ingested", c.framesIngested.Load(),
		"frames_rejected", c.framesRejected.Load(),
		"assignments_sent", c.assignsSent.Load(),
		"probes_sent", c.probesSent.Load())
	return nil
}

// ProtocolStats snapshots the endpoint counters for health and ops queries.
func (c *Component) ProtocolStats() protocol.Stats {
	return c.endpoint.Stats()
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "worker-gateway",
		Type:        "processor",
		Description: "Bridges the wire protocol between the orchestrator and its workers over NATS",
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
	return gatewaySchema
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
		ErrorCount: int(c.framesRejected.Load()),
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
		LastActivity:      c.getLastIngress(),
	}
}

func (c *Component) updateLastIngress() {
	c.lastIngressMu.Lock()
	c.lastIngress = time.Now()
	c.lastIngressMu.Unlock()
}

func (c *Component) getLastIngress() time.Time {
	c.lastIngressMu.RLock()
	defer c.lastIngressMu.RUnlock()
	return c.lastIngress
}
