// Package noderegistry provides the processor that tracks worker nodes:
// registration, heartbeat-driven health transitions, capability lookups,
// and the selection strategies the task router builds on.
package noderegistry

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

	"github.com/c360studio/taskmesh/mesh"
	"github.com/c360studio/taskmesh/protocol"
)

// ErrUnknownNode is returned for operations on node ids the registry does
// not track.
var ErrUnknownNode = errors.New("unknown node")

// Notifier announces registry changes to the worker fleet. The worker
// gateway implements it over the wire protocol.
type Notifier interface {
	BroadcastCapabilityUpdate(ctx context.Context, update protocol.CapabilityUpdatePayload) error
}

// SampleSink receives the metric samples carried on heartbeats. The
// performance monitor implements it.
type SampleSink interface {
	Record(nodeID string, sample mesh.Sample)
}

// nodeState pairs a node record with the registry's health bookkeeping.
type nodeState struct {
	node         *mesh.Node
	offlineSince time.Time
	recoverSince time.Time
}

// Component implements the node registry processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger
	bus    *mesh.Bus

	notifier Notifier
	sink     SampleSink

	now func() time.Time

	nodesMu sync.RWMutex
	nodes   map[string]*nodeState

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	registrations      atomic.Int64
	heartbeatsHandled  atomic.Int64
	offlineTransitions atomic.Int64
	evictions          atomic.Int64
	lastScanMu         sync.RWMutex
	lastScan           time.Time
}

// New creates a node registry that publishes membership events to the
// given bus.
func New(config Config, bus *mesh.Bus, logger *slog.Logger) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:   "node-registry",
		config: config,
		logger: logger,
		bus:    bus,
		now:    time.Now,
		nodes:  make(map[string]*nodeState),
	}, nil
}

// NewComponent adapts New to the component factory signature. Factory-built
// registries serve schema discovery; the integrator wires live registries
// through New with the shared event bus.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if config.MaintenanceInterval == 0 {
		config.MaintenanceInterval = defaults.MaintenanceInterval
	}
	if config.OfflineEvictionMultiplier == 0 {
		config.OfflineEvictionMultiplier = defaults.OfflineEvictionMultiplier
	}
	if config.DefaultMaxConcurrent == 0 {
		config.DefaultMaxConcurrent = defaults.DefaultMaxConcurrent
	}
	if config.LatencyAlpha == 0 {
		config.LatencyAlpha = defaults.LatencyAlpha
	}
	if config.Strategy == "" {
		config.Strategy = defaults.Strategy
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	return New(config, nil, deps.GetLogger())
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized node-registry",
		"heartbeat_timeout", c.config.HeartbeatTimeout,
		"maintenance_interval", c.config.MaintenanceInterval,
		"strategy", c.config.Strategy)
	return nil
}

// SetNotifier wires the fleet broadcast channel. Call before Start.
func (c *Component) SetNotifier(n Notifier) {
	c.notifier = n
}

// SetSampleSink wires heartbeat metrics through to the performance
// monitor. Call before Start.
func (c *Component) SetSampleSink(s SampleSink) {
	c.sink = s
}

// RegisterOption customizes a registration beyond the defaults.
type RegisterOption func(*mesh.Node)

// WithMaxConcurrent overrides the node's advertised task slot count.
func WithMaxConcurrent(n int) RegisterOption {
	return func(node *mesh.Node) {
		if n > 0 {
			node.MaxConcurrent = n
		}
	}
}

// WithVersion records the worker's reported software version.
func WithVersion(v string) RegisterOption {
	return func(node *mesh.Node) { node.Version = v }
}

// WithRole tags the node with its configured role and priority.
func WithRole(role string, priority int) RegisterOption {
	return func(node *mesh.Node) {
		node.Role = role
		node.Priority = priority
	}
}

// RegisterNode admits a worker with zero load, online status, and a fresh
// heartbeat. Re-registering an id replaces the whole record. The change is
// announced fleet-wide as a CAPABILITY_UPDATE.
func (c *Component) RegisterNode(ctx context.Context, nodeID string, capabilities []string, opts ...RegisterOption) error {
	if nodeID == "" {
		return &mesh.ValidationError{Field: "node_id", Message: "node id is required"}
	}

	node := &mesh.Node{
		ID:            nodeID,
		Capabilities:  append([]string(nil), capabilities...),
		MaxConcurrent: c.config.DefaultMaxConcurrent,
		Status:        mesh.NodeOnline,
		LastHeartbeat: c.now(),
	}
	for _, opt := range opts {
		opt(node)
	}

	c.nodesMu.Lock()
	_, replaced := c.nodes[nodeID]
	c.nodes[nodeID] = &nodeState{node: node}
	c.nodesMu.Unlock()

	c.registrations.Add(1)
	c.logger.Info("Node registered",
		"node_id", nodeID,
		"capabilities", len(node.Capabilities),
		"max_concurrent", node.MaxConcurrent,
		"replaced", replaced)

	c.publish(mesh.NodeJoinedEvent{NodeID: nodeID, Capabilities: node.Capabilities})
	c.broadcastUpdate(ctx, nodeID, node.Capabilities, protocol.CapabilityRegistered)
	return nil
}

// UnregisterNode removes a worker's record and announces the departure.
func (c *Component) UnregisterNode(ctx context.Context, nodeID string) error {
	c.nodesMu.Lock()
	st, ok := c.nodes[nodeID]
	if !ok {
		c.nodesMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	delete(c.nodes, nodeID)
	c.nodesMu.Unlock()

	c.logger.Info("Node unregistered", "node_id", nodeID)
	c.publish(mesh.NodeLeftEvent{NodeID: nodeID, Reason: "unregistered"})
	c.broadcastUpdate(ctx, nodeID, st.node.Capabilities, protocol.CapabilityUnregistered)
	return nil
}

// HandleHeartbeat records a worker liveness report: any valid heartbeat
// puts the node online, refreshes its load counter, folds the reported
// latency into the EMA, and forwards the sample to the monitor.
func (c *Component) HandleHeartbeat(nodeID string, load int, sample mesh.Sample) error {
	c.nodesMu.Lock()
	st, ok := c.nodes[nodeID]
	if !ok {
		c.nodesMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	was := st.node.Status
	st.node.Status = mesh.NodeOnline
	st.node.LastHeartbeat = c.now()
	st.offlineSince = time.Time{}
	st.recoverSince = time.Time{}

	if load >= 0 {
		if load > st.node.MaxConcurrent {
			load = st.node.MaxConcurrent
		}
		st.node.CurrentLoad = load
	}
	c.foldLatencyLocked(st.node, sample.LatencyMs)
	c.nodesMu.Unlock()

	c.heartbeatsHandled.Add(1)

	if was != mesh.NodeOnline {
		c.logger.Info("Node back online", "node_id", nodeID, "previous_status", was)
	}
	if c.sink != nil {
		c.sink.Record(nodeID, sample)
	}
	return nil
}

// ObserveLatency folds a measured round-trip into a node's latency EMA.
// The gateway calls it with latency probe results.
func (c *Component) ObserveLatency(nodeID string, rttMs float64) error {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()

	st, ok := c.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	c.foldLatencyLocked(st.node, rttMs)
	return nil
}

// foldLatencyLocked applies the latency EMA. The first observation seeds
// the average directly so early readings are not dragged toward zero.
// Caller holds nodesMu.
func (c *Component) foldLatencyLocked(node *mesh.Node, latencyMs float64) {
	if latencyMs <= 0 {
		return
	}
	if node.LatencyMs == 0 {
		node.LatencyMs = latencyMs
		return
	}
	a := c.config.LatencyAlpha
	node.LatencyMs = a*latencyMs + (1-a)*node.LatencyMs
}

// AddLoad adjusts a node's load counter by delta, clamped to
// [0, MaxConcurrent], and returns the new value.
func (c *Component) AddLoad(nodeID string, delta int) (int, error) {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()

	st, ok := c.nodes[nodeID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	load := st.node.CurrentLoad + delta
	if load < 0 {
		load = 0
	}
	if load > st.node.MaxConcurrent {
		load = st.node.MaxConcurrent
	}
	st.node.CurrentLoad = load
	return load, nil
}

// GetNode returns a copy of the node's record.
func (c *Component) GetNode(nodeID string) (*mesh.Node, bool) {
	c.nodesMu.RLock()
	defer c.nodesMu.RUnlock()

	st, ok := c.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return st.node.Clone(), true
}

// GetAllNodes returns copies of every tracked node, sorted by id.
func (c *Component) GetAllNodes() []*mesh.Node {
	c.nodesMu.RLock()
	defer c.nodesMu.RUnlock()

	out := make([]*mesh.Node, 0, len(c.nodes))
	for _, st := range c.nodes {
		out = append(out, st.node.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByStatus tallies tracked nodes per health state.
func (c *Component) CountByStatus() map[mesh.NodeStatus]int {
	c.nodesMu.RLock()
	defer c.nodesMu.RUnlock()

	counts := make(map[mesh.NodeStatus]int)
	for _, st := range c.nodes {
		counts[st.node.Status]++
	}
	return counts
}

// TriggerRecovery moves an offline node toward re-admission. When at least
// one capability-compatible online peer exists the node enters RECOVERING
// and the peer list is returned for the RECOVERY_RESPONSE reply; with no
// compatible peer the node stays offline and the list is empty.
func (c *Component) TriggerRecovery(nodeID string) ([]string, error) {
	c.nodesMu.Lock()
	st, ok := c.nodes[nodeID]
	if !ok {
		c.nodesMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	var peers []string
	for id, other := range c.nodes {
		if id == nodeID || other.node.Status != mesh.NodeOnline {
			continue
		}
		if coversAny(other.node, st.node.Capabilities) {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)

	recovering := st.node.Status == mesh.NodeOffline && len(peers) > 0
	if recovering {
		st.node.Status = mesh.NodeRecovering
		st.recoverSince = c.now()
	}
	c.nodesMu.Unlock()

	if recovering {
		c.logger.Info("Node recovering", "node_id", nodeID, "peers", len(peers))
	}
	return peers, nil
}

// coversAny reports whether the peer holds at least one of the tags.
func coversAny(peer *mesh.Node, tags []string) bool {
	for _, tag := range tags {
		if peer.HasCapability(tag) {
			return true
		}
	}
	return false
}

// Start begins the periodic maintenance scan.
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

	go c.maintenanceLoop(subCtx)

	c.logger.Info("node-registry started",
		"heartbeat_timeout", c.config.HeartbeatTimeout,
		"maintenance_interval", c.config.MaintenanceInterval,
		"strategy", c.config.Strategy)

	return nil
}

// maintenanceLoop periodically drives the health state machine.
func (c *Component) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.MaintenanceInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.scanNodes(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanNodes(ctx)
		}
	}
}

// scanNodes applies the heartbeat deadlines to every node: online nodes
// degrade past the timeout, degraded nodes go offline past twice the
// timeout, recovering nodes fall back offline when no heartbeat lands in
// time, and long-offline nodes are evicted.
func (c *Component) scanNodes(ctx context.Context) {
	now := c.now()
	c.updateLastScan()

	hb := c.config.HeartbeatTimeout
	evictAfter := time.Duration(c.config.OfflineEvictionMultiplier) * hb

	var wentOffline []string
	var evicted []*mesh.Node

	c.nodesMu.Lock()
	for id, st := range c.nodes {
		elapsed := now.Sub(st.node.LastHeartbeat)

		if st.node.Status == mesh.NodeOnline && elapsed > hb {
			st.node.Status = mesh.NodeDegraded
			c.logger.Info("Node degraded", "node_id", id, "since_heartbeat", elapsed)
		}
		if st.node.Status == mesh.NodeDegraded && elapsed > 2*hb {
			st.node.Status = mesh.NodeOffline
			if st.offlineSince.IsZero() {
				st.offlineSince = now
			}
			wentOffline = append(wentOffline, id)
		}
		if st.node.Status == mesh.NodeRecovering && now.Sub(st.recoverSince) > hb {
			st.node.Status = mesh.NodeOffline
			if st.offlineSince.IsZero() {
				st.offlineSince = now
			}
			wentOffline = append(wentOffline, id)
		}
		if st.node.Status == mesh.NodeOffline && !st.offlineSince.IsZero() && now.Sub(st.offlineSince) > evictAfter {
			delete(c.nodes, id)
			evicted = append(evicted, st.node)
		}
	}
	c.nodesMu.Unlock()

	sort.Strings(wentOffline)
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].ID < evicted[j].ID })

	for _, id := range wentOffline {
		c.offlineTransitions.Add(1)
		c.logger.Warn("Node offline", "node_id", id)
		c.publish(mesh.NodeOfflineEvent{NodeID: id})
	}
	for _, n := range evicted {
		c.evictions.Add(1)
		c.logger.Info("Node evicted", "node_id", n.ID, "offline_for", evictAfter)
		c.publish(mesh.NodeLeftEvent{NodeID: n.ID, Reason: "evicted"})
		c.broadcastUpdate(ctx, n.ID, n.Capabilities, protocol.CapabilityUnregistered)
	}
}

func (c *Component) broadcastUpdate(ctx context.Context, nodeID string, capabilities []string, action string) {
	if c.notifier == nil {
		return
	}
	update := protocol.CapabilityUpdatePayload{
		NodeID:       nodeID,
		Capabilities: capabilities,
		Action:       action,
	}
	if err := c.notifier.BroadcastCapabilityUpdate(ctx, update); err != nil {
		c.logger.Warn("Failed to broadcast capability update",
			"node_id", nodeID,
			"action", action,
			"error", err)
	}
}

func (c *Component) publish(e mesh.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(e)
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("node-registry stopped",
		"registrations", c.registrations.Load(),
		"heartbeats_handled", c.heartbeatsHandled.Load(),
		"offline_transitions", c.offlineTransitions.Load(),
		"evictions", c.evictions.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "node-registry",
		Type:        "processor",
		Description: "Tracks worker nodes, health transitions, and selection strategies",
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
	return registrySchema
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
		ErrorCount: 0,
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
		LastActivity:      c.getLastScan(),
	}
}

func (c *Component) updateLastScan() {
	c.lastScanMu.Lock()
	c.lastScan = time.Now()
	c.lastScanMu.Unlock()
}

func (c *Component) getLastScan() time.Time {
	c.lastScanMu.RLock()
	defer c.lastScanMu.RUnlock()
	return c.lastScan
}
