// Package perfmonitor provides a processor that tracks per-worker
// performance samples, classifies metric trends, and raises sustained
// threshold alerts for the router and observers.
package perfmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskmesh/mesh"
)

// Component implements the performance monitor processor.
type Component struct {
	name   string
	config Config
	logger *slog.Logger
	bus    *mesh.Bus

	// queueStats, when set, enriches the periodic status event with the
	// router's queue depths.
	queueStats func() (queued, active int)

	samplesMu sync.RWMutex
	rings     map[string]*sampleRing
	armed     map[string]map[mesh.MetricField]mesh.AlertSeverity

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	samplesRecorded    atomic.Int64
	alertsRaised       atomic.Int64
	summariesPublished atomic.Int64
	lastSweepMu        sync.RWMutex
	lastSweep          time.Time
}

// New creates a performance monitor that publishes alerts and summaries to
// the given bus.
func New(config Config, bus *mesh.Bus, logger *slog.Logger) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		name:   "perf-monitor",
		config: config,
		logger: logger,
		bus:    bus,
		rings:  make(map[string]*sampleRing),
		armed:  make(map[string]map[mesh.MetricField]mesh.AlertSeverity),
	}, nil
}

// NewComponent adapts New to the component factory signature. Factory-built
// monitors serve schema discovery; the integrator wires live monitors
// through New with the shared event bus.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.WindowSize == 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.TrendWindow == 0 {
		config.TrendWindow = defaults.TrendWindow
	}
	if config.SustainedSamples == 0 {
		config.SustainedSamples = defaults.SustainedSamples
	}
	if config.MonitoringInterval == 0 {
		config.MonitoringInterval = defaults.MonitoringInterval
	}
	if config.CPUWarning == 0 {
		config.CPUWarning = defaults.CPUWarning
	}
	if config.CPUCritical == 0 {
		config.CPUCritical = defaults.CPUCritical
	}
	if config.MemoryWarning == 0 {
		config.MemoryWarning = defaults.MemoryWarning
	}
	if config.MemoryCritical == 0 {
		config.MemoryCritical = defaults.MemoryCritical
	}
	if config.ErrorRateCritical == 0 {
		config.ErrorRateCritical = defaults.ErrorRateCritical
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	return New(config, nil, deps.GetLogger())
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized perf-monitor",
		"window_size", c.config.WindowSize,
		"trend_window", c.config.TrendWindow,
		"monitoring_interval", c.config.MonitoringInterval)
	return nil
}

// SetQueueStats wires the router's queue depths into the periodic
// system status event. Call before Start.
func (c *Component) SetQueueStats(fn func() (queued, active int)) {
	c.queueStats = fn
}

// Record ingests one sample for a node and re-evaluates its alert rules.
func (c *Component) Record(nodeID string, sample mesh.Sample) {
	if nodeID == "" {
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	c.samplesMu.Lock()
	ring, ok := c.rings[nodeID]
	if !ok {
		ring = newSampleRing(c.config.WindowSize)
		c.rings[nodeID] = ring
	}
	ring.push(sample)
	var raised []mesh.Alert
	if ring.len() >= c.config.SustainedSamples {
		recent := ring.last(c.config.SustainedSamples)
		raised = c.evaluateAlertsLocked(nodeID, recent, sample.Timestamp)
	}
	c.samplesMu.Unlock()

	c.samplesRecorded.Add(1)

	for _, alert := range raised {
		c.alertsRaised.Add(1)
		if alert.Severity == mesh.SeverityCritical {
			c.logger.Warn("Performance alert",
				"node_id", alert.NodeID,
				"metric", alert.Metric,
				"severity", alert.Severity,
				"value", alert.Value)
		} else {
			c.logger.Info("Performance alert",
				"node_id", alert.NodeID,
				"metric", alert.Metric,
				"severity", alert.Severity,
				"value", alert.Value)
		}
		c.publish(mesh.PerformanceAlertEvent{Alert: alert})
		if alert.Severity == mesh.SeverityCritical {
			c.publish(mesh.SystemFailoverEvent{
				NodeID: alert.NodeID,
				Metric: alert.Metric,
				Value:  alert.Value,
			})
		}
	}
}

// evaluateAlertsLocked applies the sustained-threshold rules to the most
// recent samples and reconciles the armed-alert state. An alert fires only
// when a (metric, severity) condition arms; it stays suppressed until the
// condition clears or changes severity. Caller holds samplesMu.
func (c *Component) evaluateAlertsLocked(nodeID string, recent []mesh.Sample, at time.Time) []mesh.Alert {
	latest := recent[len(recent)-1]

	checks := []struct {
		metric mesh.MetricField
		value  float64
	}{
		{mesh.MetricCPU, latest.CPU},
		{mesh.MetricMemory, latest.Memory},
		{mesh.MetricErrorRate, latest.ErrorRate},
	}

	armed := c.armed[nodeID]
	var raised []mesh.Alert
	for _, check := range checks {
		severity := c.gradeSustained(recent, check.metric)
		if severity == armed[check.metric] {
			continue
		}
		if severity == "" {
			delete(armed, check.metric)
			continue
		}
		if armed == nil {
			armed = make(map[mesh.MetricField]mesh.AlertSeverity)
			c.armed[nodeID] = armed
		}
		armed[check.metric] = severity
		raised = append(raised, mesh.Alert{
			NodeID:   nodeID,
			Severity: severity,
			Metric:   check.metric,
			Value:    check.value,
			At:       at,
		})
	}
	if len(armed) == 0 {
		delete(c.armed, nodeID)
	}
	return raised
}

// gradeSustained grades a metric that stayed past its threshold for every
// recent sample. An empty severity means the condition is clear. A warning
// threshold below zero disables the warning tier.
func (c *Component) gradeSustained(recent []mesh.Sample, metric mesh.MetricField) mesh.AlertSeverity {
	var warning, critical float64
	switch metric {
	case mesh.MetricCPU:
		warning, critical = c.config.CPUWarning, c.config.CPUCritical
	case mesh.MetricMemory:
		warning, critical = c.config.MemoryWarning, c.config.MemoryCritical
	case mesh.MetricErrorRate:
		warning, critical = -1, c.config.ErrorRateCritical
	default:
		return ""
	}

	lowest := math.MaxFloat64
	for _, s := range recent {
		v, ok := fieldValue(s, metric)
		if !ok {
			return ""
		}
		if v < lowest {
			lowest = v
		}
	}

	switch {
	case lowest > critical:
		return mesh.SeverityCritical
	case warning >= 0 && lowest > warning:
		return mesh.SeverityWarning
	default:
		return ""
	}
}

// GetMetrics returns the retained samples for a node, oldest first.
func (c *Component) GetMetrics(nodeID string) []mesh.Sample {
	c.samplesMu.RLock()
	defer c.samplesMu.RUnlock()

	ring, ok := c.rings[nodeID]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// LatestSample returns the node's most recent sample. The second return is
// false when the node has never reported.
func (c *Component) LatestSample(nodeID string) (mesh.Sample, bool) {
	c.samplesMu.RLock()
	defer c.samplesMu.RUnlock()

	ring, ok := c.rings[nodeID]
	if !ok {
		return mesh.Sample{}, false
	}
	return ring.latest()
}

// CalculateTrend classifies the direction of a metric over the node's most
// recent samples. Fewer than three samples always read as stable.
func (c *Component) CalculateTrend(nodeID string, field mesh.MetricField) mesh.Trend {
	c.samplesMu.RLock()
	var recent []mesh.Sample
	if ring, ok := c.rings[nodeID]; ok {
		recent = ring.last(c.config.TrendWindow)
	}
	c.samplesMu.RUnlock()

	if len(recent) < 3 {
		return mesh.TrendStable
	}

	values := make([]float64, 0, len(recent))
	for _, s := range recent {
		v, ok := fieldValue(s, field)
		if !ok {
			return mesh.TrendStable
		}
		values = append(values, v)
	}
	return classifyTrend(field, slope(values))
}

// GetSummary aggregates the latest sample of every tracked node.
func (c *Component) GetSummary() mesh.FleetSummary {
	c.samplesMu.RLock()
	defer c.samplesMu.RUnlock()

	var sum mesh.FleetSummary
	for _, ring := range c.rings {
		latest, ok := ring.latest()
		if !ok {
			continue
		}
		sum.Nodes++
		sum.AverageCPU += latest.CPU
		sum.AverageMemory += latest.Memory
		sum.TotalThroughput += latest.Throughput
		sum.AverageErrorRate += latest.ErrorRate
	}
	if sum.Nodes > 0 {
		n := float64(sum.Nodes)
		sum.AverageCPU /= n
		sum.AverageMemory /= n
		sum.AverageErrorRate /= n
	}
	return sum
}

// Forget drops a node's samples and armed alerts, typically after the
// registry evicts the node.
func (c *Component) Forget(nodeID string) {
	c.samplesMu.Lock()
	delete(c.rings, nodeID)
	delete(c.armed, nodeID)
	c.samplesMu.Unlock()
}

// Start begins the periodic summary sweep.
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

	go c.sweepLoop(subCtx)

	c.logger.Info("perf-monitor started",
		"monitoring_interval", c.config.MonitoringInterval,
		"window_size", c.config.WindowSize)

	return nil
}

// sweepLoop publishes the fleet summary each interval and drops state for
// nodes that leave the registry.
func (c *Component) sweepLoop(ctx context.Context) {
	sub := c.bus.Subscribe(16, mesh.EventNodeLeft)
	defer sub.Close()

	ticker := time.NewTicker(c.config.MonitoringInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.sweep()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if left, isLeft := e.(mesh.NodeLeftEvent); isLeft {
				c.Forget(left.NodeID)
			}
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep publishes one fleet summary as a system status event.
func (c *Component) sweep() {
	c.summariesPublished.Add(1)
	c.updateLastSweep()

	status := mesh.SystemStatusEvent{Summary: c.GetSummary()}
	if c.queueStats != nil {
		status.QueuedTasks, status.ActiveTasks = c.queueStats()
	}
	c.publish(status)

	c.logger.Debug("Published fleet summary",
		"nodes", status.Summary.Nodes,
		"average_cpu", status.Summary.AverageCPU,
		"total_throughput", status.Summary.TotalThroughput)
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
	c.logger.Info("perf-monitor stopped",
		"samples_recorded", c.samplesRecorded.Load(),
		"alerts_raised", c.alertsRaised.Load(),
		"summaries_published", c.summariesPublished.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "perf-monitor",
		Type:        "processor",
		Description: "Tracks worker performance samples, trends, and threshold alerts",
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
	return monitorSchema
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
		LastActivity:      c.getLastSweep(),
	}
}

func (c *Component) updateLastSweep() {
	c.lastSweepMu.Lock()
	c.lastSweep = time.Now()
	c.lastSweepMu.Unlock()
}

func (c *Component) getLastSweep() time.Time {
	c.lastSweepMu.RLock()
	defer c.lastSweepMu.RUnlock()
	return c.lastSweep
}
