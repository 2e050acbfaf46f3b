package mesh

import "time"

// Sample is one performance observation for a worker node, ingested from
// heartbeat metrics or METRICS_REPORT messages.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`

	// CPU and Memory are utilization percentages, 0..100.
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`

	// LatencyMs is the worker-observed request latency.
	LatencyMs float64 `json:"latency_ms"`

	// ErrorRate is a percentage, 0..100.
	ErrorRate float64 `json:"error_rate"`

	// Throughput is tasks per second as reported by the worker.
	Throughput float64 `json:"throughput"`
}

// MetricField names a Sample field for trend queries.
type MetricField string

// Trendable metric fields.
const (
	MetricCPU        MetricField = "cpu"
	MetricMemory     MetricField = "memory"
	MetricLatency    MetricField = "latency"
	MetricErrorRate  MetricField = "errorRate"
	MetricThroughput MetricField = "throughput"
)

// Trend classifies the direction of a metric over recent samples.
type Trend string

// Trend directions. "Improving" is relative to the metric's polarity:
// falling latency or error rate improves, rising throughput improves.
const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// AlertSeverity grades a performance alert.
type AlertSeverity string

// Alert severities.
const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is raised when a metric stays past its threshold for the last
// three samples of a node.
type Alert struct {
	NodeID   string        `json:"node_id"`
	Severity AlertSeverity `json:"severity"`
	Metric   MetricField   `json:"metric"`
	Value    float64       `json:"value"`
	At       time.Time     `json:"at"`
}

// FleetSummary aggregates the latest samples across all tracked nodes.
type FleetSummary struct {
	Nodes            int     `json:"nodes"`
	AverageCPU       float64 `json:"average_cpu"`
	AverageMemory    float64 `json:"average_memory"`
	TotalThroughput  float64 `json:"total_throughput"`
	AverageErrorRate float64 `json:"average_error_rate"`
}
