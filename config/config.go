// Package config provides configuration loading and management for taskmesh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutingLeastLoaded, RoutingRoundRobin, RoutingDeterministic, and
// RoutingCapabilityMatch enumerate the router's node selection strategies.
const (
	RoutingLeastLoaded     = "least-loaded"
	RoutingRoundRobin      = "round-robin"
	RoutingDeterministic   = "deterministic"
	RoutingCapabilityMatch = "capability-match"
)

// Config represents the complete taskmesh configuration.
type Config struct {
	Mesh    Options       `yaml:"mesh"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`

	// NodesFile is the worker catalog (nodes.yaml), resolved relative to
	// the config file when loaded from disk.
	NodesFile string `yaml:"nodesFile"`
	// WorkflowsFile is the tool/constraint catalog (workflows.yaml).
	WorkflowsFile string `yaml:"workflowsFile"`
}

// Options holds the orchestrator tunables. Field names follow the
// documented option surface; millisecond values expose duration
// accessors for call sites.
type Options struct {
	// MessageTimeoutMs is the per-send retry window.
	MessageTimeoutMs int `yaml:"messageTimeoutMs"`
	// HeartbeatIntervalMs is how often workers report in.
	HeartbeatIntervalMs int `yaml:"heartbeatIntervalMs"`
	// HeartbeatTimeoutMs marks a silent node DEGRADED; twice this marks
	// it OFFLINE.
	HeartbeatTimeoutMs int `yaml:"heartbeatTimeout"`
	// MaxRetries is the protocol send retry budget.
	MaxRetries int `yaml:"maxRetries"`
	// CompressionThreshold is the payload size in bytes above which
	// message payloads are compressed.
	CompressionThreshold int  `yaml:"compressionThreshold"`
	EnableCompression    bool `yaml:"enableCompression"`
	// BatchSize caps how many telemetry messages share one carrier.
	BatchSize int `yaml:"batchSize"`
	// BatchIntervalMs flushes partial batches on this cadence.
	BatchIntervalMs int `yaml:"batchInterval"`
	// MaxConcurrentPerNode caps active assignments per worker.
	MaxConcurrentPerNode int `yaml:"maxConcurrentPerNode"`
	// TaskTimeoutMs fails a dispatched task with no terminal report.
	TaskTimeoutMs int `yaml:"taskTimeoutMs"`
	// DeterministicSeed pins derived ids and parameter generation. When
	// empty a seed is generated at first start and persisted so replays
	// stay stable.
	DeterministicSeed string `yaml:"deterministicSeed"`
	// MonitoringIntervalMs is the performance summary cadence.
	MonitoringIntervalMs int     `yaml:"monitoringInterval"`
	AlertCPUWarning      float64 `yaml:"alertCpuWarning"`
	AlertCPUCritical     float64 `yaml:"alertCpuCritical"`
	AlertMemoryWarning   float64 `yaml:"alertMemoryWarning"`
	AlertMemoryCritical  float64 `yaml:"alertMemoryCritical"`
	// RoutingStrategy selects how the router picks among candidates.
	RoutingStrategy string `yaml:"routingStrategy"`
	// DedupWindow is how many recent message ids receivers remember.
	DedupWindow int `yaml:"dedupWindow"`
	// OfflineEvictionMultiplier times the heartbeat timeout is how long
	// an OFFLINE node lingers before the registry evicts it.
	OfflineEvictionMultiplier int `yaml:"offlineEvictionMultiplier"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the
	// endpoint.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mesh: Options{
			MessageTimeoutMs:          30000,
			HeartbeatIntervalMs:       10000,
			HeartbeatTimeoutMs:        30000,
			MaxRetries:                3,
			CompressionThreshold:      1024,
			EnableCompression:         true,
			BatchSize:                 10,
			BatchIntervalMs:           100,
			MaxConcurrentPerNode:      5,
			TaskTimeoutMs:             300000,
			DeterministicSeed:         "",
			MonitoringIntervalMs:      30000,
			AlertCPUWarning:           75,
			AlertCPUCritical:          90,
			AlertMemoryWarning:        75,
			AlertMemoryCritical:       90,
			RoutingStrategy:           RoutingCapabilityMatch,
			DedupWindow:               10000,
			OfflineEvictionMultiplier: 10,
		},
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
		},
		Metrics: MetricsConfig{
			Addr: ":2112",
		},
		NodesFile:     "nodes.yaml",
		WorkflowsFile: "workflows.yaml",
	}
}

// MessageTimeout returns messageTimeoutMs as a duration.
func (o *Options) MessageTimeout() time.Duration {
	return time.Duration(o.MessageTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns heartbeatIntervalMs as a duration.
func (o *Options) HeartbeatInterval() time.Duration {
	return time.Duration(o.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns heartbeatTimeout as a duration.
func (o *Options) HeartbeatTimeout() time.Duration {
	return time.Duration(o.HeartbeatTimeoutMs) * time.Millisecond
}

// BatchInterval returns batchInterval as a duration.
func (o *Options) BatchInterval() time.Duration {
	return time.Duration(o.BatchIntervalMs) * time.Millisecond
}

// TaskTimeout returns taskTimeoutMs as a duration.
func (o *Options) TaskTimeout() time.Duration {
	return time.Duration(o.TaskTimeoutMs) * time.Millisecond
}

// MonitoringInterval returns monitoringInterval as a duration.
func (o *Options) MonitoringInterval() time.Duration {
	return time.Duration(o.MonitoringIntervalMs) * time.Millisecond
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	o := &c.Mesh
	if o.MessageTimeoutMs <= 0 {
		return fmt.Errorf("mesh.messageTimeoutMs must be positive")
	}
	if o.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("mesh.heartbeatIntervalMs must be positive")
	}
	if o.HeartbeatTimeoutMs < 0 {
		return fmt.Errorf("mesh.heartbeatTimeout must not be negative")
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("mesh.maxRetries must not be negative")
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("mesh.batchSize must be at least 1")
	}
	if o.MaxConcurrentPerNode < 1 {
		return fmt.Errorf("mesh.maxConcurrentPerNode must be at least 1")
	}
	if o.TaskTimeoutMs <= 0 {
		return fmt.Errorf("mesh.taskTimeoutMs must be positive")
	}
	if o.DedupWindow < 1 {
		return fmt.Errorf("mesh.dedupWindow must be at least 1")
	}
	if o.OfflineEvictionMultiplier < 1 {
		return fmt.Errorf("mesh.offlineEvictionMultiplier must be at least 1")
	}
	for name, v := range map[string]float64{
		"alertCpuWarning":     o.AlertCPUWarning,
		"alertCpuCritical":    o.AlertCPUCritical,
		"alertMemoryWarning":  o.AlertMemoryWarning,
		"alertMemoryCritical": o.AlertMemoryCritical,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("mesh.%s must be between 0 and 100", name)
		}
	}
	if o.AlertCPUWarning > o.AlertCPUCritical {
		return fmt.Errorf("mesh.alertCpuWarning exceeds alertCpuCritical")
	}
	if o.AlertMemoryWarning > o.AlertMemoryCritical {
		return fmt.Errorf("mesh.alertMemoryWarning exceeds alertMemoryCritical")
	}
	switch o.RoutingStrategy {
	case RoutingLeastLoaded, RoutingRoundRobin, RoutingDeterministic, RoutingCapabilityMatch:
	default:
		return fmt.Errorf("mesh.routingStrategy %q is not one of least-loaded, round-robin, deterministic, capability-match", o.RoutingStrategy)
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Values present in
// the file override defaults; absent keys keep them.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.resolvePaths(filepath.Dir(path))

	return config, nil
}

// resolvePaths anchors relative catalog paths at the config file's
// directory.
func (c *Config) resolvePaths(dir string) {
	if c.NodesFile != "" && !filepath.IsAbs(c.NodesFile) {
		c.NodesFile = filepath.Join(dir, c.NodesFile)
	}
	if c.WorkflowsFile != "" && !filepath.IsAbs(c.WorkflowsFile) {
		c.WorkflowsFile = filepath.Join(dir, c.WorkflowsFile)
	}
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one. Non-zero values in other
// take precedence; EnableCompression is only copied when other differs
// from the zero struct default, so layered files should prefer
// overlay-unmarshal (see Loader).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	mergeInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	mergeFloat := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}

	mergeInt(&c.Mesh.MessageTimeoutMs, other.Mesh.MessageTimeoutMs)
	mergeInt(&c.Mesh.HeartbeatIntervalMs, other.Mesh.HeartbeatIntervalMs)
	mergeInt(&c.Mesh.HeartbeatTimeoutMs, other.Mesh.HeartbeatTimeoutMs)
	mergeInt(&c.Mesh.MaxRetries, other.Mesh.MaxRetries)
	mergeInt(&c.Mesh.CompressionThreshold, other.Mesh.CompressionThreshold)
	mergeInt(&c.Mesh.BatchSize, other.Mesh.BatchSize)
	mergeInt(&c.Mesh.BatchIntervalMs, other.Mesh.BatchIntervalMs)
	mergeInt(&c.Mesh.MaxConcurrentPerNode, other.Mesh.MaxConcurrentPerNode)
	mergeInt(&c.Mesh.TaskTimeoutMs, other.Mesh.TaskTimeoutMs)
	mergeInt(&c.Mesh.MonitoringIntervalMs, other.Mesh.MonitoringIntervalMs)
	mergeInt(&c.Mesh.DedupWindow, other.Mesh.DedupWindow)
	mergeInt(&c.Mesh.OfflineEvictionMultiplier, other.Mesh.OfflineEvictionMultiplier)
	mergeFloat(&c.Mesh.AlertCPUWarning, other.Mesh.AlertCPUWarning)
	mergeFloat(&c.Mesh.AlertCPUCritical, other.Mesh.AlertCPUCritical)
	mergeFloat(&c.Mesh.AlertMemoryWarning, other.Mesh.AlertMemoryWarning)
	mergeFloat(&c.Mesh.AlertMemoryCritical, other.Mesh.AlertMemoryCritical)
	if other.Mesh.DeterministicSeed != "" {
		c.Mesh.DeterministicSeed = other.Mesh.DeterministicSeed
	}
	if other.Mesh.RoutingStrategy != "" {
		c.Mesh.RoutingStrategy = other.Mesh.RoutingStrategy
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
	if other.NodesFile != "" {
		c.NodesFile = other.NodesFile
	}
	if other.WorkflowsFile != "" {
		c.WorkflowsFile = other.WorkflowsFile
	}
}
