package perfmonitor

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskmesh/mesh"
)

// monitorSchema defines the configuration schema.
var monitorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the performance monitor component.
type Config struct {
	// WindowSize is how many samples are retained per node.
	WindowSize int `json:"window_size"`

	// TrendWindow is how many recent samples feed the trend slope.
	TrendWindow int `json:"trend_window"`

	// SustainedSamples is how many consecutive samples must breach a
	// threshold before an alert fires.
	SustainedSamples int `json:"sustained_samples"`

	// MonitoringInterval is how often the fleet summary sweep runs.
	MonitoringInterval time.Duration `json:"monitoring_interval"`

	// CPUWarning and CPUCritical are utilization thresholds in percent.
	CPUWarning  float64 `json:"cpu_warning"`
	CPUCritical float64 `json:"cpu_critical"`

	// MemoryWarning and MemoryCritical are utilization thresholds in percent.
	MemoryWarning  float64 `json:"memory_warning"`
	MemoryCritical float64 `json:"memory_critical"`

	// ErrorRateCritical is the error-rate percentage above which a node
	// raises a critical alert. Error rate has no warning tier.
	ErrorRateCritical float64 `json:"error_rate_critical"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:         100,
		TrendWindow:        10,
		SustainedSamples:   3,
		MonitoringInterval: 30 * time.Second,
		CPUWarning:         75,
		CPUCritical:        90,
		MemoryWarning:      75,
		MemoryCritical:     90,
		ErrorRateCritical:  5,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "worker-metrics",
					Type:        "jetstream",
					Subject:     mesh.SubjectIngress,
					StreamName:  mesh.StreamIngress,
					Description: "Heartbeat and metrics samples relayed by the registry",
					Required:    false,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "performance-alerts",
					Type:        "nats",
					Subject:     mesh.SubjectEventAlert,
					Description: "Threshold alerts republished by the observer bridge",
					Required:    false,
				},
				{
					Name:        "system-status",
					Type:        "nats",
					Subject:     mesh.SubjectEventSystemStatus,
					Description: "Periodic fleet summary",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1")
	}
	if c.TrendWindow < 3 {
		return fmt.Errorf("trend_window must be at least 3")
	}
	if c.SustainedSamples < 1 {
		return fmt.Errorf("sustained_samples must be at least 1")
	}
	if c.MonitoringInterval <= 0 {
		return fmt.Errorf("monitoring_interval must be positive")
	}
	if c.CPUWarning <= 0 || c.CPUCritical <= c.CPUWarning {
		return fmt.Errorf("cpu thresholds must satisfy 0 < warning < critical")
	}
	if c.MemoryWarning <= 0 || c.MemoryCritical <= c.MemoryWarning {
		return fmt.Errorf("memory thresholds must satisfy 0 < warning < critical")
	}
	if c.ErrorRateCritical <= 0 {
		return fmt.Errorf("error_rate_critical must be positive")
	}
	return nil
}
