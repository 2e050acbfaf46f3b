package noderegistry

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskmesh/mesh"
)

// registrySchema defines the configuration schema.
var registrySchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Selection strategies for FindBestNodeForTask.
const (
	StrategyLeastLoaded     = "least-loaded"
	StrategyRoundRobin      = "round-robin"
	StrategyDeterministic   = "deterministic"
	StrategyCapabilityMatch = "capability-match"
)

// Config holds configuration for the node registry component.
type Config struct {
	// HeartbeatTimeout is how stale a node's heartbeat may grow before the
	// node degrades. Twice this takes the node offline.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`

	// MaintenanceInterval is how often the health scan runs.
	MaintenanceInterval time.Duration `json:"maintenance_interval"`

	// OfflineEvictionMultiplier scales HeartbeatTimeout into the offline
	// dwell time after which a node's record is evicted.
	OfflineEvictionMultiplier int `json:"offline_eviction_multiplier"`

	// DefaultMaxConcurrent is the slot count assumed for workers that do
	// not declare one.
	DefaultMaxConcurrent int `json:"default_max_concurrent"`

	// LatencyAlpha is the EMA weight of the newest latency observation,
	// in (0, 1].
	LatencyAlpha float64 `json:"latency_alpha"`

	// Strategy selects the FindBestNodeForTask policy.
	Strategy string `json:"strategy"`

	// Seed feeds the deterministic strategy's mixing hash.
	Seed string `json:"seed,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:          30 * time.Second,
		MaintenanceInterval:       5 * time.Second,
		OfflineEvictionMultiplier: 10,
		DefaultMaxConcurrent:      5,
		LatencyAlpha:              0.3,
		Strategy:                  StrategyCapabilityMatch,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "worker-control",
					Type:        "jetstream",
					Subject:     mesh.SubjectIngress,
					StreamName:  mesh.StreamIngress,
					Description: "Handshake, heartbeat, disconnect, and recovery traffic",
					Required:    false,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "capability-updates",
					Type:        "nats",
					Subject:     mesh.SubjectBroadcast,
					Description: "Fleet-wide capability update notices",
					Required:    false,
				},
				{
					Name:        "node-events",
					Type:        "nats",
					Subject:     mesh.SubjectEventNodeOffline,
					Description: "Offline and eviction notices for observers",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance_interval must be positive")
	}
	if c.OfflineEvictionMultiplier < 1 {
		return fmt.Errorf("offline_eviction_multiplier must be at least 1")
	}
	if c.DefaultMaxConcurrent < 1 {
		return fmt.Errorf("default_max_concurrent must be at least 1")
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		return fmt.Errorf("latency_alpha must be in (0, 1]")
	}
	switch c.Strategy {
	case StrategyLeastLoaded, StrategyRoundRobin, StrategyDeterministic, StrategyCapabilityMatch:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.Strategy == StrategyDeterministic && c.Seed == "" {
		return fmt.Errorf("deterministic strategy requires a seed")
	}
	return nil
}
