package taskrouter

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskmesh/mesh"
)

// routerSchema defines the configuration schema.
var routerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task router component.
type Config struct {
	// ProcessInterval is the routing tick period.
	ProcessInterval time.Duration `json:"process_interval"`

	// WakePriority is the submission priority at which the routing loop
	// wakes immediately instead of waiting for the next tick.
	WakePriority int `json:"wake_priority"`

	// MaxConcurrentPerNode caps how many assignments the router holds on
	// one worker at a time. Zero admits no work, which is a valid way to
	// drain the mesh.
	MaxConcurrentPerNode int `json:"max_concurrent_per_node"`

	// TaskTimeout bounds execution of tasks that do not declare their own
	// timeout_ms.
	TaskTimeout time.Duration `json:"task_timeout"`

	// ResultHistory is how many finished task results stay queryable.
	ResultHistory int `json:"result_history"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ProcessInterval:      time.Second,
		WakePriority:         8,
		MaxConcurrentPerNode: 5,
		TaskTimeout:          300 * time.Second,
		ResultHistory:        1000,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "task-submissions",
					Type:        "jetstream",
					Subject:     mesh.TaskSubmitSubject(0),
					StreamName:  mesh.StreamTasks,
					Description: "Priority-banded submitted-task queue",
					Required:    false,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "task-events",
					Type:        "nats",
					Subject:     mesh.SubjectEventTaskAssigned,
					Description: "Assignment, completion, and failure notices for observers",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ProcessInterval <= 0 {
		return fmt.Errorf("process_interval must be positive")
	}
	if c.WakePriority < 0 || c.WakePriority > 10 {
		return fmt.Errorf("wake_priority must be in 0..10")
	}
	if c.MaxConcurrentPerNode < 0 {
		return fmt.Errorf("max_concurrent_per_node must not be negative")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive")
	}
	if c.ResultHistory < 1 {
		return fmt.Errorf("result_history must be at least 1")
	}
	return nil
}
