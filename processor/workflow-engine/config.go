package workflowengine

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// engineSchema defines the configuration schema.
var engineSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the workflow engine component.
type Config struct {
	// Seed drives hash-based parameter fill and decision branches for
	// workflows that do not carry their own seed. The integrator supplies
	// the persisted deterministic seed here.
	Seed string `json:"seed,omitempty"`

	// ExecutionHistory caps how many finished executions stay queryable in
	// memory; the oldest are dropped first. Running executions are always
	// retained.
	ExecutionHistory int `json:"execution_history"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ExecutionHistory: 1000,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ExecutionHistory < 1 {
		return fmt.Errorf("execution_history must be at least 1")
	}
	return nil
}
