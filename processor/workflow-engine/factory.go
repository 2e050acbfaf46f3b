package workflowengine

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the workflow engine component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "workflow-engine",
		Factory:     NewComponent,
		Schema:      engineSchema,
		Type:        "processor",
		Protocol:    "mesh",
		Domain:      "orchestration",
		Description: "Executes workflow DAGs deterministically with seeded parameters and retry policies",
		Version:     "0.1.0",
	})
}
