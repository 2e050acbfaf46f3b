package taskrouter

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the task router component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "task-router",
		Factory:     NewComponent,
		Schema:      routerSchema,
		Type:        "processor",
		Protocol:    "mesh",
		Domain:      "orchestration",
		Description: "Routes submitted tasks to workers by load, latency, and capability",
		Version:     "0.1.0",
	})
}
