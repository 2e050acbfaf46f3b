package noderegistry

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the node registry component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "node-registry",
		Factory:     NewComponent,
		Schema:      registrySchema,
		Type:        "processor",
		Protocol:    "mesh",
		Domain:      "orchestration",
		Description: "Tracks worker nodes, health transitions, and selection strategies",
		Version:     "0.1.0",
	})
}
