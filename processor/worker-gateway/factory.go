package workergateway

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the worker gateway component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "worker-gateway",
		Factory:     NewComponent,
		Schema:      gatewaySchema,
		Type:        "processor",
		Protocol:    "mesh",
		Domain:      "orchestration",
		Description: "Bridges the wire protocol between the orchestrator and its workers over NATS",
		Version:     "0.1.0",
	})
}
