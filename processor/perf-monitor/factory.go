package perfmonitor

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the performance monitor component with the given
// registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "perf-monitor",
		Factory:     NewComponent,
		Schema:      monitorSchema,
		Type:        "processor",
		Protocol:    "mesh",
		Domain:      "orchestration",
		Description: "Tracks worker performance samples, trends, and threshold alerts",
		Version:     "0.1.0",
	})
}
