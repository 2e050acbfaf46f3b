package workergateway

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/taskmesh/mesh"
	"github.com/c360studio/taskmesh/protocol"
)

// gatewaySchema defines the configuration schema.
var gatewaySchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the worker gateway component. The protocol
// tuning fields map one to one onto the endpoint the gateway runs.
type Config struct {
	// Source is the protocol identity stamped on orchestrator messages.
	Source string `json:"source"`

	// MessageTimeout is the reply wait before the first retransmit of a
	// reliable send.
	MessageTimeout time.Duration `json:"message_timeout"`

	// MaxRetries is the retransmit budget per reliable send.
	MaxRetries int `json:"max_retries"`

	// CompressionThreshold is the payload size in bytes above which
	// outbound payloads are compressed.
	CompressionThreshold int `json:"compression_threshold"`

	// EnableCompression turns outbound payload compression on.
	EnableCompression bool `json:"enable_compression"`

	// BatchSize caps how many fire-and-forget messages share one carrier.
	BatchSize int `json:"batch_size"`

	// BatchInterval is the queue flush period for partial batches.
	BatchInterval time.Duration `json:"batch_interval"`

	// DedupWindow is how many recently seen inbound message ids are
	// remembered.
	DedupWindow int `json:"dedup_window"`

	// IngressStream is the JetStream stream buffering worker envelopes.
	IngressStream string `json:"ingress_stream"`

	// IngressSubject is the subject workers publish their envelopes to.
	IngressSubject string `json:"ingress_subject"`

	// ConsumerName names the durable ingress consumer.
	ConsumerName string `json:"consumer_name"`

	// FetchBatch is the number of envelopes requested per ingress fetch.
	FetchBatch int `json:"fetch_batch"`

	// FetchMaxWait bounds how long an empty ingress fetch blocks.
	FetchMaxWait time.Duration `json:"fetch_max_wait"`

	// AckWait is how long JetStream waits for an ack before redelivering.
	AckWait time.Duration `json:"ack_wait"`

	// ProbeInterval is the latency probe period for the tracked fleet.
	ProbeInterval time.Duration `json:"probe_interval"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// protocolConfig maps the gateway tuning onto an endpoint config.
func (c *Config) protocolConfig() protocol.Config {
	return protocol.Config{
		Source:               c.Source,
		MessageTimeout:       c.MessageTimeout,
		MaxRetries:           c.MaxRetries,
		CompressionThreshold: c.CompressionThreshold,
		EnableCompression:    c.EnableCompression,
		BatchSize:            c.BatchSize,
		BatchInterval:        c.BatchInterval,
		DedupWindow:          c.DedupWindow,
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Source:               "orchestrator",
		MessageTimeout:       30 * time.Second,
		MaxRetries:           3,
		CompressionThreshold: 1024,
		EnableCompression:    true,
		BatchSize:            10,
		BatchInterval:        100 * time.Millisecond,
		DedupWindow:          10000,
		IngressStream:        mesh.StreamIngress,
		IngressSubject:       mesh.SubjectIngress,
		ConsumerName:         "worker-gateway",
		FetchBatch:           16,
		FetchMaxWait:         2 * time.Second,
		AckWait:              30 * time.Second,
		ProbeInterval:        30 * time.Second,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "worker-ingress",
					Type:        "jetstream",
					Subject:     mesh.SubjectIngress,
					StreamName:  mesh.StreamIngress,
					Description: "Protocol envelopes published by workers",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "node-inboxes",
					Type:        "nats",
					Subject:     "mesh.node.*.inbox",
					Description: "Directed envelopes to individual workers",
					Required:    true,
				},
				{
					Name:        "broadcast",
					Type:        "nats",
					Subject:     mesh.SubjectBroadcast,
					Description: "Fleet-wide envelopes",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if c.MessageTimeout <= 0 {
		return fmt.Errorf("message_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.IngressStream == "" {
		return fmt.Errorf("ingress_stream is required")
	}
	if c.IngressSubject == "" {
		return fmt.Errorf("ingress_subject is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.FetchBatch < 1 {
		return fmt.Errorf("fetch_batch must be at least 1")
	}
	if c.FetchMaxWait <= 0 {
		return fmt.Errorf("fetch_max_wait must be positive")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("ack_wait must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	return nil
}
