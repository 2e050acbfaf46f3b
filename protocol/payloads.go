package protocol

import (
	"encoding/json"
	"time"

	"github.com/c360studio/taskmesh/mesh"
)

// Payload bodies for the wire message types. The envelope's type field
// selects the shape, so payloads do not self-describe. Top-level field
// names are camelCase per the wire contract; embedded domain objects keep
// their canonical encoding.

// HandshakePayload announces a worker joining the mesh.
type HandshakePayload struct {
	NodeID        string   `json:"nodeId"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"maxConcurrent"`
	Version       string   `json:"version,omitempty"`
}

// HeartbeatPayload is the periodic worker liveness report. It carries the
// worker's load counter plus a condensed performance sample.
type HeartbeatPayload struct {
	NodeID      string  `json:"nodeId"`
	CurrentLoad int     `json:"currentLoad"`
	CPU         float64 `json:"cpu"`
	Memory      float64 `json:"memory"`
	LatencyMs   float64 `json:"latencyMs"`
	ErrorRate   float64 `json:"errorRate"`
	Throughput  float64 `json:"throughput"`
}

// Sample converts the heartbeat metrics into a domain sample stamped at t.
func (p *HeartbeatPayload) Sample(t time.Time) mesh.Sample {
	return mesh.Sample{
		Timestamp:  t,
		CPU:        p.CPU,
		Memory:     p.Memory,
		LatencyMs:  p.LatencyMs,
		ErrorRate:  p.ErrorRate,
		Throughput: p.Throughput,
	}
}

// DisconnectPayload announces a worker leaving the mesh.
type DisconnectPayload struct {
	NodeID string `json:"nodeId"`
	Reason string `json:"reason,omitempty"`
}

// TaskRequestPayload submits a task from the worker side of the mesh. The
// gateway feeds it to the router and the reply carries the accepted task id.
type TaskRequestPayload struct {
	Task mesh.Task `json:"task"`
}

// TaskAssignPayload delivers a task and its routing decision to a worker.
type TaskAssignPayload struct {
	Task     mesh.Task            `json:"task"`
	Decision mesh.RoutingDecision `json:"routingDecision"`
}

// TaskAcceptPayload acknowledges an assignment; it resolves the router's
// pending send.
type TaskAcceptPayload struct {
	TaskID string `json:"taskId"`
	NodeID string `json:"nodeId"`
}

// TaskRejectPayload refuses or revokes an assignment. Workers send it when
// they cannot take a task; the router sends it to revoke a cancelled one.
type TaskRejectPayload struct {
	TaskID string `json:"taskId"`
	NodeID string `json:"nodeId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TaskProgressPayload reports fractional progress on an assigned task.
type TaskProgressPayload struct {
	TaskID   string  `json:"taskId"`
	NodeID   string  `json:"nodeId"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// TaskCompletePayload reports successful completion with the task result.
type TaskCompletePayload struct {
	TaskID     string          `json:"taskId"`
	NodeID     string          `json:"nodeId"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// TaskFailPayload reports a terminal failure on the worker.
type TaskFailPayload struct {
	TaskID string `json:"taskId"`
	NodeID string `json:"nodeId"`
	Error  string `json:"error"`
}

// CapabilityUpdatePayload broadcasts fleet membership changes to workers.
type CapabilityUpdatePayload struct {
	NodeID       string   `json:"nodeId"`
	Capabilities []string `json:"capabilities"`

	// Action is "registered" or "unregistered".
	Action string `json:"action"`
}

// Capability update actions.
const (
	CapabilityRegistered   = "registered"
	CapabilityUnregistered = "unregistered"
)

// LoadReportPayload carries a worker's current load counter.
type LoadReportPayload struct {
	NodeID string `json:"nodeId"`
	Load   int    `json:"load"`
}

// RecoveryRequestPayload asks the registry to re-admit an offline worker.
type RecoveryRequestPayload struct {
	NodeID string `json:"nodeId"`
	Reason string `json:"reason,omitempty"`
}

// RecoveryResponsePayload lists capability-compatible peers that can cover
// the requester while it recovers.
type RecoveryResponsePayload struct {
	AvailableNodes []string `json:"availableNodes"`
}

// MetricsReportPayload carries a full performance sample outside the
// heartbeat cadence.
type MetricsReportPayload struct {
	NodeID     string  `json:"nodeId"`
	CPU        float64 `json:"cpu"`
	Memory     float64 `json:"memory"`
	LatencyMs  float64 `json:"latencyMs"`
	ErrorRate  float64 `json:"errorRate"`
	Throughput float64 `json:"throughput"`
}

// Sample converts the report into a domain sample stamped at t.
func (p *MetricsReportPayload) Sample(t time.Time) mesh.Sample {
	return mesh.Sample{
		Timestamp:  t,
		CPU:        p.CPU,
		Memory:     p.Memory,
		LatencyMs:  p.LatencyMs,
		ErrorRate:  p.ErrorRate,
		Throughput: p.Throughput,
	}
}

// LatencyProbePayload measures round-trip time to a worker. SentAt is unix
// milliseconds on the prober's clock.
type LatencyProbePayload struct {
	SentAt int64 `json:"sentAt"`
}

// LatencyResponsePayload echoes a probe so the prober can compute RTT from
// its own clock.
type LatencyResponsePayload struct {
	NodeID string `json:"nodeId"`
	SentAt int64  `json:"sentAt"`
}

// DecodePayload unmarshals an envelope payload into the given shape.
func DecodePayload[T any](msg *Message) (T, error) {
	var out T
	if len(msg.Payload) == 0 {
		return out, mesh.Errorf(mesh.KindInvalidMessage, "protocol.decode",
			"message %s of type %s has no payload", msg.ID, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, mesh.NewError(mesh.KindInvalidMessage, "protocol.decode", err)
	}
	return out, nil
}
