// Package protocol implements the reliable messaging layer between the
// orchestrator and its workers: framed JSON envelopes with integrity
// checksums and per-sender sequence numbers, at-least-once delivery with
// exponential retry, TTL expiry, duplicate suppression, batching, and
// transparent payload compression. The package is transport-agnostic; the
// worker-gateway component binds it to NATS.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskmesh/mesh"
)

// Version is the only wire version this implementation speaks.
const Version = "1.0"

// MaxMessageSize bounds a serialized envelope. Messages at exactly this
// size are accepted; anything larger is rejected at send.
const MaxMessageSize = 1 << 20

// MessageType tags an envelope for handler dispatch.
type MessageType string

// Wire message types.
const (
	TypeHandshake        MessageType = "HANDSHAKE"
	TypeHeartbeat        MessageType = "HEARTBEAT"
	TypeDisconnect       MessageType = "DISCONNECT"
	TypeTaskRequest      MessageType = "TASK_REQUEST"
	TypeTaskAssign       MessageType = "TASK_ASSIGN"
	TypeTaskAccept       MessageType = "TASK_ACCEPT"
	TypeTaskReject       MessageType = "TASK_REJECT"
	TypeTaskProgress     MessageType = "TASK_PROGRESS"
	TypeTaskComplete     MessageType = "TASK_COMPLETE"
	TypeTaskFail         MessageType = "TASK_FAIL"
	TypeCapabilityUpdate MessageType = "CAPABILITY_UPDATE"
	TypeLoadReport       MessageType = "LOAD_REPORT"
	TypeRecoveryRequest  MessageType = "RECOVERY_REQUEST"
	TypeRecoveryResponse MessageType = "RECOVERY_RESPONSE"
	TypeMetricsReport    MessageType = "METRICS_REPORT"
	TypeLatencyProbe     MessageType = "LATENCY_PROBE"
	TypeLatencyResponse  MessageType = "LATENCY_RESPONSE"
)

var knownTypes = map[MessageType]bool{
	TypeHandshake: true, TypeHeartbeat: true, TypeDisconnect: true,
	TypeTaskRequest: true, TypeTaskAssign: true, TypeTaskAccept: true,
	TypeTaskReject: true, TypeTaskProgress: true, TypeTaskComplete: true,
	TypeTaskFail: true, TypeCapabilityUpdate: true, TypeLoadReport: true,
	TypeRecoveryRequest: true, TypeRecoveryResponse: true,
	TypeMetricsReport: true, TypeLatencyProbe: true, TypeLatencyResponse: true,
}

// Valid reports whether t is a known wire type.
func (t MessageType) Valid() bool { return knownTypes[t] }

// Batchable reports whether fire-and-forget messages of this type may
// share a carrier with others bound for the same target. Only the
// high-frequency telemetry types batch; anything awaiting a reply is
// always sent alone.
func (t MessageType) Batchable() bool {
	switch t {
	case TypeHeartbeat, TypeTaskProgress, TypeMetricsReport, TypeLoadReport:
		return true
	}
	return false
}

// BroadcastTarget addresses an envelope to every connected worker.
const BroadcastTarget = "*"

// Message is the wire envelope. Field names follow the wire contract and
// therefore use camelCase rather than the repo's usual snake_case tags.
// Timestamp and TTL are unix milliseconds; TTL is an absolute deadline
// after which receivers must drop the message unread. A reply carries the
// id of the message it answers, which is how pending sends resolve.
type Message struct {
	ID             string          `json:"id"`
	Version        string          `json:"version"`
	Source         string          `json:"source"`
	Target         string          `json:"target"`
	Type           MessageType     `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	Priority       int             `json:"priority"`
	TTL            int64           `json:"ttl"`
	Checksum       string          `json:"checksum"`
}

// Expired reports whether the message's TTL has passed at the given time.
// Messages without a TTL never expire.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.UnixMilli() > m.TTL
}

// validate checks the presence and shape of required fields, in the order
// the receive path rejects them: missing field, version mismatch. TTL and
// checksum checks happen in the receive path itself.
func (m *Message) validate() error {
	switch {
	case m.ID == "":
		return mesh.Errorf(mesh.KindInvalidMessage, "protocol.receive", "missing id")
	case m.Source == "":
		return mesh.Errorf(mesh.KindInvalidMessage, "protocol.receive", "missing source")
	case m.Target == "":
		return mesh.Errorf(mesh.KindInvalidMessage, "protocol.receive", "missing target")
	case m.Type == "":
		return mesh.Errorf(mesh.KindInvalidMessage, "protocol.receive", "missing type")
	case !m.Type.Valid():
		return mesh.Errorf(mesh.KindInvalidMessage, "protocol.receive", "unknown type %q", m.Type)
	case m.Timestamp == 0:
		return mesh.Errorf(mesh.KindInvalidMessage, "protocol.receive", "missing timestamp")
	}
	if m.Version != Version {
		return mesh.Errorf(mesh.KindVersionMismatch, "protocol.receive", "version %q, want %q", m.Version, Version)
	}
	return nil
}

// Reply builds an answer to m: same id, addressed back to the sender, the
// given type and payload. The protocol stamps source, sequence number,
// TTL, and checksum at send; the echoed id is what resolves the sender's
// pending future.
func (m *Message) Reply(msgType MessageType, payload json.RawMessage) *Message {
	return &Message{
		ID:       m.ID,
		Version:  Version,
		Target:   m.Source,
		Type:     msgType,
		Payload:  payload,
		Priority: m.Priority,
	}
}

func newMessageID() string {
	return uuid.NewString()
}
