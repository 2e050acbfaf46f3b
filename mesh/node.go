package mesh

import (
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// NodeStatus is a worker node's health state. Transitions follow the
// registry's state machine: heartbeats drive any state back to online,
// missed heartbeats degrade and then take a node offline, and the recovery
// handshake passes through recovering on the way back.
type NodeStatus string

// Node health states.
const (
	NodeOnline     NodeStatus = "online"
	NodeDegraded   NodeStatus = "degraded"
	NodeOffline    NodeStatus = "offline"
	NodeRecovering NodeStatus = "recovering"
)

// Node is the registry's record of a worker.
type Node struct {
	// ID is the stable worker identity.
	ID string `json:"id"`

	// Capabilities are the tags the worker declared at registration.
	// An entry may be a doublestar glob pattern ("scan.*"); plain entries
	// compare exactly. The set is immutable after registration.
	Capabilities []string `json:"capabilities"`

	// MaxConcurrent is the worker's advertised task slot count.
	MaxConcurrent int `json:"max_concurrent"`

	// CurrentLoad counts active assignments, 0 <= load <= MaxConcurrent.
	CurrentLoad int `json:"current_load"`

	// LatencyMs is an exponential moving average over heartbeat metrics
	// and latency probe round-trips.
	LatencyMs float64 `json:"latency_ms"`

	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Status        NodeStatus `json:"status"`

	// Version is the protocol/software version the worker reported.
	Version string `json:"version,omitempty"`

	// Role and Priority come from the static node configuration.
	Role     string `json:"role,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// HasCapability reports whether the node's capability set covers the given
// tool tag. Glob-pattern capabilities match by pattern, plain capabilities
// by equality.
func (n *Node) HasCapability(tool string) bool {
	for _, tag := range n.Capabilities {
		if tag == tool {
			return true
		}
		if strings.ContainsAny(tag, "*?[{") {
			if ok, err := doublestar.Match(tag, tool); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// HasAllCapabilities reports whether every required tool is covered.
func (n *Node) HasAllCapabilities(tools []string) bool {
	for _, tool := range tools {
		if !n.HasCapability(tool) {
			return false
		}
	}
	return true
}

// HasSlack reports whether the worker advertises spare task slots.
func (n *Node) HasSlack() bool {
	return n.CurrentLoad < n.MaxConcurrent
}

// Clone returns a copy safe to hand outside the owning component.
func (n *Node) Clone() *Node {
	out := *n
	out.Capabilities = append([]string(nil), n.Capabilities...)
	return &out
}
