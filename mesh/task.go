// Package mesh defines the domain types shared by the taskmesh components:
// tasks, worker nodes, workflows, performance samples, and the typed event
// bus that carries orchestrator events between components and out to
// observers. Types that cross NATS as BaseMessage payloads register
// themselves with the component payload registry in their init functions.
package mesh

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

// TaskStatus tracks a task through its lifecycle. A task is in exactly one
// status at any moment; Cancelled is terminal.
type TaskStatus string

// Task lifecycle states.
const (
	TaskQueued    TaskStatus = "queued"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a unit of work submitted for routing to a worker node.
type Task struct {
	// ID is derived from (type, name, submission epoch) so that identical
	// submissions in the same epoch carry identical ids.
	ID string `json:"id"`

	// Type categorizes the work (e.g. "scan", "encrypt").
	Type string `json:"type"`

	// Name is a human-readable label for the task.
	Name string `json:"name"`

	// Payload is opaque to the orchestrator and forwarded to the worker.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority orders routing, 0..10, higher first.
	Priority int `json:"priority"`

	// RequiredTools lists capability tags the executing worker must hold.
	RequiredTools []string `json:"required_tools,omitempty"`

	// TargetNode pins the task to a specific worker when set.
	TargetNode string `json:"target_node,omitempty"`

	// TimeoutMs bounds execution time once assigned.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// Deterministic selects consistent-hash routing and reproducible
	// failover for this task.
	Deterministic bool `json:"deterministic,omitempty"`

	Status      TaskStatus `json:"status,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at,omitempty"`
}

// DeriveTaskID computes the stable task id for a submission tuple.
func DeriveTaskID(taskType, name string, submissionEpoch int64) string {
	h := SumParts(taskType, name, strconv.FormatInt(submissionEpoch, 10))
	return "task-" + Hex16(h)[:12]
}

// Validate checks the fields a submission must carry.
func (t *Task) Validate() error {
	if t.Type == "" {
		return &ValidationError{Field: "type", Message: "type is required"}
	}
	if t.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if t.Priority < 0 || t.Priority > 10 {
		return &ValidationError{Field: "priority", Message: "priority must be in 0..10"}
	}
	return nil
}

// RoutingDecision records why a worker was selected for a task.
type RoutingDecision struct {
	// NodeID is the selected worker.
	NodeID string `json:"node_id"`

	// Reason is one of targeted, least-score, deterministic.
	Reason string `json:"reason"`

	// Score is the selected worker's routing score (lower is better);
	// zero for targeted selections.
	Score float64 `json:"score"`

	// Alternatives lists fallback candidates in preference order.
	Alternatives []string `json:"alternatives,omitempty"`
}

// Assignment is the router's record that a worker currently executes a task.
// Exactly one Assignment exists per Active task.
type Assignment struct {
	TaskID    string          `json:"task_id"`
	NodeID    string          `json:"node_id"`
	StartedAt time.Time       `json:"started_at"`
	Decision  RoutingDecision `json:"decision"`
}

// TaskResult is the terminal record of a routed task.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	NodeID     string          `json:"node_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// TaskSubmission is the broker payload wrapping a submitted task. It is
// published to the priority-banded submit subjects and consumed by the
// router's broker loop.
type TaskSubmission struct {
	// Task is the submitted task, id already derived.
	Task Task `json:"task"`

	// Source identifies the submitter (cli, ops endpoint, test).
	Source string `json:"source,omitempty"`

	// SubmittedAt is the submission epoch in unix milliseconds.
	SubmittedAt int64 `json:"submitted_at"`
}

// Schema returns the message type for this payload.
func (p *TaskSubmission) Schema() message.Type {
	return TaskSubmissionType
}

// Validate validates the payload.
func (p *TaskSubmission) Validate() error {
	if p.Task.ID == "" {
		return &ValidationError{Field: "task.id", Message: "task id is required"}
	}
	return p.Task.Validate()
}

// MarshalJSON marshals the payload to JSON.
func (p *TaskSubmission) MarshalJSON() ([]byte, error) {
	type Alias TaskSubmission
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *TaskSubmission) UnmarshalJSON(data []byte) error {
	type Alias TaskSubmission
	return json.Unmarshal(data, (*Alias)(p))
}

// TaskSubmissionType is the message type for task submission payloads.
var TaskSubmissionType = message.Type{
	Domain:   "mesh",
	Category: "task-submission",
	Version:  "v1",
}

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func init() {
	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "mesh",
		Category:    "task-submission",
		Version:     "v1",
		Description: "Submitted task wrapper carried on the priority broker",
		Factory:     func() any { return &TaskSubmission{} },
	})
}
