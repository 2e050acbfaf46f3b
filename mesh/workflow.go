package mesh

import (
	"time"
)

// StepType enumerates the built-in workflow step kinds.
type StepType string

// Workflow step types.
const (
	StepTask     StepType = "task"
	StepDecision StepType = "decision"
	StepParallel StepType = "parallel"
	StepSequence StepType = "sequence"
	StepRetry    StepType = "retry"
)

// RetryPolicy controls re-execution of a failed step. The wait before
// attempt n (0-based) is InitialDelayMs * BackoffMultiplier^n.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	InitialDelayMs    int64   `json:"initial_delay_ms"`
}

// WorkflowStep is one named step in a workflow definition.
type WorkflowStep struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`

	// Action names the registered handler for task-like steps.
	Action string `json:"action,omitempty"`

	// Params are handler inputs. For deterministic steps, null or missing
	// entries are filled from the workflow seed before execution.
	Params map[string]any `json:"params,omitempty"`

	// DependsOn lists step ids that must complete before this step runs.
	DependsOn []string `json:"depends_on,omitempty"`

	TimeoutMs     int64 `json:"timeout_ms,omitempty"`
	Deterministic bool  `json:"deterministic,omitempty"`

	// Retry, when present, re-executes the step on failure.
	Retry *RetryPolicy `json:"retry,omitempty"`
}

// Workflow is a registered, named DAG of steps.
type Workflow struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`

	// Seed drives every hash-based decision for executions of this
	// workflow: deterministic parameter fill and decision branches.
	Seed string `json:"seed"`

	Steps []WorkflowStep `json:"steps"`
}

// Validate performs structural checks that do not require the dependency
// graph: ids present and unique, known step types, sane retry policies.
// Cycle detection happens at registration.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return &ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if len(w.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "workflow has no steps"}
	}
	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return &ValidationError{Field: "steps", Message: "step id is required"}
		}
		if seen[s.ID] {
			return &ValidationError{Field: "steps", Message: "duplicate step id " + s.ID}
		}
		seen[s.ID] = true
		switch s.Type {
		case StepTask, StepDecision, StepParallel, StepSequence, StepRetry:
		default:
			return &ValidationError{Field: "steps", Message: "unknown step type " + string(s.Type) + " in step " + s.ID}
		}
		if s.Retry != nil {
			if s.Retry.MaxAttempts < 1 {
				return &ValidationError{Field: "retry", Message: "max_attempts must be >= 1 in step " + s.ID}
			}
			if s.Retry.BackoffMultiplier <= 0 {
				return &ValidationError{Field: "retry", Message: "backoff_multiplier must be > 0 in step " + s.ID}
			}
		}
	}
	return nil
}

// ExecutionStatus tracks a workflow execution.
type ExecutionStatus string

// Workflow execution states.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// WorkflowExecution is one run of a registered workflow. Its ID is
// reproducible: identical workflow, initial context, and submission epoch
// yield the identical execution id.
type WorkflowExecution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Seed       string          `json:"seed"`
	Status     ExecutionStatus `json:"status"`

	CompletedSteps []string `json:"completed_steps,omitempty"`
	FailedSteps    []string `json:"failed_steps,omitempty"`

	// Results holds per-step outputs keyed by step id. Retried steps also
	// record their attempt counter under "<stepID>_attempts".
	Results map[string]any `json:"results,omitempty"`

	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// StepCompleted reports whether the given step finished successfully in
// this execution.
func (e *WorkflowExecution) StepCompleted(stepID string) bool {
	for _, id := range e.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to hand to other goroutines. Result values are
// shared; callers must not mutate them.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	out := *e
	out.CompletedSteps = append([]string(nil), e.CompletedSteps...)
	out.FailedSteps = append([]string(nil), e.FailedSteps...)
	if e.Results != nil {
		out.Results = make(map[string]any, len(e.Results))
		for k, v := range e.Results {
			out.Results[k] = v
		}
	}
	return &out
}
