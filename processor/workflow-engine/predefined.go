package workflowengine

import "github.com/c360studio/taskmesh/mesh"

// Predefined workflow ids.
const (
	WorkflowNodeInitialization = "node-initialization"
	WorkflowTaskExecution      = "task-execution"
)

// NodeInitializationWorkflow returns the built-in workflow that provisions
// a worker identity: a deterministic port and node id, then connect and
// verify against the registry. The seed is inherited from the engine at
// registration.
func NodeInitializationWorkflow() mesh.Workflow {
	return mesh.Workflow{
		ID:      WorkflowNodeInitialization,
		Version: "1",
		Steps: []mesh.WorkflowStep{
			{
				ID:            "allocate-port",
				Type:          mesh.StepTask,
				Action:        "allocate-port",
				Deterministic: true,
				Params:        map[string]any{"port": nil},
			},
			{
				ID:            "generate-id",
				Type:          mesh.StepTask,
				Action:        "generate-id",
				Deterministic: true,
				Params:        map[string]any{"nodeId": nil},
			},
			{
				ID:        "connect",
				Type:      mesh.StepTask,
				Action:    "connect",
				DependsOn: []string{"allocate-port", "generate-id"},
				TimeoutMs: 5000,
			},
			{
				ID:        "verify",
				Type:      mesh.StepTask,
				Action:    "verify",
				DependsOn: []string{"connect"},
				TimeoutMs: 5000,
			},
		},
	}
}

// TaskExecutionWorkflow returns the built-in workflow that validates a task
// submission, takes a deterministic routing decision, submits the task with
// retries, and reports the outcome.
func TaskExecutionWorkflow() mesh.Workflow {
	return mesh.Workflow{
		ID:      WorkflowTaskExecution,
		Version: "1",
		Steps: []mesh.WorkflowStep{
			{
				ID:     "validate",
				Type:   mesh.StepTask,
				Action: "validate-task",
			},
			{
				ID:        "route",
				Type:      mesh.StepDecision,
				DependsOn: []string{"validate"},
			},
			{
				ID:        "execute",
				Type:      mesh.StepRetry,
				Action:    "execute-task",
				DependsOn: []string{"route"},
				Retry: &mesh.RetryPolicy{
					MaxAttempts:       3,
					BackoffMultiplier: 2.0,
					InitialDelayMs:    100,
				},
			},
			{
				ID:        "report",
				Type:      mesh.StepTask,
				Action:    "report-result",
				DependsOn: []string{"execute"},
			},
		},
	}
}
