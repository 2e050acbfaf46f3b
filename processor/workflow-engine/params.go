package workflowengine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/taskmesh/mesh"
)

// fillParams returns the step with every null parameter replaced by a value
// derived from hash(seed || stepID). Only steps marked deterministic are
// filled; everything else passes through untouched. Identical seed and step
// id always produce identical values.
func fillParams(seed string, step mesh.WorkflowStep) mesh.WorkflowStep {
	if !step.Deterministic || len(step.Params) == 0 {
		return step
	}

	sum := mesh.SumParts(seed, step.ID)
	filled := make(map[string]any, len(step.Params))
	for name, value := range step.Params {
		if value == nil {
			filled[name] = deriveParam(name, sum)
			continue
		}
		filled[name] = value
	}
	step.Params = filled
	return step
}

// deriveParam maps a parameter name to its derived value. Matching is
// case-insensitive substring containment, checked in a fixed rule order so
// a name hitting several rules resolves the same way everywhere.
func deriveParam(name string, sum uint64) any {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "port"):
		return int(8000 + sum%1000)
	case strings.Contains(n, "id"), strings.Contains(n, "uuid"):
		return "det-" + mesh.Hex8(sum)
	case strings.Contains(n, "count"), strings.Contains(n, "limit"):
		return int(10 + sum%90)
	case strings.Contains(n, "timeout"), strings.Contains(n, "delay"):
		return int(1000 + sum%4000)
	default:
		return fmt.Sprintf("auto-%d", sum%100000)
	}
}

// decide derives the reproducible branch for a decision step. The first
// eight hex digits of hash(stepID || context) taken mod 2 pick the path:
// even goes primary, odd goes alternate. The context map canonicalizes
// through JSON encoding, which orders keys.
func decide(stepID string, execCtx map[string]any) (map[string]any, error) {
	ctxJSON, err := json.Marshal(execCtx)
	if err != nil {
		return nil, fmt.Errorf("canonicalize context for decision %s: %w", stepID, err)
	}

	sum := mesh.SumParts(stepID, string(ctxJSON))
	if (sum>>32)%2 == 0 {
		return map[string]any{"decision": true, "path": "primary"}, nil
	}
	return map[string]any{"decision": false, "path": "alternate"}, nil
}

// subSteps decodes the nested steps of a parallel or sequence step from
// params["steps"].
func subSteps(step mesh.WorkflowStep) ([]mesh.WorkflowStep, error) {
	raw, ok := step.Params["steps"]
	if !ok {
		return nil, fmt.Errorf("step %s has no params.steps", step.ID)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode sub-steps of %s: %w", step.ID, err)
	}
	var steps []mesh.WorkflowStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("decode sub-steps of %s: %w", step.ID, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("step %s has empty params.steps", step.ID)
	}
	return steps, nil
}
