package workflowengine

import (
	"errors"
	"sort"

	"github.com/c360studio/taskmesh/mesh"
)

// stepGraph holds the dependency edges of a workflow's steps and produces
// the deterministic execution order.
type stepGraph struct {
	steps      map[string]mesh.WorkflowStep
	inDegree   map[string]int
	dependents map[string][]string
}

// newStepGraph indexes the steps and their edges. A dependency on an
// unknown step id fails immediately.
func newStepGraph(steps []mesh.WorkflowStep) (*stepGraph, error) {
	g := &stepGraph{
		steps:      make(map[string]mesh.WorkflowStep, len(steps)),
		inDegree:   make(map[string]int, len(steps)),
		dependents: make(map[string][]string),
	}

	for _, s := range steps {
		g.steps[s.ID] = s
		g.inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := g.steps[dep]; !ok {
				return nil, &mesh.ValidationError{
					Field:   "depends_on",
					Message: "step " + s.ID + " depends on unknown step " + dep,
				}
			}
			g.inDegree[s.ID]++
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	return g, nil
}

// order runs Kahn's algorithm over the graph. Independent siblings are
// broken lexicographically by step id, so the order is identical across
// runs and processes. A cycle leaves steps unplaceable and yields a
// CyclicWorkflow error.
func (g *stepGraph) order() ([]string, error) {
	frontier := make([]string, 0, len(g.steps))
	for id, deg := range g.inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	remaining := make(map[string]int, len(g.inDegree))
	for id, deg := range g.inDegree {
		remaining[id] = deg
	}

	ordered := make([]string, 0, len(g.steps))
	for len(frontier) > 0 {
		sort.Strings(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		ordered = append(ordered, next)

		for _, dep := range g.dependents[next] {
			remaining[dep]--
			if remaining[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}

	if len(ordered) != len(g.steps) {
		return nil, mesh.NewError(mesh.KindCyclicWorkflow, "workflow.register",
			errors.New("workflow steps form a dependency cycle"))
	}
	return ordered, nil
}
