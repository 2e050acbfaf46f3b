package taskrouter

import (
	"sort"

	"github.com/c360studio/taskmesh/mesh"
)

// Selection reasons recorded on routing decisions.
const (
	ReasonTargeted      = "targeted"
	ReasonLeastScore    = "least-score"
	ReasonDeterministic = "deterministic"
)

// scoredNode pairs a candidate with its routing score.
type scoredNode struct {
	node  *mesh.Node
	score float64
}

// route selects a worker for the task. exclude removes workers from
// consideration entirely, including a targeted one; failover passes the
// worker that just failed the task.
//
// A pinned target short-circuits scoring when it is online and under the
// router's load cap. The cap check keeps failover retargeting from piling
// assignments onto one worker; a pinned-but-inadmissible target falls
// through to the normal candidate build.
func (c *Component) route(task *mesh.Task, exclude map[string]bool) (mesh.RoutingDecision, error) {
	loads := c.snapshotLoads()

	if task.TargetNode != "" && !exclude[task.TargetNode] {
		if node, ok := c.directory.GetNode(task.TargetNode); ok &&
			node.Status == mesh.NodeOnline &&
			loads[node.ID] < c.config.MaxConcurrentPerNode {
			return mesh.RoutingDecision{NodeID: node.ID, Reason: ReasonTargeted}, nil
		}
	}

	candidates := c.candidates(task, loads, exclude)
	if len(candidates) == 0 {
		return mesh.RoutingDecision{}, mesh.Errorf(mesh.KindNoCandidateWorker, "router.route",
			"no admissible worker for task %s", task.ID)
	}

	scored := c.scoreAll(candidates, loads)

	if task.Deterministic {
		ids := make([]string, len(candidates))
		for i, n := range candidates {
			ids[i] = n.ID
		}
		sorted := mesh.SortedCopy(ids)
		pick := sorted[mesh.PickIndex(mesh.SumParts(task.ID, task.Type), len(sorted))]
		return mesh.RoutingDecision{
			NodeID:       pick,
			Reason:       ReasonDeterministic,
			Score:        scoreOf(scored, pick),
			Alternatives: idsOf(scored, 0, 3),
		}, nil
	}

	best := scored[0]
	return mesh.RoutingDecision{
		NodeID:       best.node.ID,
		Reason:       ReasonLeastScore,
		Score:        best.score,
		Alternatives: idsOf(scored, 1, 3),
	}, nil
}

// candidates filters the fleet down to workers admissible for the task:
// online, covering every required tool, and under the router's per-node
// assignment cap.
func (c *Component) candidates(task *mesh.Task, loads map[string]int, exclude map[string]bool) []*mesh.Node {
	var out []*mesh.Node
	for _, node := range c.directory.GetAllNodes() {
		if exclude[node.ID] || node.Status != mesh.NodeOnline {
			continue
		}
		if !node.HasAllCapabilities(task.RequiredTools) {
			continue
		}
		if loads[node.ID] >= c.config.MaxConcurrentPerNode {
			continue
		}
		out = append(out, node)
	}
	return out
}

// scoreAll scores every candidate and sorts ascending; lower is better.
// Ties break by node id so ranking is stable across runs.
func (c *Component) scoreAll(candidates []*mesh.Node, loads map[string]int) []scoredNode {
	scored := make([]scoredNode, len(candidates))
	for i, node := range candidates {
		scored[i] = scoredNode{node: node, score: c.scoreNode(node, loads[node.ID])}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score < scored[j].score
		}
		return scored[i].node.ID < scored[j].node.ID
	})
	return scored
}

// scoreNode computes the routing score for one worker: load dominates,
// latency separates equally loaded workers, and monitor signals push the
// score away from degrading or error-prone workers.
func (c *Component) scoreNode(node *mesh.Node, load int) float64 {
	loadFactor := float64(load) / float64(c.config.MaxConcurrentPerNode)
	score := loadFactor*50 + node.LatencyMs*0.1

	if c.perf != nil {
		switch c.perf.CalculateTrend(node.ID, mesh.MetricLatency) {
		case mesh.TrendDegrading:
			score += 20
		case mesh.TrendImproving:
			score -= 10
		}
		if sample, ok := c.perf.LatestSample(node.ID); ok && sample.ErrorRate > 1 {
			score += sample.ErrorRate * 5
		}
	}
	return score
}

// scoreOf finds a node's score in an already-scored slice.
func scoreOf(scored []scoredNode, nodeID string) float64 {
	for _, s := range scored {
		if s.node.ID == nodeID {
			return s.score
		}
	}
	return 0
}

// idsOf returns up to n node ids from the ranked slice starting at from.
func idsOf(scored []scoredNode, from, n int) []string {
	if from >= len(scored) {
		return nil
	}
	end := from + n
	if end > len(scored) {
		end = len(scored)
	}
	out := make([]string, 0, end-from)
	for _, s := range scored[from:end] {
		out = append(out, s.node.ID)
	}
	return out
}
