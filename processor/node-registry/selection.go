package noderegistry

import (
	"sort"

	"github.com/c360studio/taskmesh/mesh"
)

// FindBestNodeForTask returns the configured strategy's pick among online
// workers that hold every required tool and still have task slots. The
// candidate list is id-sorted before any strategy runs, so every remaining
// tie resolves to the lexicographically first node.
func (c *Component) FindBestNodeForTask(taskType string, requiredTools []string) (string, bool) {
	c.nodesMu.RLock()
	defer c.nodesMu.RUnlock()

	candidates := c.candidatesLocked(requiredTools)
	if len(candidates) == 0 {
		return "", false
	}

	switch c.config.Strategy {
	case StrategyLeastLoaded:
		return pickLeastLoaded(candidates).ID, true
	case StrategyRoundRobin:
		return candidates[int(c.now().Unix()%int64(len(candidates)))].ID, true
	case StrategyDeterministic:
		sum := mesh.SumParts(taskType, c.config.Seed)
		return candidates[mesh.PickIndex(sum, len(candidates))].ID, true
	default:
		return pickCapabilityMatch(candidates).ID, true
	}
}

// candidatesLocked filters to admissible nodes in id order. Caller holds
// nodesMu.
func (c *Component) candidatesLocked(requiredTools []string) []*mesh.Node {
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*mesh.Node
	for _, id := range ids {
		n := c.nodes[id].node
		if n.Status != mesh.NodeOnline || !n.HasSlack() || !n.HasAllCapabilities(requiredTools) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// pickLeastLoaded prefers the lowest load, breaking ties by lowest latency.
func pickLeastLoaded(candidates []*mesh.Node) *mesh.Node {
	best := candidates[0]
	for _, n := range candidates[1:] {
		if n.CurrentLoad < best.CurrentLoad ||
			(n.CurrentLoad == best.CurrentLoad && n.LatencyMs < best.LatencyMs) {
			best = n
		}
	}
	return best
}

// capabilityScore favors spare slots and penalizes latency. Higher wins.
func capabilityScore(n *mesh.Node) float64 {
	return float64(n.MaxConcurrent-n.CurrentLoad)*100 - n.LatencyMs
}

// pickCapabilityMatch maximizes the capability score.
func pickCapabilityMatch(candidates []*mesh.Node) *mesh.Node {
	best := candidates[0]
	bestScore := capabilityScore(best)
	for _, n := range candidates[1:] {
		if s := capabilityScore(n); s > bestScore {
			best, bestScore = n, s
		}
	}
	return best
}
