package noderegistry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/taskmesh/mesh"
)

func registryWithStrategy(t *testing.T, strategy, seed string) *Component {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	cfg.Seed = seed
	c, err := New(cfg, nil, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// seedNode registers a node and then pins its load, latency, and status
// directly so selection scenarios need no heartbeat choreography.
func seedNode(t *testing.T, c *Component, id string, caps []string, load, maxLoad int, latency float64, status mesh.NodeStatus) {
	t.Helper()
	if err := c.RegisterNode(context.Background(), id, caps, WithMaxConcurrent(maxLoad)); err != nil {
		t.Fatalf("RegisterNode(%s) error = %v", id, err)
	}
	c.nodesMu.Lock()
	st := c.nodes[id]
	st.node.CurrentLoad = load
	st.node.LatencyMs = latency
	st.node.Status = status
	c.nodesMu.Unlock()
}

func TestFindBestNodeForTask_Filters(t *testing.T) {
	t.Run("offline nodes are skipped", func(t *testing.T) {
		c := newTestRegistry(t, nil)
		seedNode(t, c, "worker-a", []string{"scan"}, 0, 5, 10, mesh.NodeOffline)
		seedNode(t, c, "worker-b", []string{"scan"}, 4, 5, 400, mesh.NodeOnline)

		id, ok := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if !ok || id != "worker-b" {
			t.Errorf("pick = %q, %v; want worker-b", id, ok)
		}
	})

	t.Run("saturated nodes are skipped", func(t *testing.T) {
		c := newTestRegistry(t, nil)
		seedNode(t, c, "worker-a", []string{"scan"}, 5, 5, 10, mesh.NodeOnline)
		seedNode(t, c, "worker-b", []string{"scan"}, 1, 5, 400, mesh.NodeOnline)

		id, ok := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if !ok || id != "worker-b" {
			t.Errorf("pick = %q, %v; want worker-b", id, ok)
		}
	})

	t.Run("missing tools are skipped", func(t *testing.T) {
		c := newTestRegistry(t, nil)
		seedNode(t, c, "worker-a", []string{"encrypt"}, 0, 5, 10, mesh.NodeOnline)
		seedNode(t, c, "worker-b", []string{"scan", "encrypt"}, 0, 5, 10, mesh.NodeOnline)

		id, ok := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if !ok || id != "worker-b" {
			t.Errorf("pick = %q, %v; want worker-b", id, ok)
		}
	})

	t.Run("glob capabilities cover concrete tools", func(t *testing.T) {
		c := newTestRegistry(t, nil)
		seedNode(t, c, "worker-a", []string{"scan.*"}, 0, 5, 10, mesh.NodeOnline)

		id, ok := c.FindBestNodeForTask("scan-task", []string{"scan.ports"})
		if !ok || id != "worker-a" {
			t.Errorf("pick = %q, %v; want glob match on worker-a", id, ok)
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		c := newTestRegistry(t, nil)
		seedNode(t, c, "worker-a", []string{"scan"}, 0, 5, 10, mesh.NodeDegraded)

		if id, ok := c.FindBestNodeForTask("scan-task", []string{"scan"}); ok {
			t.Errorf("pick = %q, want no candidate", id)
		}
	})
}

func TestFindBestNodeForTask_LeastLoaded(t *testing.T) {
	t.Run("lowest load wins", func(t *testing.T) {
		c := registryWithStrategy(t, StrategyLeastLoaded, "")
		seedNode(t, c, "worker-a", []string{"scan"}, 3, 5, 5, mesh.NodeOnline)
		seedNode(t, c, "worker-b", []string{"scan"}, 1, 5, 900, mesh.NodeOnline)

		id, _ := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if id != "worker-b" {
			t.Errorf("pick = %q, want worker-b", id)
		}
	})

	t.Run("load tie falls back to latency", func(t *testing.T) {
		c := registryWithStrategy(t, StrategyLeastLoaded, "")
		seedNode(t, c, "worker-a", []string{"scan"}, 2, 5, 250, mesh.NodeOnline)
		seedNode(t, c, "worker-b", []string{"scan"}, 2, 5, 40, mesh.NodeOnline)

		id, _ := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if id != "worker-b" {
			t.Errorf("pick = %q, want worker-b", id)
		}
	})

	t.Run("full tie keeps the first id", func(t *testing.T) {
		c := registryWithStrategy(t, StrategyLeastLoaded, "")
		seedNode(t, c, "worker-b", []string{"scan"}, 2, 5, 40, mesh.NodeOnline)
		seedNode(t, c, "worker-a", []string{"scan"}, 2, 5, 40, mesh.NodeOnline)

		id, _ := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if id != "worker-a" {
			t.Errorf("pick = %q, want lexicographic first", id)
		}
	})
}

func TestFindBestNodeForTask_CapabilityMatch(t *testing.T) {
	t.Run("headroom dominates", func(t *testing.T) {
		c := registryWithStrategy(t, StrategyCapabilityMatch, "")
		seedNode(t, c, "worker-a", []string{"scan"}, 4, 5, 0, mesh.NodeOnline)
		seedNode(t, c, "worker-b", []string{"scan"}, 2, 5, 50, mesh.NodeOnline)

		id, _ := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if id != "worker-b" {
			t.Errorf("pick = %q, want worker-b on headroom", id)
		}
	})

	t.Run("latency breaks close headroom", func(t *testing.T) {
		c := registryWithStrategy(t, StrategyCapabilityMatch, "")
		// worker-a scores 3*100-250, worker-b 2*100-10.
		seedNode(t, c, "worker-a", []string{"scan"}, 2, 5, 250, mesh.NodeOnline)
		seedNode(t, c, "worker-b", []string{"scan"}, 3, 5, 10, mesh.NodeOnline)

		id, _ := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if id != "worker-b" {
			t.Errorf("pick = %q, want worker-b on latency", id)
		}
	})

	t.Run("score tie keeps the first id", func(t *testing.T) {
		c := registryWithStrategy(t, StrategyCapabilityMatch, "")
		seedNode(t, c, "worker-b", []string{"scan"}, 1, 5, 20, mesh.NodeOnline)
		seedNode(t, c, "worker-a", []string{"scan"}, 1, 5, 20, mesh.NodeOnline)

		id, _ := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if id != "worker-a" {
			t.Errorf("pick = %q, want lexicographic first", id)
		}
	})
}

func TestFindBestNodeForTask_Deterministic(t *testing.T) {
	const seed = "route-seed"
	c := registryWithStrategy(t, StrategyDeterministic, seed)
	ids := []string{"worker-a", "worker-b", "worker-c"}
	for _, id := range ids {
		seedNode(t, c, id, []string{"scan"}, 0, 5, 10, mesh.NodeOnline)
	}

	want := ids[mesh.PickIndex(mesh.SumParts("scan-task", seed), len(ids))]

	for i := 0; i < 3; i++ {
		id, ok := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if !ok || id != want {
			t.Fatalf("pick #%d = %q, %v; want stable %q", i, id, ok, want)
		}
	}

	// Excluded candidates shrink the modulus deterministically.
	c.nodesMu.Lock()
	c.nodes[want].node.Status = mesh.NodeOffline
	c.nodesMu.Unlock()

	var remaining []string
	for _, id := range ids {
		if id != want {
			remaining = append(remaining, id)
		}
	}
	next := remaining[mesh.PickIndex(mesh.SumParts("scan-task", seed), len(remaining))]

	id, ok := c.FindBestNodeForTask("scan-task", []string{"scan"})
	if !ok || id != next {
		t.Errorf("pick after exclusion = %q, %v; want %q", id, ok, next)
	}
}

func TestFindBestNodeForTask_RoundRobin(t *testing.T) {
	c := registryWithStrategy(t, StrategyRoundRobin, "")
	ids := []string{"worker-a", "worker-b", "worker-c"}
	for _, id := range ids {
		seedNode(t, c, id, []string{"scan"}, 0, 5, 10, mesh.NodeOnline)
	}

	// 999999 is divisible by 3, so the rotation starts at worker-a.
	base := time.Unix(999999, 0)
	for i, want := range ids {
		tick := base.Add(time.Duration(i) * time.Second)
		c.now = func() time.Time { return tick }

		id, ok := c.FindBestNodeForTask("scan-task", []string{"scan"})
		if !ok || id != want {
			t.Errorf("pick at +%ds = %q, %v; want %q", i, id, ok, want)
		}
	}
}
