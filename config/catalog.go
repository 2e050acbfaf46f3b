package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/taskmesh/mesh"
)

// NodeCatalog is the worker roster loaded from nodes.yaml. Cataloged
// workers are pre-registered at startup; workers absent from the catalog
// may still join by handshake.
type NodeCatalog struct {
	Nodes []NodeSpec `yaml:"nodes"`
}

// NodeSpec describes one cataloged worker.
type NodeSpec struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
	// Capabilities seed the worker's tool set; the router filters on
	// set containment of a task's required tools.
	Capabilities  []string `yaml:"capabilities"`
	MaxConcurrent int      `yaml:"maxConcurrent"`
	Priority      int      `yaml:"priority"`
}

// WorkflowCatalog holds the tool and constraint overlays from
// workflows.yaml, keyed by worker name.
type WorkflowCatalog struct {
	NodeTools   map[string][]string      `yaml:"node_tools"`
	NodePrompts map[string]PromptProfile `yaml:"node_prompts"`
}

// PromptProfile carries per-worker behavioral constraints.
type PromptProfile struct {
	Constraints Constraints `yaml:"constraints"`
}

// Constraints override worker defaults. MaxConnectionsPerCycle caps the
// worker's concurrent assignments when set.
type Constraints struct {
	MaxConnectionsPerCycle int `yaml:"max_connections_per_cycle"`
}

// LoadNodeCatalog reads nodes.yaml. A missing file yields an empty
// catalog; workers then join by handshake only.
func LoadNodeCatalog(path string) (*NodeCatalog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &NodeCatalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read node catalog: %w", err)
	}

	catalog := &NodeCatalog{}
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("failed to parse node catalog: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Validate rejects duplicate or unnamed catalog entries.
func (c *NodeCatalog) Validate() error {
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n.Name)
		}
		seen[n.Name] = true
		if n.MaxConcurrent < 0 {
			return fmt.Errorf("nodes[%d]: maxConcurrent must not be negative", i)
		}
	}
	return nil
}

// LoadWorkflowCatalog reads workflows.yaml. A missing file yields an
// empty catalog.
func LoadWorkflowCatalog(path string) (*WorkflowCatalog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &WorkflowCatalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow catalog: %w", err)
	}

	catalog := &WorkflowCatalog{}
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("failed to parse workflow catalog: %w", err)
	}
	return catalog, nil
}

// ToolsFor returns the extra tools granted to a worker, if any.
func (w *WorkflowCatalog) ToolsFor(name string) []string {
	if w == nil {
		return nil
	}
	return w.NodeTools[name]
}

// MaxConcurrentFor returns the constraint override for a worker, or 0
// when none applies.
func (w *WorkflowCatalog) MaxConcurrentFor(name string) int {
	if w == nil {
		return 0
	}
	return w.NodePrompts[name].Constraints.MaxConnectionsPerCycle
}

// MeshNodes materializes the catalog into registry nodes. Tool grants
// from the workflow catalog extend each worker's capability set, and
// constraint overrides trump both the per-node and the global
// maxConcurrent settings. Status and heartbeat bookkeeping are left for
// the registry to stamp.
func (c *NodeCatalog) MeshNodes(w *WorkflowCatalog, opts *Options) []mesh.Node {
	nodes := make([]mesh.Node, 0, len(c.Nodes))
	for _, spec := range c.Nodes {
		caps := make([]string, 0, len(spec.Capabilities))
		seen := make(map[string]bool)
		for _, tag := range spec.Capabilities {
			if !seen[tag] {
				seen[tag] = true
				caps = append(caps, tag)
			}
		}
		for _, tool := range w.ToolsFor(spec.Name) {
			if !seen[tool] {
				seen[tool] = true
				caps = append(caps, tool)
			}
		}

		maxConcurrent := spec.MaxConcurrent
		if override := w.MaxConcurrentFor(spec.Name); override > 0 {
			maxConcurrent = override
		}
		if maxConcurrent <= 0 && opts != nil {
			maxConcurrent = opts.MaxConcurrentPerNode
		}

		nodes = append(nodes, mesh.Node{
			ID:            spec.Name,
			Role:          spec.Role,
			Capabilities:  caps,
			MaxConcurrent: maxConcurrent,
			Priority:      spec.Priority,
		})
	}
	return nodes
}
