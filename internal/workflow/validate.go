package workflow

import (
	"fmt"

	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

// Structural caps. Canvases beyond these sizes are rejected before any
// deeper checks run.
const (
	maxNodes = 100
	maxEdges = 300
	// cycleCheckLimit bounds the business-layer cycle warning; bigger
	// graphs skip it.
	cycleCheckLimit = 500
)

// ValidationResult is the outcome of static workflow validation. Warnings
// never fail validation.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether the canvas can be executed.
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Validate runs the structural checks, a compile probe, and the business
// checks against a canvas. The registry is consulted for tool-node names;
// a nil registry skips that check.
func Validate(wf *models.Workflow, registry *tools.Registry) *ValidationResult {
	result := &ValidationResult{}

	validateStructure(wf, registry, result)
	if len(result.Errors) == 0 {
		// Compile probe: build the graph with placeholder bodies so the
		// walker's own constraints surface before execution time.
		if _, err := topoOrder(wf); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}
	validateBusiness(wf, result)
	return result
}

func validateStructure(wf *models.Workflow, registry *tools.Registry, result *ValidationResult) {
	if len(wf.Nodes) == 0 {
		result.Errors = append(result.Errors, "workflow has no nodes")
		return
	}
	if len(wf.Nodes) > maxNodes {
		result.Errors = append(result.Errors,
			fmt.Sprintf("workflow exceeds %d nodes", maxNodes))
	}
	if len(wf.Edges) > maxEdges {
		result.Errors = append(result.Errors,
			fmt.Sprintf("workflow exceeds %d edges", maxEdges))
	}

	seen := make(map[string]bool, len(wf.Nodes))
	for _, node := range wf.Nodes {
		if node.ID == "" {
			result.Errors = append(result.Errors, "node with empty id")
			continue
		}
		if seen[node.ID] {
			result.Errors = append(result.Errors,
				fmt.Sprintf("duplicate node id %q", node.ID))
		}
		seen[node.ID] = true

		switch node.Type {
		case models.NodeTool:
			name, _ := node.Config["tool_name"].(string)
			if name == "" {
				result.Errors = append(result.Errors,
					fmt.Sprintf("tool node %q has no tool_name", node.ID))
			} else if registry != nil {
				if _, ok := registry.Get(name); !ok {
					result.Errors = append(result.Errors,
						fmt.Sprintf("tool node %q references unknown tool %q", node.ID, name))
				}
			}
		case models.NodeAgent:
			if id, _ := node.Config["agent_id"].(string); id == "" {
				result.Errors = append(result.Errors,
					fmt.Sprintf("agent node %q has no agent_id", node.ID))
			}
		case models.NodeConditional:
			if cond, _ := node.Config["condition"].(string); cond == "" {
				result.Errors = append(result.Errors,
					fmt.Sprintf("conditional node %q has no condition", node.ID))
			}
		case models.NodeTrigger:
		default:
			result.Errors = append(result.Errors,
				fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type))
		}
	}

	for i, edge := range wf.Edges {
		if !seen[edge.Source] {
			result.Errors = append(result.Errors,
				fmt.Sprintf("edge %d source %q does not exist", i, edge.Source))
		}
		if !seen[edge.Target] {
			result.Errors = append(result.Errors,
				fmt.Sprintf("edge %d target %q does not exist", i, edge.Target))
		}
	}
}

func validateBusiness(wf *models.Workflow, result *ValidationResult) {
	hasTrigger := false
	for _, node := range wf.Nodes {
		if node.Type == models.NodeTrigger {
			hasTrigger = true
			break
		}
	}
	if !hasTrigger && len(wf.Nodes) > 0 {
		result.Warnings = append(result.Warnings, "workflow has no trigger node")
	}

	connected := make(map[string]bool)
	for _, edge := range wf.Edges {
		connected[edge.Source] = true
		connected[edge.Target] = true
	}
	for _, node := range wf.Nodes {
		if len(wf.Nodes) > 1 && !connected[node.ID] {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("node %q is not connected to the graph", node.ID))
		}
	}

	if len(wf.Nodes) <= cycleCheckLimit {
		if _, err := topoOrder(wf); err != nil {
			result.Warnings = append(result.Warnings, "workflow graph contains a cycle")
		}
	}
}
