package engine

import (
	"context"
	"fmt"

	"github.com/rendis/workcell/internal/expressions"
	"github.com/rendis/workcell/internal/resources"
	"github.com/rendis/workcell/pkg/schema"
)

// ResourceChecker decides whether a step's resource preconditions hold.
// A false result is "not yet", re-checked on the next iteration; the string
// says why. An error is also treated as not ready and logged.
type ResourceChecker interface {
	CheckResources(ctx context.Context, wf *schema.Workflow, step *schema.Step, node *schema.Node) (bool, string, error)
}

// AlwaysReady is the default ResourceChecker.
type AlwaysReady struct{}

func (AlwaysReady) CheckResources(context.Context, *schema.Workflow, *schema.Step, *schema.Node) (bool, string, error) {
	return true, "", nil
}

// CELResourceChecker evaluates a step's conditions as CEL expressions over
// the resources named in its locations. With no resource client, the
// resources variable is empty.
type CELResourceChecker struct {
	cel       *expressions.CELEngine
	inventory resources.Client
}

// NewCELResourceChecker creates a checker. inventory may be nil.
func NewCELResourceChecker(cel *expressions.CELEngine, inventory resources.Client) *CELResourceChecker {
	return &CELResourceChecker{cel: cel, inventory: inventory}
}

func (c *CELResourceChecker) CheckResources(ctx context.Context, wf *schema.Workflow, step *schema.Step, node *schema.Node) (bool, string, error) {
	if len(step.Conditions) == 0 {
		return true, "", nil
	}

	located := make(map[string]any, len(step.Locations))
	if c.inventory != nil {
		for role, ref := range step.Locations {
			r, ok, err := resources.Lookup(ctx, c.inventory, ref)
			if err != nil {
				return false, "", err
			}
			if !ok {
				return false, fmt.Sprintf("resource %q for location %q not found", ref, role), nil
			}
			located[role] = r.Map()
		}
	}

	data := conditionData(wf, step, node, located)
	for _, cond := range step.Conditions {
		ok, err := c.cel.EvaluateBool(ctx, cond, data)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, fmt.Sprintf("condition %q not satisfied", cond), nil
		}
	}
	return true, "", nil
}

func conditionData(wf *schema.Workflow, step *schema.Step, node *schema.Node, located map[string]any) map[string]any {
	locations := make(map[string]any, len(step.Locations))
	for k, v := range step.Locations {
		locations[k] = v
	}
	nodeVars := map[string]any{}
	if node != nil {
		nodeVars["node_name"] = node.NodeName
		nodeVars["node_url"] = node.NodeURL
		if node.State != nil {
			nodeVars["state"] = node.State
		}
	}
	inputs := wf.Parameters
	if inputs == nil {
		inputs = map[string]any{}
	}
	return map[string]any{
		"step": map[string]any{
			"name":      step.Name,
			"node":      step.Node,
			"action":    step.Action,
			"locations": locations,
		},
		"workflow": map[string]any{
			"workflow_id":   wf.WorkflowID,
			"name":          wf.Name,
			"experiment_id": wf.ExperimentID,
			"step_index":    int64(wf.StepIndex),
		},
		"inputs":    inputs,
		"resources": located,
		"node":      nodeVars,
	}
}

// nodeReadiness applies the node-side checks: the workcell must list the
// node, the node must report ready status, and its breaker must not be open.
func nodeReadiness(wc *schema.WorkcellDefinition, node *schema.Node, name string, breakers *CircuitBreakerRegistry) (bool, string) {
	if _, ok := wc.Nodes[name]; !ok {
		return false, fmt.Sprintf("node %q not in workcell", name)
	}
	if node == nil {
		return false, fmt.Sprintf("node %q has not been polled yet", name)
	}
	if ready, reason := node.Status.IsReady(); !ready {
		return false, reason
	}
	if breakers != nil && breakers.GetState(name) == CircuitOpen {
		return false, "node circuit breaker is open"
	}
	return true, ""
}
