package parameters

import (
	"context"
	"fmt"
	"maps"

	"github.com/rendis/workcell/internal/expressions"
	"github.com/rendis/workcell/pkg/schema"
)

// FeedForward computes feed-forward parameter values from the results of a
// workflow's completed steps.
type FeedForward struct {
	jq *expressions.GoJQEngine
}

// NewFeedForward creates a FeedForward that applies jq paths with the given engine.
func NewFeedForward(jq *expressions.GoJQEngine) *FeedForward {
	return &FeedForward{jq: jq}
}

// DispatchScope returns the workflow's bound inputs plus every feed-forward
// value that is available. Feed-forward parameters whose producer has not
// published them are marked unavailable, so referencing them fails.
func (f *FeedForward) DispatchScope(ctx context.Context, wf *schema.Workflow) (Scope, error) {
	values := make(map[string]any, len(wf.Parameters))
	maps.Copy(values, wf.Parameters)
	unavailable := make(map[string]string)

	for _, p := range wf.Definition.Parameters {
		if !p.IsFeedForward() {
			continue
		}
		v, found, err := f.lookup(ctx, wf, p)
		if err != nil {
			return Scope{}, err
		}
		if !found {
			unavailable[p.Name] = fmt.Sprintf("no completed step has published data label %q", p.Label)
			continue
		}
		values[p.Name] = v
	}
	return Scope{Values: values, Unavailable: unavailable}, nil
}

// lookup scans completed steps newest first for the parameter's label.
func (f *FeedForward) lookup(ctx context.Context, wf *schema.Workflow, p schema.ParameterDefinition) (any, bool, error) {
	limit := min(wf.StepIndex, len(wf.Steps))
	for i := limit - 1; i >= 0; i-- {
		step := &wf.Steps[i]
		if step.Status != schema.StepStatusSucceeded {
			continue
		}
		if p.Step != "" && step.Name != p.Step {
			continue
		}
		result := step.LatestResult()
		if result == nil {
			continue
		}

		key := outputKey(step.DataLabels, p.Label)
		v, ok := result.Data[key]
		if !ok {
			path, isFile := result.Files[key]
			if !isFile {
				continue
			}
			v = path
		}

		if p.Path == "" || f.jq == nil {
			return v, true, nil
		}
		out, err := f.jq.Evaluate(ctx, p.Path, v)
		if err != nil {
			return nil, false, fmt.Errorf("feed-forward parameter %q: %w", p.Name, err)
		}
		return out, true, nil
	}
	return nil, false, nil
}

// outputKey maps a workflow-level label back to the action's output name.
// A label that no data_labels entry produces is taken as the output name itself.
func outputKey(dataLabels map[string]string, label string) string {
	for output, l := range dataLabels {
		if l == label {
			return output
		}
	}
	return label
}
