package parameters

import (
	"fmt"

	"github.com/rendis/workcell/pkg/schema"
)

// BindInputs merges the values supplied at submission with parameter
// defaults. Every non-feed-forward parameter must end up with a value;
// feed-forward parameters cannot be supplied by the submitter.
func BindInputs(def *schema.WorkflowDefinition, supplied map[string]any) (map[string]any, error) {
	declared := make(map[string]schema.ParameterDefinition, len(def.Parameters))
	for _, p := range def.Parameters {
		declared[p.Name] = p
	}
	for name := range supplied {
		p, ok := declared[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownParameter, "unknown parameter %q", name).
				WithDetails(map[string]any{"parameter": name})
		}
		if p.IsFeedForward() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"parameter %q is produced by step data label %q and cannot be supplied", name, p.Label)
		}
	}

	bound := make(map[string]any, len(def.Parameters))
	for _, p := range def.Parameters {
		if p.IsFeedForward() {
			continue
		}
		if v, ok := supplied[p.Name]; ok {
			bound[p.Name] = v
			continue
		}
		if p.Default == nil {
			return nil, schema.NewErrorf(schema.ErrCodeMissingArgument,
				"parameter %q has no value and no default", p.Name).
				WithDetails(map[string]any{"parameter": p.Name})
		}
		bound[p.Name] = p.Default
	}
	return bound, nil
}

// SubmissionScope binds inputs and defers every feed-forward parameter.
func SubmissionScope(def *schema.WorkflowDefinition, inputs map[string]any) Scope {
	deferred := make(map[string]bool)
	for _, p := range def.Parameters {
		if p.IsFeedForward() {
			deferred[p.Name] = true
		}
	}
	return Scope{Values: inputs, Deferred: deferred}
}

// ResolveSubmission resolves the fields of a step that are fixed at
// submission: name, description, node and action. Node and action may not
// depend on feed-forward values. Args and files are checked in the same scope
// so bad references fail the submission, but are returned unresolved;
// they are bound at dispatch by ResolveDispatch.
func ResolveSubmission(sd schema.StepDefinition, scope Scope) (schema.StepDefinition, error) {
	strict := Scope{Values: scope.Values}
	out := sd

	var err error
	if out.Name, err = Substitute(sd.Name, scope); err != nil {
		return sd, stepErr(sd, "name", err)
	}
	if out.Description, err = Substitute(sd.Description, scope); err != nil {
		return sd, stepErr(sd, "description", err)
	}
	if out.Node, err = Substitute(sd.Node, strict); err != nil {
		return sd, stepErr(sd, "node", err)
	}
	if out.Action, err = Substitute(sd.Action, strict); err != nil {
		return sd, stepErr(sd, "action", err)
	}
	if out.Locations, err = ResolveStringMap(sd.Locations, strict); err != nil {
		return sd, stepErr(sd, "locations", err)
	}

	if _, err := ResolveMap(sd.Args, scope); err != nil {
		return sd, stepErr(sd, "args", err)
	}
	if _, err := ResolveStringMap(sd.Files, scope); err != nil {
		return sd, stepErr(sd, "files", err)
	}
	return out, nil
}

// ResolveDispatch binds a step's args and files with every value known at
// dispatch, including feed-forward values.
func ResolveDispatch(sd schema.StepDefinition, scope Scope) (map[string]any, map[string]string, error) {
	args, err := ResolveMap(sd.Args, scope)
	if err != nil {
		return nil, nil, stepErr(sd, "args", err)
	}
	files, err := ResolveStringMap(sd.Files, scope)
	if err != nil {
		return nil, nil, stepErr(sd, "files", err)
	}
	return args, files, nil
}

// stepErr prefixes the step and field while keeping the error code reachable.
func stepErr(sd schema.StepDefinition, field string, err error) error {
	return fmt.Errorf("step %q %s: %w", sd.Name, field, err)
}
