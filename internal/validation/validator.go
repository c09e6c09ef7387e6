package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/workcell/internal/expressions"
	"github.com/rendis/workcell/internal/parameters"
	"github.com/rendis/workcell/pkg/schema"
)

// WorkflowValidator checks a workflow definition against a workcell in three stages:
//  1. Structural (JSON Schema of the definition)
//  2. Definition (parameters, references, data labels, expressions)
//  3. Workcell (node membership, action existence, required and typed args/files)
//
// Structural errors short-circuit the later stages.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	cel        *expressions.CELEngine
	jq         *expressions.GoJQEngine
}

// NewWorkflowValidator creates a validator. cel and jq may be nil to skip
// expression compilation checks.
func NewWorkflowValidator(cel *expressions.CELEngine, jq *expressions.GoJQEngine) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, cel: cel, jq: jq}, nil
}

// Validate runs every stage and aggregates the findings. nodes holds the
// current node records keyed by name; a node without Info only gets the
// membership check, with a warning.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition, wc *schema.WorkcellDefinition, nodes map[string]*schema.Node) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	for _, v := range wv.jsonSchema.ValidateDefinition(def) {
		result.AddError("/", schema.ErrCodeValidation, v)
	}
	if !result.Valid() {
		return result
	}

	result.Merge(wv.validateDefinition(def))
	if wc != nil {
		for i := range def.Flowdef {
			result.Merge(wv.validateStep(i, &def.Flowdef[i], wc, nodes))
		}
	}
	return result
}

func (wv *WorkflowValidator) validateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	declared := make(map[string]bool, len(def.Parameters))
	for i, p := range def.Parameters {
		path := fmt.Sprintf("parameters[%d]", i)
		if declared[p.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate parameter %q", p.Name))
		}
		declared[p.Name] = true

		if !p.IsFeedForward() {
			if p.Step != "" || p.Path != "" {
				result.AddError(path, schema.ErrCodeValidation, "step and path require a label")
			}
			continue
		}
		if p.Default != nil {
			result.AddWarning(path+".default", schema.ErrCodeValidation, "feed-forward parameters ignore default")
		}
		if p.Path != "" && wv.jq != nil {
			if err := wv.jq.Compile(p.Path); err != nil {
				result.AddError(path+".path", schema.ErrCodeExpression, err.Error())
			}
		}
		if p.Step != "" && !hasStepNamed(def, p.Step) {
			result.AddWarning(path+".step", schema.ErrCodeValidation,
				fmt.Sprintf("no step is literally named %q", p.Step))
		}
	}

	// Every parameter name is known but none is bound, so only syntax
	// errors and references to undeclared names surface here.
	scope := parameters.Scope{Deferred: declared}

	labels := make(map[string]string)
	for i := range def.Flowdef {
		step := &def.Flowdef[i]
		path := fmt.Sprintf("flowdef[%d]", i)

		checkRefs(result, path+".name", step.Name, scope)
		checkRefs(result, path+".description", step.Description, scope)
		checkRefs(result, path+".node", step.Node, scope)
		checkRefs(result, path+".action", step.Action, scope)
		if _, err := parameters.ResolveMap(step.Args, scope); err != nil {
			result.AddError(path+".args", errorCode(err), err.Error())
		}
		if _, err := parameters.ResolveStringMap(step.Files, scope); err != nil {
			result.AddError(path+".files", errorCode(err), err.Error())
		}

		for _, output := range sortedKeys(step.DataLabels) {
			label := step.DataLabels[output]
			if prev, dup := labels[label]; dup {
				result.AddError(fmt.Sprintf("%s.data_labels.%s", path, output), schema.ErrCodeDuplicateDataLabel,
					fmt.Sprintf("data label %q already defined by %s", label, prev))
				continue
			}
			labels[label] = path
		}

		if wv.cel != nil {
			for j, cond := range step.Conditions {
				if err := wv.cel.Compile(cond); err != nil {
					result.AddError(fmt.Sprintf("%s.conditions[%d]", path, j), schema.ErrCodeExpression, err.Error())
				}
			}
		}
	}
	return result
}

// ValidateResolvedStep runs the workcell checks on step i after its node
// and action were bound at submission. Callers use it for steps whose
// definition left node or action to a parameter.
func (wv *WorkflowValidator) ValidateResolvedStep(i int, step *schema.StepDefinition, wc *schema.WorkcellDefinition, nodes map[string]*schema.Node) *schema.ValidationResult {
	return wv.checkStep(i, step, wc, nodes, true)
}

// IsParameterized reports whether the workcell checks of a step definition
// wait for submission-time binding.
func IsParameterized(step *schema.StepDefinition) bool {
	return strings.Contains(step.Node, "$") || strings.Contains(step.Action, "$")
}

func (wv *WorkflowValidator) validateStep(i int, step *schema.StepDefinition, wc *schema.WorkcellDefinition, nodes map[string]*schema.Node) *schema.ValidationResult {
	return wv.checkStep(i, step, wc, nodes, false)
}

func (wv *WorkflowValidator) checkStep(i int, step *schema.StepDefinition, wc *schema.WorkcellDefinition, nodes map[string]*schema.Node, resolved bool) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	path := fmt.Sprintf("flowdef[%d]", i)

	if !resolved && strings.Contains(step.Node, "$") {
		result.AddWarning(path+".node", schema.ErrCodeValidation, "node is parameterized; checked after binding")
		return result
	}
	if _, ok := wc.Nodes[step.Node]; !ok {
		result.AddError(path+".node", schema.ErrCodeNodeNotInWorkcell,
			fmt.Sprintf("node %q not in workcell %q", step.Node, wc.Name))
		return result
	}
	if !resolved && strings.Contains(step.Action, "$") {
		result.AddWarning(path+".action", schema.ErrCodeValidation, "action is parameterized; checked after binding")
		return result
	}

	node := nodes[step.Node]
	if node == nil || node.Info == nil {
		result.AddWarning(path+".action", schema.ErrCodeValidation,
			fmt.Sprintf("node %q has not reported info; action checks skipped", step.Node))
		return result
	}

	action, ok := node.Info.Actions[step.Action]
	if !ok || action == nil {
		result.AddError(path+".action", schema.ErrCodeActionNotFound,
			fmt.Sprintf("action %q not found on node %q", step.Action, step.Node))
		return result
	}

	for _, name := range sortedKeys(action.Args) {
		arg := action.Args[name]
		if arg == nil || !arg.Required || arg.Default != nil {
			continue
		}
		if _, ok := step.Args[name]; !ok {
			result.AddError(path+".args."+name, schema.ErrCodeMissingArgument,
				fmt.Sprintf("missing required argument %q for action %q", name, step.Action))
		}
	}
	for _, name := range sortedKeys(step.Args) {
		if _, ok := action.Args[name]; !ok && !strings.Contains(name, "$") {
			result.AddWarning(path+".args."+name, schema.ErrCodeValidation,
				fmt.Sprintf("argument %q is not declared by action %q", name, step.Action))
		}
	}
	for _, name := range sortedKeys(action.Files) {
		f := action.Files[name]
		if f == nil || !f.Required {
			continue
		}
		if _, ok := step.Files[name]; !ok {
			result.AddError(path+".files."+name, schema.ErrCodeMissingFile,
				fmt.Sprintf("missing required file %q for action %q", name, step.Action))
		}
	}

	typeErrs, err := wv.jsonSchema.ValidateArgs(step.Node, action, step.Args)
	if err != nil {
		result.AddWarning(path+".args", schema.ErrCodeValidation, "argument types not checked: "+err.Error())
	}
	for _, v := range typeErrs {
		result.AddError(path+".args", schema.ErrCodeValidation, v)
	}
	return result
}

func checkRefs(result *schema.ValidationResult, path, value string, scope parameters.Scope) {
	if _, err := parameters.ResolveString(value, scope); err != nil {
		result.AddError(path, errorCode(err), err.Error())
	}
}

func errorCode(err error) string {
	for _, code := range []string{schema.ErrCodeParameterSyntax, schema.ErrCodeUnknownParameter} {
		if schema.HasCode(err, code) {
			return code
		}
	}
	return schema.ErrCodeValidation
}

func hasStepNamed(def *schema.WorkflowDefinition, name string) bool {
	for _, s := range def.Flowdef {
		if s.Name == name {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
