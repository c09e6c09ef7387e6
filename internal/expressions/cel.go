package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/workcell/pkg/schema"
)

// conditionVars are the top-level variables visible to a step condition:
//   - step:      the step being dispatched (name, node, action, args, locations)
//   - workflow:  run metadata (workflow_id, name, experiment_id, step_index)
//   - inputs:    resolved workflow parameters
//   - resources: resources keyed by location role, as reported by the inventory
//   - node:      the target node's record (status, info)
var conditionVars = []string{"step", "workflow", "inputs", "resources", "node"}

// CELEngine evaluates step conditions with Google's Common Expression Language.
type CELEngine struct {
	env   *cel.Env
	cache *cache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares conditionVars
// as map(string, dyn). No functions beyond the CEL standard library are exposed.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(conditionVars))
	for _, v := range conditionVars {
		opts = append(opts, cel.Variable(v, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs a compiled expression. data must be a map keyed by the
// condition variables; missing keys are bound to empty maps.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	vars, _ := data.(map[string]any)
	out, _, err := prg.Eval(activation(vars))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a condition and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q returned %T, want bool", expression, v)
	}
	return b, nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}
	return e.cache.getOrCompile(expression, func(expr string) (cel.Program, error) {
		ast, issues := e.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"CEL compile error in %q: %s", expr, issues.Err().Error()).
				WithCause(issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"CEL program error for %q: %s", expr, err.Error()).
				WithCause(err)
		}
		return prg, nil
	})
}

func activation(data map[string]any) map[string]any {
	act := make(map[string]any, len(conditionVars))
	for _, key := range conditionVars {
		if v, ok := data[key]; ok && v != nil {
			act[key] = v
		} else {
			act[key] = map[string]any{}
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
