package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/workcell/pkg/schema"
)

// GoJQEngine evaluates jq paths against step outputs.
type GoJQEngine struct {
	cache *cache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine. $ENV and env are disabled.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.code(expression)
	return err
}

// Evaluate runs the expression over data. A single output is returned as-is,
// several outputs are collected into a slice, none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data any) (any, error) {
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, Normalize(data))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}
	return e.cache.getOrCompile(expression, func(expr string) (*gojq.Code, error) {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq parse error in %q: %s", expr, err.Error()).WithCause(err)
		}
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq compile error in %q: %s", expr, err.Error()).WithCause(err)
		}
		return code, nil
	})
}

// Normalize converts Go values into the shapes gojq accepts. int64 and
// float32 widen to float64; string maps and slices become their any forms.
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = Normalize(x)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = x
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = Normalize(x)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = x
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return int(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
