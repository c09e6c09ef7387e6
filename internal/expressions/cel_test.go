package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/workcell/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_ResourcePrecondition(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{
		"step": map[string]any{"name": "move_plate", "locations": map[string]any{"source": "deck_1"}},
		"resources": map[string]any{
			"source": map[string]any{"resource_id": "deck_1", "quantity": 1},
			"target": map[string]any{"resource_id": "reader_nest", "quantity": 0},
		},
	}

	ok, err := e.EvaluateBool(context.Background(),
		`resources.source.quantity > 0 && resources.target.quantity == 0`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `resources.target.quantity > 0`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_InputsAndWorkflow(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{
		"inputs":   map[string]any{"volume": 50},
		"workflow": map[string]any{"experiment_id": "exp-7", "step_index": 1},
	}
	ok, err := e.EvaluateBool(context.Background(),
		`inputs.volume <= 200 && workflow.experiment_id.startsWith("exp-")`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e := newCEL(t)
	ok, err := e.EvaluateBool(context.Background(), `size(resources) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_NonBoolCondition(t *testing.T) {
	e := newCEL(t)
	_, err := e.EvaluateBool(context.Background(), `1 + 2`, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestCEL_CompileErrors(t *testing.T) {
	e := newCEL(t)
	assert.True(t, schema.HasCode(e.Compile(""), schema.ErrCodeExpression))
	assert.True(t, schema.HasCode(e.Compile("resources.source.quantity >"), schema.ErrCodeExpression))
	assert.True(t, schema.HasCode(e.Compile("undeclared_var == 1"), schema.ErrCodeExpression))
	assert.NoError(t, e.Compile(`node.status.locked == false`))
}

func TestCEL_RuntimeErrorMissingField(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), `resources.source.quantity > 0`, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestCEL_ProgramCaching(t *testing.T) {
	e := newCEL(t)
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), `true`, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.cache.len())
}

func TestCEL_Concurrent(t *testing.T) {
	e := newCEL(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), `inputs.n >= 0`, map[string]any{
				"inputs": map[string]any{"n": n},
			})
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
}
