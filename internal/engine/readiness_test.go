package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/workcell/internal/expressions"
	"github.com/rendis/workcell/internal/resources"
	"github.com/rendis/workcell/pkg/schema"
)

func TestNodeReadiness(t *testing.T) {
	wc := &schema.WorkcellDefinition{Nodes: map[string]string{"arm": "http://arm"}}
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	breakers.RecordFailure("tripped")
	wc.Nodes["tripped"] = "http://tripped"

	tests := []struct {
		name   string
		node   string
		record *schema.Node
		ready  bool
		reason string
	}{
		{"not in workcell", "ghost", &schema.Node{Status: &schema.NodeStatus{}}, false, `node "ghost" not in workcell`},
		{"never polled", "arm", nil, false, `node "arm" has not been polled yet`},
		{"no status", "arm", &schema.Node{}, false, "node has not reported status"},
		{"paused", "arm", &schema.Node{Status: &schema.NodeStatus{Paused: true}}, false, "node is paused"},
		{"breaker open", "tripped", &schema.Node{Status: &schema.NodeStatus{}}, false, "node circuit breaker is open"},
		{"ready", "arm", &schema.Node{Status: &schema.NodeStatus{}}, true, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ready, reason := nodeReadiness(wc, tc.record, tc.node, breakers)
			assert.Equal(t, tc.ready, ready)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestAlwaysReady(t *testing.T) {
	ok, reason, err := AlwaysReady{}.CheckResources(context.Background(), &schema.Workflow{}, &schema.Step{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCELResourceChecker(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	inv := newFakeInventory(&resources.Resource{ResourceID: "tips-1", Name: "tip_rack", Quantity: 96})
	checker := NewCELResourceChecker(cel, inv)
	ctx := context.Background()

	wf := &schema.Workflow{WorkflowID: "wf-1", Parameters: map[string]any{"tips": 8}}
	node := &schema.Node{NodeName: "liquid_handler", State: map[string]any{"deck_clear": true}}
	step := func(conds ...string) *schema.Step {
		return &schema.Step{StepDefinition: schema.StepDefinition{
			Name:       "transfer",
			Node:       "liquid_handler",
			Locations:  map[string]string{"tips": "tip_rack"},
			Conditions: conds,
		}}
	}

	ok, _, err := checker.CheckResources(ctx, wf, step(), node)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = checker.CheckResources(ctx, wf,
		step("resources.tips.quantity >= double(inputs.tips)", "node.state.deck_clear", `step.locations.tips == "tip_rack"`), node)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, reason, err := checker.CheckResources(ctx, wf, step("resources.tips.quantity > 100.0"), node)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "resources.tips.quantity > 100.0")

	_, _, err = checker.CheckResources(ctx, wf, step("resources.tips.quantity"), node)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	missing := step("true")
	missing.Locations = map[string]string{"tips": "no_such_rack"}
	ok, reason, err = checker.CheckResources(ctx, wf, missing, node)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "no_such_rack")
}
