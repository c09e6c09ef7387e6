package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/streaming"
	"github.com/rendis/workcell/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("archive unavailable")
}

func fsmWorkflow() *schema.Workflow {
	return &schema.Workflow{
		WorkflowID: "wf-1",
		Status:     schema.WorkflowStatusNew,
		Steps: []schema.Step{
			{StepDefinition: schema.StepDefinition{Name: "read", Node: "plate_reader"}, StepID: "s-1", Status: schema.StepStatusNotStarted},
			{StepDefinition: schema.StepDefinition{Name: "move", Node: "robot_arm"}, StepID: "s-2", Status: schema.StepStatusNotStarted},
		},
	}
}

func TestTransitionWorkflow_Lifecycle(t *testing.T) {
	wf := fsmWorkflow()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr, err := TransitionWorkflow(wf, schema.WorkflowStatusQueued, t0)
	require.NoError(t, err)
	assert.Equal(t, schema.EventWorkflowQueued, tr.Type)
	assert.Equal(t, "new", tr.From)
	assert.Equal(t, "queued", tr.To)
	require.NotNil(t, wf.QueuedSince)
	assert.Equal(t, t0, *wf.QueuedSince)

	_, err = TransitionWorkflow(wf, schema.WorkflowStatusRunning, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, wf.QueuedSince)
	require.NotNil(t, wf.StartTime)
	assert.Equal(t, t0.Add(time.Second), *wf.StartTime)

	// Start time is kept across later steps.
	_, err = TransitionWorkflow(wf, schema.WorkflowStatusQueued, t0.Add(2*time.Second))
	require.NoError(t, err)
	_, err = TransitionWorkflow(wf, schema.WorkflowStatusRunning, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), *wf.StartTime)

	tr, err = TransitionWorkflow(wf, schema.WorkflowStatusCompleted, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, schema.EventWorkflowCompleted, tr.Type)
	require.NotNil(t, wf.EndTime)
	assert.Equal(t, 4*time.Second, wf.Duration)
}

func TestTransitionWorkflow_InvalidTransition(t *testing.T) {
	wf := fsmWorkflow()
	_, err := TransitionWorkflow(wf, schema.WorkflowStatusRunning, time.Now())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, schema.WorkflowStatusNew, wf.Status)
}

func TestTransitionWorkflow_TerminalStatesRejectTransitions(t *testing.T) {
	for _, terminal := range []schema.WorkflowStatus{
		schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled,
	} {
		for _, to := range []schema.WorkflowStatus{schema.WorkflowStatusQueued, schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled} {
			wf := fsmWorkflow()
			wf.Status = terminal
			_, err := TransitionWorkflow(wf, to, time.Now())
			assert.Error(t, err, "%s -> %s", terminal, to)
		}
	}
}

func TestTransitionWorkflow_CancelFromActiveStates(t *testing.T) {
	for _, from := range []schema.WorkflowStatus{
		schema.WorkflowStatusNew, schema.WorkflowStatusQueued,
		schema.WorkflowStatusInProgress, schema.WorkflowStatusRunning,
	} {
		wf := fsmWorkflow()
		wf.Status = from
		tr, err := TransitionWorkflow(wf, schema.WorkflowStatusCancelled, time.Now())
		require.NoError(t, err, "from %s", from)
		assert.Equal(t, schema.EventWorkflowCancelled, tr.Type)
		assert.NotNil(t, wf.EndTime)
	}
}

func TestTransitionStep(t *testing.T) {
	wf := fsmWorkflow()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr, err := TransitionStep(wf, 1, schema.StepStatusRunning, t0)
	require.NoError(t, err)
	assert.Equal(t, schema.EventStepDispatched, tr.Type)
	assert.Equal(t, "s-2", tr.StepID)
	assert.Equal(t, "robot_arm", tr.Node)

	tr, err = TransitionStep(wf, 1, schema.StepStatusSucceeded, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, schema.EventStepSucceeded, tr.Type)
	assert.Equal(t, 3*time.Second, wf.Steps[1].Duration)

	_, err = TransitionStep(wf, 1, schema.StepStatusRunning, t0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, schema.StepStatusNotStarted, wf.Steps[0].Status)
}

func TestTransitionStep_FailureEventType(t *testing.T) {
	for _, to := range []schema.StepStatus{schema.StepStatusFailed, schema.StepStatusCancelled} {
		wf := fsmWorkflow()
		tr, err := TransitionStep(wf, 0, to, time.Now())
		require.NoError(t, err)
		assert.Equal(t, schema.EventStepFailed, tr.Type)
	}
}

func TestWorkflowTransitionTable_AllStatusesPresent(t *testing.T) {
	for _, s := range []schema.WorkflowStatus{
		schema.WorkflowStatusNew, schema.WorkflowStatusQueued, schema.WorkflowStatusInProgress,
		schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled,
	} {
		_, ok := ValidWorkflowTransitions[s]
		assert.True(t, ok, "missing workflow status %s", s)
	}
}

func TestStepTransitionTable_AllStatusesPresent(t *testing.T) {
	for _, s := range []schema.StepStatus{
		schema.StepStatusNotStarted, schema.StepStatusRunning, schema.StepStatusSucceeded,
		schema.StepStatusFailed, schema.StepStatusCancelled,
	} {
		_, ok := ValidStepTransitions[s]
		assert.True(t, ok, "missing step status %s", s)
	}
}

func TestRecorder_WritesArchiveAndHub(t *testing.T) {
	app := &mockAppender{}
	hub := streaming.NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	wf := fsmWorkflow()
	tr, err := TransitionWorkflow(wf, schema.WorkflowStatusQueued, time.Now())
	require.NoError(t, err)
	tr.Payload = map[string]any{"step_index": 0}

	NewRecorder(app, hub, nil).Record(ctx, tr, nil, &Transition{WorkflowID: "wf-1"})

	events := app.Events()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventWorkflowQueued, events[0].Type)
	assert.JSONEq(t, `{"step_index":0,"from":"new","to":"queued"}`, string(events[0].Payload))

	select {
	case ev := <-ch:
		assert.Equal(t, schema.EventWorkflowQueued, ev.EventType)
		assert.Equal(t, "queued", ev.Payload["to"])
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestRecorder_SinkErrorsDoNotPropagate(t *testing.T) {
	r := NewRecorder(&failAppender{}, nil, nil)
	assert.NotPanics(t, func() {
		r.Record(context.Background(), &Transition{WorkflowID: "wf-1", Type: schema.EventWorkflowFailed})
	})

	var nilRecorder *Recorder
	assert.NotPanics(t, func() { nilRecorder.Record(context.Background(), &Transition{Type: "x"}) })
}
