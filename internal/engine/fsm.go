package engine

import (
	"slices"
	"time"

	"github.com/rendis/workcell/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
// Pause is a flag beside the status, so it has no row here.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusNew:        {schema.WorkflowStatusQueued, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusQueued: {
		schema.WorkflowStatusRunning, schema.WorkflowStatusInProgress,
		schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled,
	},
	schema.WorkflowStatusInProgress: {schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning: {
		schema.WorkflowStatusQueued, schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled,
	},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusNotStarted: {schema.StepStatusRunning, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusRunning:    {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusSucceeded:  {},
	schema.StepStatusFailed:     {},
	schema.StepStatusCancelled:  {},
}

// Transition describes one state change, ready to be recorded as an event.
type Transition struct {
	WorkflowID string
	StepID     string
	Node       string
	Type       string
	From       string
	To         string
	Payload    map[string]any
	At         time.Time
}

// TransitionWorkflow moves wf to the given status, stamping end time and
// duration on terminal states. The caller persists wf.
func TransitionWorkflow(wf *schema.Workflow, to schema.WorkflowStatus, now time.Time) (*Transition, error) {
	from := wf.Status
	if !slices.Contains(ValidWorkflowTransitions[from], to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": wf.WorkflowID, "from": string(from), "to": string(to)})
	}

	wf.Status = to
	switch {
	case to == schema.WorkflowStatusQueued:
		wf.QueuedSince = &now
	case to == schema.WorkflowStatusRunning:
		wf.QueuedSince = nil
		if wf.StartTime == nil {
			wf.StartTime = &now
		}
	case to.IsTerminal():
		wf.QueuedSince = nil
		wf.EndTime = &now
		if wf.StartTime != nil {
			wf.Duration = now.Sub(*wf.StartTime)
		}
	}

	return &Transition{
		WorkflowID: wf.WorkflowID,
		Type:       workflowEventType(to),
		From:       string(from),
		To:         string(to),
		At:         now,
	}, nil
}

// TransitionStep moves the step at index i of wf to the given status.
func TransitionStep(wf *schema.Workflow, i int, to schema.StepStatus, now time.Time) (*Transition, error) {
	step := &wf.Steps[i]
	from := step.Status
	if !slices.Contains(ValidStepTransitions[from], to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(step.StepID).
			WithDetails(map[string]any{"workflow_id": wf.WorkflowID, "from": string(from), "to": string(to)})
	}

	step.Status = to
	switch to {
	case schema.StepStatusRunning:
		step.StartTime = &now
		step.EndTime = nil
		step.Duration = 0
	default:
		step.EndTime = &now
		if step.StartTime != nil {
			step.Duration = now.Sub(*step.StartTime)
		}
	}

	return &Transition{
		WorkflowID: wf.WorkflowID,
		StepID:     step.StepID,
		Node:       step.Node,
		Type:       stepEventType(to),
		From:       string(from),
		To:         string(to),
		At:         now,
	}, nil
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusQueued:
		return schema.EventWorkflowQueued
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepDispatched
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed, schema.StepStatusCancelled:
		return schema.EventStepFailed
	default:
		return ""
	}
}
