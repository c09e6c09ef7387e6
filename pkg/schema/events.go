package schema

// Event type constants for the event log and stream.
const (
	EventWorkflowSubmitted = "workflow_submitted"
	EventWorkflowQueued    = "workflow_queued"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowResumed   = "workflow_resumed"

	EventStepDispatched = "step_dispatched"
	EventStepSucceeded  = "step_succeeded"
	EventStepFailed     = "step_failed"
	EventStepStale      = "step_result_discarded"

	EventNodeStatusChanged = "node_status_changed"
	EventResourceMoved     = "resource_moved"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusNew        WorkflowStatus = "new"
	WorkflowStatusQueued     WorkflowStatus = "queued"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusRunning    WorkflowStatus = "running"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// IsDispatchable reports whether the scheduler may dispatch the current step.
func (s WorkflowStatus) IsDispatchable() bool {
	return s == WorkflowStatusQueued || s == WorkflowStatusInProgress
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusNotStarted StepStatus = "not_started"
	StepStatusRunning    StepStatus = "running"
	StepStatusSucceeded  StepStatus = "succeeded"
	StepStatusFailed     StepStatus = "failed"
	StepStatusCancelled  StepStatus = "cancelled"
)

// ActionStatus is the status a node reports for an action.
type ActionStatus string

const (
	ActionStatusNotStarted ActionStatus = "not_started"
	ActionStatusNotReady   ActionStatus = "not_ready"
	ActionStatusRunning    ActionStatus = "running"
	ActionStatusSucceeded  ActionStatus = "succeeded"
	ActionStatusFailed     ActionStatus = "failed"
	ActionStatusCancelled  ActionStatus = "cancelled"
	ActionStatusUnknown    ActionStatus = "unknown"
)

// IsTerminal reports whether the action will not change state again.
// Cancelled counts as terminal and is treated as a failure by the engine.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusSucceeded, ActionStatusFailed, ActionStatusCancelled:
		return true
	}
	return false
}
