package schema

import "time"

// WorkflowDefinition is the immutable template a workflow run is created from.
type WorkflowDefinition struct {
	Name       string                `json:"name" yaml:"name"`
	Metadata   WorkflowMetadata      `json:"metadata" yaml:"metadata"`
	Parameters []ParameterDefinition `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Flowdef    []StepDefinition      `json:"flowdef" yaml:"flowdef"`
}

// WorkflowMetadata describes who wrote a workflow and what it is for.
type WorkflowMetadata struct {
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
}

// ParameterDefinition declares a workflow parameter.
//
// A parameter with a Label is a feed-forward parameter: its value is the output
// published under that data label by an earlier step, optionally restricted to
// the step named Step and reshaped by the jq expression in Path.
type ParameterDefinition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`

	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	Step  string `json:"step,omitempty" yaml:"step,omitempty"`
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
}

// IsFeedForward reports whether the value is produced at run time by a prior step.
func (p ParameterDefinition) IsFeedForward() bool {
	return p.Label != ""
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Node        string            `json:"node" yaml:"node"`
	Action      string            `json:"action" yaml:"action"`
	Args        map[string]any    `json:"args,omitempty" yaml:"args,omitempty"`
	Files       map[string]string `json:"files,omitempty" yaml:"files,omitempty"`
	DataLabels  map[string]string `json:"data_labels,omitempty" yaml:"data_labels,omitempty"`
	// Locations maps a role (e.g. "source", "target") to a resource id.
	Locations map[string]string `json:"locations,omitempty" yaml:"locations,omitempty"`
	// Conditions are CEL expressions that must all hold before dispatch.
	Conditions []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Workflow is a run instance created from a WorkflowDefinition at submission.
type Workflow struct {
	WorkflowID   string             `json:"workflow_id"`
	Name         string             `json:"name"`
	ExperimentID string             `json:"experiment_id,omitempty"`
	Definition   WorkflowDefinition `json:"definition"`
	Status       WorkflowStatus     `json:"status"`
	Paused       bool               `json:"paused,omitempty"`
	Steps        []Step             `json:"steps"`
	StepIndex    int                `json:"step_index"`
	Parameters   map[string]any     `json:"parameters,omitempty"`
	Files        map[string]string  `json:"files,omitempty"`

	Sequence      int64         `json:"sequence"`
	SubmittedTime time.Time     `json:"submitted_time"`
	QueuedSince   *time.Time    `json:"queued_since,omitempty"`
	StartTime     *time.Time    `json:"start_time,omitempty"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
}

// CurrentStep returns the step at StepIndex, or nil when all steps are done.
func (w *Workflow) CurrentStep() *Step {
	if w.StepIndex < 0 || w.StepIndex >= len(w.Steps) {
		return nil
	}
	return &w.Steps[w.StepIndex]
}

// Step is the runtime copy of a StepDefinition owned by its Workflow.
type Step struct {
	StepDefinition

	StepID    string                   `json:"step_id"`
	Status    StepStatus               `json:"status"`
	ActionID  string                   `json:"action_id,omitempty"`
	Results   map[string]*ActionResult `json:"results,omitempty"`
	StartTime *time.Time               `json:"start_time,omitempty"`
	EndTime   *time.Time               `json:"end_time,omitempty"`
	Duration  time.Duration            `json:"duration,omitempty"`
}

// LatestResult returns the result recorded for the step's current action id.
func (s *Step) LatestResult() *ActionResult {
	if s.Results == nil || s.ActionID == "" {
		return nil
	}
	return s.Results[s.ActionID]
}
