package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/workcell/pkg/schema"
)

// Event is an immutable entry in the workcell event log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	StepID     string          `json:"step_id,omitempty"`
	Node       string          `json:"node,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	Node       string     `json:"node,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// ArchiveFilter narrows ListArchivedWorkflows.
type ArchiveFilter struct {
	Status       schema.WorkflowStatus `json:"status,omitempty"`
	ExperimentID string                `json:"experiment_id,omitempty"`
	Limit        int                   `json:"limit,omitempty"`
}

// ScheduledJob submits a workflow on a cron schedule.
type ScheduledJob struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name"`
	CronExpression string                    `json:"cron_expression"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	Inputs         map[string]any            `json:"inputs,omitempty"`
	ExperimentID   string                    `json:"experiment_id,omitempty"`
	Enabled        bool                      `json:"enabled"`
	LastRunAt      *time.Time                `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time                `json:"next_run_at,omitempty"`
	LastRunStatus  string                    `json:"last_run_status,omitempty"`
	LastWorkflowID string                    `json:"last_workflow_id,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled        *bool      `json:"enabled,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	LastWorkflowID string     `json:"last_workflow_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
