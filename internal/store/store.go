package store

import (
	"context"
	"sort"

	"github.com/rendis/workcell/pkg/schema"
)

// StateStore is the shared state the scheduler, executor and manager
// coordinate through. All implementations must be safe for concurrent use.
//
// Lookups that can legitimately miss return (nil, false, nil).
type StateStore interface {
	// Workcell
	GetWorkcell(ctx context.Context) (*schema.WorkcellDefinition, bool, error)
	SetWorkcell(ctx context.Context, wc *schema.WorkcellDefinition) error

	// Workflows. CreateWorkflow assigns wf.Sequence and fails with
	// ErrCodeConflict when the id is already taken.
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, bool, error)
	SetWorkflow(ctx context.Context, wf *schema.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	// ListWorkflows returns every workflow ordered by (submitted_time, sequence).
	ListWorkflows(ctx context.Context) ([]*schema.Workflow, error)

	// Nodes
	GetNode(ctx context.Context, name string) (*schema.Node, bool, error)
	SetNode(ctx context.Context, node *schema.Node) error
	ListNodes(ctx context.Context) ([]*schema.Node, error)
	DeleteNode(ctx context.Context, name string) error

	// WithLock runs fn while holding the store-wide state lock. Every
	// read-modify-write of a workflow or node record happens inside it.
	// The lock is not reentrant: fn must not call WithLock.
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error

	Close() error
}

// Archive is the durable history of the workcell: terminal workflows, the
// append-only event log and scheduled submissions.
type Archive interface {
	ArchiveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetArchivedWorkflow(ctx context.Context, id string) (*schema.Workflow, bool, error)
	ListArchivedWorkflows(ctx context.Context, filter ArchiveFilter) ([]*schema.Workflow, error)

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, bool, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	Migrate(ctx context.Context) error
	Close() error
}

// SortWorkflows orders workflows by submission time, then by the sequence
// number the store assigned at creation.
func SortWorkflows(wfs []*schema.Workflow) {
	sort.SliceStable(wfs, func(i, j int) bool {
		a, b := wfs[i], wfs[j]
		if !a.SubmittedTime.Equal(b.SubmittedTime) {
			return a.SubmittedTime.Before(b.SubmittedTime)
		}
		return a.Sequence < b.Sequence
	})
}

func sortNodes(nodes []*schema.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeName < nodes[j].NodeName })
}

func storeNotFound(resource, id string) *schema.WorkcellError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
