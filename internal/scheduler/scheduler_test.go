package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/workcell"
	"github.com/rendis/workcell/pkg/schema"
)

// mockJobStore satisfies JobStore for scheduler tests.
type mockJobStore struct {
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{jobs: make(map[string]*store.ScheduledJob)}
}

func (m *mockJobStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockJobStore) GetScheduledJob(_ context.Context, id string) (*store.ScheduledJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *j
	return &cp, true, nil
}

func (m *mockJobStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	if update.LastWorkflowID != "" {
		j.LastWorkflowID = update.LastWorkflowID
	}
	return nil
}

func (m *mockJobStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockJobStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	delete(m.jobs, id)
	return nil
}

// mockStarter records StartWorkflow calls.
type mockStarter struct {
	mu    sync.Mutex
	calls []workcell.StartRequest
	err   error
}

func (m *mockStarter) StartWorkflow(_ context.Context, req workcell.StartRequest) (*schema.Workflow, *schema.ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, nil, m.err
	}
	return &schema.Workflow{
		WorkflowID:   fmt.Sprintf("wf-%d", len(m.calls)),
		Name:         req.Definition.Name,
		ExperimentID: req.ExperimentID,
		Status:       schema.WorkflowStatusNew,
	}, nil, nil
}

func (m *mockStarter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockStarter) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Definition.Name
	}
	return out
}

var fixedNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler(ms *mockJobStore, starter *mockStarter) *Scheduler {
	s := NewScheduler(ms, starter, time.Hour, slog.Default())
	s.now = func() time.Time { return fixedNow }
	return s
}

func definition(name string) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: name,
		Flowdef: []schema.StepDefinition{{
			Name:   "transfer",
			Node:   "liquidhandler",
			Action: "transfer",
			Args:   map[string]any{"source": "A1", "target": "B1", "volume": 10},
		}},
	}
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockJobStore(), &mockStarter{})
	from := fixedNow

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	var wErr *schema.WorkcellError
	require.ErrorAs(t, err, &wErr)
	assert.Equal(t, schema.ErrCodeValidation, wErr.Code)
}

func TestCreateJob(t *testing.T) {
	ms := newMockJobStore()
	sched := newTestScheduler(ms, &mockStarter{})
	ctx := context.Background()

	job := &store.ScheduledJob{
		Name:           "nightly-plate",
		CronExpression: "0 2 * * *",
		Definition:     definition("plate"),
		Enabled:        true,
	}
	require.NoError(t, sched.CreateJob(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, fixedNow, job.CreatedAt)
	require.NotNil(t, job.NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 11, 2, 0, 0, 0, time.UTC), *job.NextRunAt)

	jobs, err := sched.ListJobs(ctx, store.ScheduledJobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCreateJobRejectsInvalid(t *testing.T) {
	sched := newTestScheduler(newMockJobStore(), &mockStarter{})
	ctx := context.Background()

	tests := []struct {
		name string
		job  store.ScheduledJob
	}{
		{"no name", store.ScheduledJob{CronExpression: "* * * * *", Definition: definition("x")}},
		{"no steps", store.ScheduledJob{Name: "j", CronExpression: "* * * * *"}},
		{"bad cron", store.ScheduledJob{Name: "j", CronExpression: "every day", Definition: definition("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := tt.job
			err := sched.CreateJob(ctx, &job)
			var wErr *schema.WorkcellError
			require.ErrorAs(t, err, &wErr)
			assert.Equal(t, schema.ErrCodeValidation, wErr.Code)
		})
	}
}

func TestTickRunsDueJobs(t *testing.T) {
	ms := newMockJobStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := fixedNow.Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-1",
		Name:           "hourly",
		CronExpression: "0 * * * *",
		Definition:     definition("plate"),
		Inputs:         map[string]any{"volume": 25},
		ExperimentID:   "exp-7",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, starter.callCount())
	call := starter.calls[0]
	assert.Equal(t, "plate", call.Definition.Name)
	assert.Equal(t, "exp-7", call.ExperimentID)
	assert.Equal(t, 25, call.Parameters["volume"])
	assert.False(t, call.ValidateOnly)

	got, _, _ := ms.GetScheduledJob(ctx, "job-1")
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, fixedNow, *got.LastRunAt)
	assert.Equal(t, RunStatusSubmitted, got.LastRunStatus)
	assert.Equal(t, "wf-1", got.LastWorkflowID)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, fixedNow.Add(time.Hour), *got.NextRunAt)
}

func TestTickSkipsNotDueJobs(t *testing.T) {
	ms := newMockJobStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	future := fixedNow.Add(time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-future", Name: "later", CronExpression: "0 * * * *",
		Definition: definition("plate"), Enabled: true, NextRunAt: &future,
	}))

	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())
}

func TestDisabledJobsSkipped(t *testing.T) {
	ms := newMockJobStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := fixedNow.Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-disabled", Name: "off", CronExpression: "0 * * * *",
		Definition: definition("plate"), Enabled: false, NextRunAt: &past,
	}))

	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())
}

func TestRejectedSubmissionRecorded(t *testing.T) {
	ms := newMockJobStore()
	starter := &mockStarter{err: schema.NewError(schema.ErrCodeNodeNotInWorkcell, "node missing")}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := fixedNow.Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-fail", Name: "broken", CronExpression: "0 * * * *",
		Definition: definition("plate"), Enabled: true, NextRunAt: &past,
	}))

	sched.tick(ctx)

	got, _, _ := ms.GetScheduledJob(ctx, "job-fail")
	assert.Equal(t, RunStatusError, got.LastRunStatus)
	assert.Empty(t, got.LastWorkflowID)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(fixedNow))
}

func TestRecoverMissed(t *testing.T) {
	ms := newMockJobStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := fixedNow.Add(-2 * time.Hour)
	future := fixedNow.Add(time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-missed", Name: "missed", CronExpression: "0 * * * *",
		Definition: definition("missed"), Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-upcoming", Name: "upcoming", CronExpression: "0 * * * *",
		Definition: definition("upcoming"), Enabled: true, NextRunAt: &future,
	}))

	n, err := sched.RecoverMissed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"missed"}, starter.names())

	got, _, _ := ms.GetScheduledJob(ctx, "job-missed")
	assert.Equal(t, RunStatusSubmitted, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(fixedNow))
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockJobStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-nil-next", Name: "unscheduled", CronExpression: "0 * * * *",
		Definition: definition("plate"), Enabled: true,
	}))

	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockJobStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := fixedNow.Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-dedup", Name: "dedup", CronExpression: "0 * * * *",
		Definition: definition("plate"), Enabled: true, NextRunAt: &past,
	}))

	require.True(t, sched.tryAcquire("job-dedup"))
	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	sched.releaseJob("job-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())
}

func TestMultipleJobsSomeDue(t *testing.T) {
	ms := newMockJobStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "due-1", Name: "a", CronExpression: "0 * * * *",
		Definition: definition("alpha"), Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "not-due", Name: "b", CronExpression: "0 * * * *",
		Definition: definition("beta"), Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "due-2", Name: "c", CronExpression: "0 * * * *",
		Definition: definition("gamma"), Enabled: true,
	}))

	sched.tick(ctx)

	names := starter.names()
	assert.Len(t, names, 2)
	assert.Contains(t, names, "alpha")
	assert.Contains(t, names, "gamma")
	assert.NotContains(t, names, "beta")
}

func TestSetEnabled(t *testing.T) {
	ms := newMockJobStore()
	sched := newTestScheduler(ms, &mockStarter{})
	ctx := context.Background()

	stale := fixedNow.Add(-48 * time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-toggle", Name: "toggle", CronExpression: "0 * * * *",
		Definition: definition("plate"), Enabled: false, NextRunAt: &stale,
	}))

	require.NoError(t, sched.SetEnabled(ctx, "job-toggle", true))
	got, _, _ := ms.GetScheduledJob(ctx, "job-toggle")
	assert.True(t, got.Enabled)
	assert.Equal(t, fixedNow.Add(time.Hour), *got.NextRunAt)

	require.NoError(t, sched.SetEnabled(ctx, "job-toggle", false))
	got, _, _ = ms.GetScheduledJob(ctx, "job-toggle")
	assert.False(t, got.Enabled)

	err := sched.SetEnabled(ctx, "nope", true)
	var wErr *schema.WorkcellError
	require.ErrorAs(t, err, &wErr)
	assert.Equal(t, schema.ErrCodeNotFound, wErr.Code)
}

func TestDeleteJob(t *testing.T) {
	ms := newMockJobStore()
	sched := newTestScheduler(ms, &mockStarter{})
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{ID: "job-del", Name: "del"}))
	require.NoError(t, sched.DeleteJob(ctx, "job-del"))
	_, ok, err := ms.GetScheduledJob(ctx, "job-del")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, sched.DeleteJob(ctx, "job-del"))
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockJobStore(), &mockStarter{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
