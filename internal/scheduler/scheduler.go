// Package scheduler submits workflows on cron schedules. Jobs live in the
// archive so they survive restarts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/workcell"
	"github.com/rendis/workcell/pkg/schema"
)

// Run statuses recorded on a job.
const (
	RunStatusSubmitted = "submitted"
	RunStatusError     = "error"
)

const defaultInterval = 30 * time.Second

// JobStore persists scheduled jobs. Satisfied by store.Archive.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*store.ScheduledJob, bool, error)
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// WorkflowStarter submits a workflow run. Satisfied by *workcell.Manager.
type WorkflowStarter interface {
	StartWorkflow(ctx context.Context, req workcell.StartRequest) (*schema.Workflow, *schema.ValidationResult, error)
}

// Scheduler polls the job store for due jobs and submits their workflows.
type Scheduler struct {
	jobs     JobStore
	starter  WorkflowStarter
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler that checks for due jobs every interval.
func NewScheduler(jobs JobStore, starter WorkflowStarter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:     jobs,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: interval,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// CreateJob validates the cron expression, assigns an id and stores the
// job with its first run time.
func (s *Scheduler) CreateJob(ctx context.Context, job *store.ScheduledJob) error {
	if job.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job name is required")
	}
	if len(job.Definition.Flowdef) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job has no workflow steps")
	}
	now := s.now().UTC()
	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = now
	job.NextRunAt = &next
	if err := s.jobs.CreateScheduledJob(ctx, job); err != nil {
		return err
	}
	s.logger.Info("scheduled job created", "job_id", job.ID, "name", job.Name, "cron", job.CronExpression, "next_run_at", next)
	return nil
}

// SetEnabled turns a job on or off. Re-enabling recomputes the next run
// so missed runs are not replayed.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	job, ok, err := s.jobs.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	update := store.ScheduledJobUpdate{Enabled: &enabled}
	if enabled && !job.Enabled {
		next, err := s.CalculateNextRun(job.CronExpression, s.now().UTC())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.jobs.UpdateScheduledJob(ctx, id, update)
}

// DeleteJob removes a job.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	return s.jobs.DeleteScheduledJob(ctx, id)
}

// ListJobs returns jobs matching filter.
func (s *Scheduler) ListJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	return s.jobs.ListScheduledJobs(ctx, filter)
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every enabled job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.jobs.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("list scheduled jobs failed", "error", err)
		return
	}

	now := s.now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("run scheduled job failed", "job_id", job.ID, "error", err)
		}
		s.releaseJob(job.ID)
	}
}

// runJob submits the job's workflow and advances its schedule. A rejected
// submission is recorded on the job; the schedule still advances.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	log := s.logger.With("job_id", job.ID, "job", job.Name)

	def := job.Definition
	wf, _, err := s.starter.StartWorkflow(ctx, workcell.StartRequest{
		Definition:   &def,
		ExperimentID: job.ExperimentID,
		Parameters:   job.Inputs,
	})
	update := store.ScheduledJobUpdate{LastRunAt: &now, LastRunStatus: RunStatusSubmitted}
	if err != nil {
		update.LastRunStatus = RunStatusError
		log.Warn("scheduled submission rejected", "error", err)
	} else {
		update.LastWorkflowID = wf.WorkflowID
		log.Info("scheduled workflow submitted", "workflow_id", wf.WorkflowID)
	}

	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	update.NextRunAt = &next
	return s.jobs.UpdateScheduledJob(ctx, job.ID, update)
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun returns the first activation of cronExpr after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %v", cronExpr, err).WithCause(err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("cron scheduler stopped")
	return nil
}

// RecoverMissed submits, once, every enabled job whose run was missed
// while the manager was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	jobs, err := s.jobs.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("recover missed job failed", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered missed jobs", "count", recovered)
	}
	return recovered, nil
}
