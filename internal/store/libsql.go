package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/workcell/pkg/schema"
)

// LibSQLArchive implements Archive on an embedded libSQL database.
type LibSQLArchive struct {
	db *sql.DB
}

// NewLibSQLArchive opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/var/lib/workcell/archive.db".
func NewLibSQLArchive(dbPath string) (*LibSQLArchive, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLArchive{db: db}, nil
}

func (a *LibSQLArchive) Close() error { return a.db.Close() }

func (a *LibSQLArchive) Migrate(ctx context.Context) error {
	return runMigrations(ctx, a.db)
}

// --- Workflows ---

// ArchiveWorkflow upserts the full workflow record. Archiving twice keeps the latest copy.
func (a *LibSQLArchive) ArchiveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	record, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, experiment_id, status, submitted_at, ended_at, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, ended_at=excluded.ended_at, record=excluded.record,
		   archived_at=CURRENT_TIMESTAMP`,
		wf.WorkflowID, wf.Name, nullStr(wf.ExperimentID), string(wf.Status),
		timeOrNow(wf.SubmittedTime), nullTime(wf.EndTime), string(record),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "archive workflow").WithCause(err)
	}
	return nil
}

func (a *LibSQLArchive) GetArchivedWorkflow(ctx context.Context, id string) (*schema.Workflow, bool, error) {
	var record string
	err := a.db.QueryRowContext(ctx, `SELECT record FROM workflows WHERE id = ?`, id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	wf, err := decodeWorkflow([]byte(record))
	if err != nil {
		return nil, false, err
	}
	return wf, true, nil
}

func (a *LibSQLArchive) ListArchivedWorkflows(ctx context.Context, filter ArchiveFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ExperimentID != "" {
		where = append(where, "experiment_id = ?")
		args = append(args, filter.ExperimentID)
	}

	query := `SELECT record FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		wf, err := decodeWorkflow([]byte(record))
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// --- Scheduled Jobs ---

func (a *LibSQLArchive) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	def, err := json.Marshal(job.Definition)
	if err != nil {
		return fmt.Errorf("marshal job definition: %w", err)
	}
	inputs, err := marshalMapOrNil(job.Inputs)
	if err != nil {
		return fmt.Errorf("marshal job inputs: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, cron_expression, definition, inputs, experiment_id, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpression, string(def), inputs, nullStr(job.ExperimentID),
		job.Enabled, nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	return err
}

const jobColumns = `id, name, cron_expression, definition, inputs, experiment_id, enabled,
	last_run_at, next_run_at, last_run_status, last_workflow_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var def string
	var inputs, experimentID, lastStatus, lastWorkflow sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&j.ID, &j.Name, &j.CronExpression, &def, &inputs, &experimentID, &j.Enabled,
		&lastRun, &nextRun, &lastStatus, &lastWorkflow, &j.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &j.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal job definition: %w", err)
	}
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &j.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal job inputs: %w", err)
		}
	}
	j.ExperimentID = experimentID.String
	j.LastRunStatus = lastStatus.String
	j.LastWorkflowID = lastWorkflow.String
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	return j, nil
}

func (a *LibSQLArchive) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, bool, error) {
	j, err := scanJob(a.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

func (a *LibSQLArchive) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastWorkflowID != "" {
		sets = append(sets, "last_workflow_id = ?")
		args = append(args, update.LastWorkflowID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := a.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (a *LibSQLArchive) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, *filter.Enabled)
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (a *LibSQLArchive) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
