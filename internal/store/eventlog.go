package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/workcell/pkg/schema"
)

// AppendEvent appends an event with a contiguous per-workflow sequence.
// Node-level events use an empty workflow id and share one sequence.
func (a *LibSQLArchive) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	// A write first forces the deferred transaction to take the write lock
	// before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, step_id, node, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.StepID), nullStr(event.Node), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

const eventColumns = `id, workflow_id, step_id, node, event_type, payload, timestamp, sequence`

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, node, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stepID, &node, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Node = node.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence.
func (a *LibSQLArchive) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence`,
		workflowID, since)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// GetEventsByType returns events of one type, oldest first.
func (a *LibSQLArchive) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Node != "" {
		where = append(where, "node = ?")
		args = append(args, filter.Node)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// StepHistory is one step's lifecycle rebuilt from the event log.
type StepHistory struct {
	StepID     string            `json:"step_id"`
	Node       string            `json:"node,omitempty"`
	Status     schema.StepStatus `json:"status"`
	Dispatches int               `json:"dispatches"`
	Discarded  int               `json:"discarded_results"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
}

// ReplaySteps rebuilds per-step history for a workflow from its events,
// in first-seen order. A gap in the sequence is reported as a store error.
func ReplaySteps(ctx context.Context, a Archive, workflowID string) ([]*StepHistory, error) {
	events, err := a.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	var order []*StepHistory
	byID := make(map[string]*StepHistory)
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, i+1, e.Sequence)
		}
		if e.StepID == "" {
			continue
		}
		h, ok := byID[e.StepID]
		if !ok {
			h = &StepHistory{StepID: e.StepID, Node: e.Node, Status: schema.StepStatusNotStarted}
			byID[e.StepID] = h
			order = append(order, h)
		}
		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepDispatched:
			h.Status = schema.StepStatusRunning
			h.Dispatches++
			if h.StartedAt == nil {
				h.StartedAt = &ts
			}
		case schema.EventStepSucceeded:
			h.Status = schema.StepStatusSucceeded
			h.EndedAt = &ts
		case schema.EventStepFailed:
			h.Status = schema.StepStatusFailed
			h.EndedAt = &ts
		case schema.EventStepStale:
			h.Discarded++
		}
	}
	return order, nil
}

// MarshalPayload is a helper for building event payloads from structs or maps.
func MarshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
