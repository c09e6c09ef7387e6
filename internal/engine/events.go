package engine

import (
	"context"
	"log/slog"
	"maps"

	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/streaming"
)

// EventAppender is satisfied by the archive; used to persist transition events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Recorder writes transitions to the event log and the live hub. Both sinks
// are optional. Recording never fails the caller: sink errors are logged.
type Recorder struct {
	appender EventAppender
	hub      streaming.EventHub
	logger   *slog.Logger
}

// NewRecorder creates a Recorder. appender and hub may be nil.
func NewRecorder(appender EventAppender, hub streaming.EventHub, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{appender: appender, hub: hub, logger: logger}
}

// Record emits every non-nil transition with a known event type, in order.
func (r *Recorder) Record(ctx context.Context, transitions ...*Transition) {
	if r == nil {
		return
	}
	for _, t := range transitions {
		if t == nil || t.Type == "" {
			continue
		}
		r.emit(ctx, t)
	}
}

func (r *Recorder) emit(ctx context.Context, t *Transition) {
	payload := make(map[string]any, len(t.Payload)+2)
	maps.Copy(payload, t.Payload)
	if t.From != "" {
		payload["from"] = t.From
	}
	if t.To != "" {
		payload["to"] = t.To
	}

	if r.appender != nil {
		err := r.appender.AppendEvent(ctx, &store.Event{
			WorkflowID: t.WorkflowID,
			StepID:     t.StepID,
			Node:       t.Node,
			Type:       t.Type,
			Payload:    store.MarshalPayload(payload),
			Timestamp:  t.At,
		})
		if err != nil {
			r.logger.Warn("append event failed", "event", t.Type, "workflow_id", t.WorkflowID, "error", err)
		}
	}
	if r.hub != nil {
		err := r.hub.Publish(ctx, streaming.StreamEvent{
			WorkflowID: t.WorkflowID,
			StepID:     t.StepID,
			Node:       t.Node,
			EventType:  t.Type,
			Payload:    payload,
			Timestamp:  t.At,
		})
		if err != nil {
			r.logger.Warn("publish event failed", "event", t.Type, "workflow_id", t.WorkflowID, "error", err)
		}
	}
}
