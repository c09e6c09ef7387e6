package logging

import (
	"context"
	"io"
	"log/slog"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	stepIDKey
	nodeKey
	actionIDKey
)

// correlationAttrs lists the context keys copied onto every record, in output order.
var correlationAttrs = []struct {
	key  ctxKey
	name string
}{
	{workflowIDKey, "workflow_id"},
	{stepIDKey, "step_id"},
	{nodeKey, "node"},
	{actionIDKey, "action_id"},
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithNode returns a context with the node name set.
func WithNode(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, nodeKey, node)
}

// WithActionID returns a context with the action ID set.
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey, id)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string { return lookup(ctx, workflowIDKey) }

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string { return lookup(ctx, stepIDKey) }

// Node extracts the node name from the context, or "" if absent.
func Node(ctx context.Context) string { return lookup(ctx, nodeKey) }

// ActionID extracts the action ID from the context, or "" if absent.
func ActionID(ctx context.Context) string { return lookup(ctx, actionIDKey) }

func lookup(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithIDs scopes a context to one step dispatch. Empty values are skipped so
// an outer scope's value stays visible.
func WithIDs(ctx context.Context, workflowID, stepID, node string) context.Context {
	if workflowID != "" {
		ctx = WithWorkflowID(ctx, workflowID)
	}
	if stepID != "" {
		ctx = WithStepID(ctx, stepID)
	}
	if node != "" {
		ctx = WithNode(ctx, node)
	}
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs {
		if v := lookup(ctx, a.key); v != "" {
			logger = logger.With(slog.String(a.name, v))
		}
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation IDs from
// the context into every record, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, a := range correlationAttrs {
		if v := lookup(ctx, a.key); v != "" {
			r.AddAttrs(slog.String(a.name, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// New builds the process logger: a text or JSON handler at the given level,
// wrapped in a CorrelationHandler.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
