package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/streaming"
	"github.com/rendis/workcell/internal/workcell"
	"github.com/rendis/workcell/pkg/schema"
)

// --- Mock Manager ---

type mockManager struct {
	workflows map[string]*schema.Workflow
	archived  []*schema.Workflow
	events    []*store.Event
	history   []*store.StepHistory
	nodes     []*schema.Node

	startReqs   []workcell.StartRequest
	startResult *schema.ValidationResult
	startErr    error
	controls    []string
	admin       []string
	archFilter  store.ArchiveFilter
	eventsSince int64
}

func newMockManager() *mockManager {
	return &mockManager{workflows: make(map[string]*schema.Workflow)}
}

func (m *mockManager) Workcell(context.Context) (*schema.WorkcellDefinition, error) {
	return &schema.WorkcellDefinition{Name: "test-cell", Nodes: map[string]string{"liquidhandler": "http://lh"}}, nil
}

func (m *mockManager) StartWorkflow(_ context.Context, req workcell.StartRequest) (*schema.Workflow, *schema.ValidationResult, error) {
	m.startReqs = append(m.startReqs, req)
	if m.startErr != nil {
		return nil, m.startResult, m.startErr
	}
	wf := &schema.Workflow{
		WorkflowID:   "wf-1",
		Name:         req.Definition.Name,
		ExperimentID: req.ExperimentID,
		Status:       schema.WorkflowStatusNew,
	}
	if !req.ValidateOnly {
		m.workflows[wf.WorkflowID] = wf
	}
	return wf, &schema.ValidationResult{}, nil
}

func (m *mockManager) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

func (m *mockManager) ListWorkflows(context.Context) ([]*schema.Workflow, error) {
	out := make([]*schema.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *mockManager) ListArchivedWorkflows(_ context.Context, filter store.ArchiveFilter) ([]*schema.Workflow, error) {
	m.archFilter = filter
	return m.archived, nil
}

func (m *mockManager) control(cmd, id string) (*schema.Workflow, error) {
	m.controls = append(m.controls, cmd+":"+id)
	return m.GetWorkflow(context.Background(), id)
}

func (m *mockManager) CancelWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	return m.control("cancel", id)
}

func (m *mockManager) PauseWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	return m.control("pause", id)
}

func (m *mockManager) ResumeWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	return m.control("resume", id)
}

func (m *mockManager) ResubmitWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	if _, err := m.control("resubmit", id); err != nil {
		return nil, err
	}
	wf := &schema.Workflow{WorkflowID: "wf-2", Status: schema.WorkflowStatusNew}
	m.workflows[wf.WorkflowID] = wf
	return wf, nil
}

func (m *mockManager) Events(_ context.Context, _ string, since int64) ([]*store.Event, error) {
	m.eventsSince = since
	return m.events, nil
}

func (m *mockManager) History(context.Context, string) ([]*store.StepHistory, error) {
	return m.history, nil
}

func (m *mockManager) Nodes(context.Context) ([]*schema.Node, error) {
	return m.nodes, nil
}

func (m *mockManager) SendAdminCommand(_ context.Context, cmd schema.AdminCommand, node string) (map[string]*schema.AdminCommandResponse, error) {
	if !cmd.IsValid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown admin command %q", cmd)
	}
	m.admin = append(m.admin, string(cmd)+":"+node)
	return map[string]*schema.AdminCommandResponse{"liquidhandler": {Success: true}}, nil
}

type mockEvents struct {
	eventType string
	filter    store.EventFilter
	events    []*store.Event
}

func (m *mockEvents) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	m.eventType = eventType
	m.filter = filter
	return m.events, nil
}

type notification struct {
	AgentID string
	Payload map[string]any
}

type recordingNotifier struct {
	mu      sync.Mutex
	entries []notification
}

func (n *recordingNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, notification{AgentID: agentID, Payload: payload})
	return nil
}

func (n *recordingNotifier) list() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.entries...)
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractJSON(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), target), text)
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

var transferWorkflow = map[string]any{
	"name": "transfer",
	"parameters": []any{
		map[string]any{"name": "volume", "default": 10},
	},
	"flowdef": []any{
		map[string]any{
			"name":   "transfer",
			"node":   "liquidhandler",
			"action": "transfer",
			"args":   map[string]any{"source": "A1", "target": "B1", "volume": "$volume"},
		},
	},
}

// --- Tests ---

func TestSubmitTool(t *testing.T) {
	mm := newMockManager()
	s := NewWorkcellServer(WorkcellServerDeps{Manager: mm})

	result, err := s.handleSubmit(context.Background(), buildRequest("workcell.submit", map[string]any{
		"workflow":      transferWorkflow,
		"parameters":    map[string]any{"volume": 25},
		"experiment_id": "exp-1",
		"agent_id":      "agent-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	require.Len(t, mm.startReqs, 1)
	req := mm.startReqs[0]
	assert.Equal(t, "transfer", req.Definition.Name)
	require.Len(t, req.Definition.Flowdef, 1)
	assert.Equal(t, "liquidhandler", req.Definition.Flowdef[0].Node)
	assert.Equal(t, "exp-1", req.ExperimentID)
	assert.EqualValues(t, 25, req.Parameters["volume"])
	assert.False(t, req.ValidateOnly)

	var wf schema.Workflow
	extractJSON(t, result, &wf)
	assert.Equal(t, "wf-1", wf.WorkflowID)
	assert.Equal(t, schema.WorkflowStatusNew, wf.Status)

	agentID, ok := s.takeOwner("wf-1")
	assert.True(t, ok)
	assert.Equal(t, "agent-1", agentID)
}

func TestSubmitToolValidateOnly(t *testing.T) {
	mm := newMockManager()
	s := NewWorkcellServer(WorkcellServerDeps{Manager: mm})

	result, err := s.handleSubmit(context.Background(), buildRequest("workcell.submit", map[string]any{
		"workflow":      transferWorkflow,
		"validate_only": true,
		"agent_id":      "agent-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, mm.startReqs, 1)
	assert.True(t, mm.startReqs[0].ValidateOnly)
	assert.Empty(t, mm.workflows)

	_, tracked := s.takeOwner("wf-1")
	assert.False(t, tracked)
}

func TestSubmitToolValidationFailure(t *testing.T) {
	mm := newMockManager()
	vr := &schema.ValidationResult{}
	vr.AddError("flowdef[0].node", schema.ErrCodeNodeNotInWorkcell, "node \"plate_reader\" is not in the workcell")
	mm.startResult = vr
	mm.startErr = vr.ToError()
	s := NewWorkcellServer(WorkcellServerDeps{Manager: mm})

	result, err := s.handleSubmit(context.Background(), buildRequest("workcell.submit", map[string]any{
		"workflow": transferWorkflow,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var out struct {
		Error      string                  `json:"error"`
		Validation schema.ValidationResult `json:"validation"`
	}
	extractJSON(t, result, &out)
	require.Len(t, out.Validation.Errors, 1)
	assert.Equal(t, schema.ErrCodeNodeNotInWorkcell, out.Validation.Errors[0].Code)
}

func TestSubmitToolBadInput(t *testing.T) {
	s := NewWorkcellServer(WorkcellServerDeps{Manager: newMockManager()})
	ctx := context.Background()

	result, err := s.handleSubmit(ctx, buildRequest("workcell.submit", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "workflow is required")

	result, err = s.handleSubmit(ctx, buildRequest("workcell.submit", map[string]any{
		"workflow": map[string]any{"name": "x", "steps": []any{}},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid workflow")
}

func TestStatusTool(t *testing.T) {
	mm := newMockManager()
	mm.workflows["wf-9"] = &schema.Workflow{WorkflowID: "wf-9", Status: schema.WorkflowStatusRunning}
	s := NewWorkcellServer(WorkcellServerDeps{Manager: mm})
	ctx := context.Background()

	result, err := s.handleStatus(ctx, buildRequest("workcell.status", map[string]any{"workflow_id": "wf-9"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var wf schema.Workflow
	extractJSON(t, result, &wf)
	assert.Equal(t, schema.WorkflowStatusRunning, wf.Status)

	result, err = s.handleStatus(ctx, buildRequest("workcell.status", map[string]any{"workflow_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.ErrCodeNotFound)

	result, err = s.handleStatus(ctx, buildRequest("workcell.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestControlTool(t *testing.T) {
	mm := newMockManager()
	mm.workflows["wf-1"] = &schema.Workflow{WorkflowID: "wf-1", Status: schema.WorkflowStatusQueued}
	s := NewWorkcellServer(WorkcellServerDeps{Manager: mm})
	ctx := context.Background()

	for _, cmd := range []string{"pause", "resume", "cancel"} {
		result, err := s.handleControl(ctx, buildRequest("workcell.control", map[string]any{
			"workflow_id": "wf-1", "command": cmd,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError, cmd)
	}
	assert.Equal(t, []string{"pause:wf-1", "resume:wf-1", "cancel:wf-1"}, mm.controls)

	result, err := s.handleControl(ctx, buildRequest("workcell.control", map[string]any{
		"workflow_id": "wf-1", "command": "resubmit", "agent_id": "agent-7",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var wf schema.Workflow
	extractJSON(t, result, &wf)
	assert.Equal(t, "wf-2", wf.WorkflowID)
	agentID, ok := s.takeOwner("wf-2")
	assert.True(t, ok)
	assert.Equal(t, "agent-7", agentID)

	result, err = s.handleControl(ctx, buildRequest("workcell.control", map[string]any{
		"workflow_id": "wf-1", "command": "rewind",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown command")

	result, err = s.handleControl(ctx, buildRequest("workcell.control", map[string]any{
		"workflow_id": "nope", "command": "pause",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryWorkflows(t *testing.T) {
	mm := newMockManager()
	mm.workflows["a"] = &schema.Workflow{WorkflowID: "a", Status: schema.WorkflowStatusQueued}
	mm.workflows["b"] = &schema.Workflow{WorkflowID: "b", Status: schema.WorkflowStatusRunning}
	mm.archived = []*schema.Workflow{{WorkflowID: "old", Status: schema.WorkflowStatusCompleted}}
	s := NewWorkcellServer(WorkcellServerDeps{Manager: mm})
	ctx := context.Background()

	result, err := s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"status": "running"},
	}))
	require.NoError(t, err)
	var out map[string][]schema.Workflow
	extractJSON(t, result, &out)
	require.Len(t, out["workflows"], 1)
	assert.Equal(t, "b", out["workflows"][0].WorkflowID)

	result, err = s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"archived": true, "status": "completed", "experiment_id": "exp-1", "limit": float64(5)},
	}))
	require.NoError(t, err)
	extractJSON(t, result, &out)
	require.Len(t, out["workflows"], 1)
	assert.Equal(t, "old", out["workflows"][0].WorkflowID)
	assert.Equal(t, store.ArchiveFilter{Status: schema.WorkflowStatusCompleted, ExperimentID: "exp-1", Limit: 5}, mm.archFilter)
}

func TestQueryEvents(t *testing.T) {
	mm := newMockManager()
	mm.events = []*store.Event{{WorkflowID: "wf-1", Type: schema.EventWorkflowSubmitted, Sequence: 1}}
	me := &mockEvents{events: []*store.Event{{Node: "liquidhandler", Type: schema.EventNodeStatusChanged}}}
	s := NewWorkcellServer(WorkcellServerDeps{Manager: mm, Events: me})
	ctx := context.Background()

	result, err := s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"workflow_id": "wf-1", "since": float64(3)},
	}))
	require.NoError(t, err)
	var out map[string][]store.Event
	extractJSON(t, result, &out)
	assert.Len(t, out["events"], 1)
	assert.EqualValues(t, 3, mm.eventsSince)

	result, err = s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{
		"resource": "events",
		"filter": map[string]any{
			"event_type": schema.EventNodeStatusChanged,
			"node":       "liquidhandler",
			"since":      "2026-01-01T00:00:00Z",
		},
	}))
	require.NoError(t, err)
	extractJSON(t, result, &out)
	assert.Len(t, out["events"], 1)
	assert.Equal(t, schema.EventNodeStatusChanged, me.eventType)
	assert.Equal(t, "liquidhandler", me.filter.Node)
	require.NotNil(t, me.filter.Since)
	assert.Equal(t, 2026, me.filter.Since.Year())

	result, err = s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{"resource": "events"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryHistoryNodesWorkcell(t *testing.T) {
	mm := newMockManager()
	mm.history = []*store.StepHistory{{StepID: "s1", Node: "liquidhandler"}}
	mm.nodes = []*schema.Node{{NodeName: "liquidhandler"}}
	s := NewWorkcellServer(WorkcellServerDeps{Manager: mm})
	ctx := context.Background()

	result, err := s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{
		"resource": "history", "filter": map[string]any{"workflow_id": "wf-1"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "s1")

	result, err = s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{"resource": "history"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{"resource": "nodes"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "liquidhandler")

	result, err = s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{"resource": "workcell"}))
	require.NoError(t, err)
	var wc schema.WorkcellDefinition
	extractJSON(t, result, &wc)
	assert.Equal(t, "test-cell", wc.Name)

	result, err = s.handleQuery(ctx, buildRequest("workcell.query", map[string]any{"resource": "plates"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAdminTool(t *testing.T) {
	mm := newMockManager()
	s := NewWorkcellServer(WorkcellServerDeps{Manager: mm})
	ctx := context.Background()

	result, err := s.handleAdmin(ctx, buildRequest("workcell.admin", map[string]any{"command": "lock", "node": "liquidhandler"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, []string{"lock:liquidhandler"}, mm.admin)

	result, err = s.handleAdmin(ctx, buildRequest("workcell.admin", map[string]any{"command": "explode"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWatchCompletionsNotifiesOwner(t *testing.T) {
	hub := streaming.NewMemoryHub()
	s := NewWorkcellServer(WorkcellServerDeps{Manager: newMockManager(), Hub: hub})
	notifier := &recordingNotifier{}
	s.notifier = notifier
	s.trackOwner("wf-1", "agent-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.WatchCompletions(ctx) }()

	// Publish until the subscription is live and the owner has been notified.
	require.Eventually(t, func() bool {
		_ = hub.Publish(ctx, streaming.StreamEvent{WorkflowID: "wf-other", EventType: schema.EventWorkflowCompleted})
		_ = hub.Publish(ctx, streaming.StreamEvent{
			WorkflowID: "wf-1",
			EventType:  schema.EventWorkflowFailed,
			Payload:    map[string]any{"error": "step failed"},
			Timestamp:  time.Now().UTC(),
		})
		return len(notifier.list()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	entries := notifier.list()
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-1", entries[0].AgentID)
	assert.Equal(t, "wf-1", entries[0].Payload["workflow_id"])
	assert.Equal(t, schema.EventWorkflowFailed, entries[0].Payload["event_type"])
}

func TestWatchCompletionsNeedsHub(t *testing.T) {
	s := NewWorkcellServer(WorkcellServerDeps{Manager: newMockManager()})
	assert.Error(t, s.WatchCompletions(context.Background()))
}

func TestMCPNotifierWithoutSession(t *testing.T) {
	s := NewWorkcellServer(WorkcellServerDeps{})
	n := NewMCPNotifier(s.MCPServer(), NewSessionRegistry())
	assert.NoError(t, n.Notify(context.Background(), "offline-agent", map[string]any{"message": "done"}))
}
