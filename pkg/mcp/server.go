package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/streaming"
	"github.com/rendis/workcell/internal/workcell"
	"github.com/rendis/workcell/pkg/schema"
)

// Manager is the workcell surface the tools drive. Satisfied by *workcell.Manager.
type Manager interface {
	Workcell(ctx context.Context) (*schema.WorkcellDefinition, error)
	StartWorkflow(ctx context.Context, req workcell.StartRequest) (*schema.Workflow, *schema.ValidationResult, error)
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*schema.Workflow, error)
	ListArchivedWorkflows(ctx context.Context, filter store.ArchiveFilter) ([]*schema.Workflow, error)
	CancelWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	PauseWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ResumeWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ResubmitWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	Events(ctx context.Context, workflowID string, since int64) ([]*store.Event, error)
	History(ctx context.Context, workflowID string) ([]*store.StepHistory, error)
	Nodes(ctx context.Context) ([]*schema.Node, error)
	SendAdminCommand(ctx context.Context, cmd schema.AdminCommand, nodeName string) (map[string]*schema.AdminCommandResponse, error)
}

// EventQuerier reads the event log across workflows. Satisfied by store.Archive.
type EventQuerier interface {
	GetEventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error)
}

// WorkcellServerDeps holds the dependencies for creating a WorkcellServer.
type WorkcellServerDeps struct {
	Manager Manager
	Events  EventQuerier
	// Hub and Sessions enable completion notifications to the submitting agent.
	Hub      streaming.EventHub
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// WorkcellServer wraps an MCP server with workcell tool handlers.
type WorkcellServer struct {
	manager   Manager
	events    EventQuerier
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
	notifier  AgentNotifier

	mu     sync.Mutex
	owners map[string]string // workflowID → agentID
}

// NewWorkcellServer creates a WorkcellServer with all tools registered.
func NewWorkcellServer(deps WorkcellServerDeps) *WorkcellServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &WorkcellServer{
		manager:  deps.Manager,
		events:   deps.Events,
		hub:      deps.Hub,
		sessions: sessions,
		logger:   logger,
		owners:   make(map[string]string),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"workcell",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Workcell runs laboratory workflows across instrument nodes. Use workcell.submit to start a workflow, workcell.status to follow it, workcell.control to pause, resume, cancel or resubmit, workcell.query to list workflows, events, history and nodes, and workcell.admin to send admin commands to nodes."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *WorkcellServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for the server. Agents
// connected this way receive completion notifications.
func (s *WorkcellServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *WorkcellServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *WorkcellServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: adminTool(), Handler: s.handleAdmin},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("workcell.submit",
		mcp.WithDescription("Submit a workflow to the workcell"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition (name, parameters, flowdef)")),
		mcp.WithObject("parameters", mcp.Description("Values for the workflow's declared parameters")),
		mcp.WithString("experiment_id", mcp.Description("Experiment the run belongs to")),
		mcp.WithBoolean("validate_only", mcp.Description("Validate without queueing the run")),
		mcp.WithString("agent_id", mcp.Description("ID of the submitting agent; it is notified when the run ends")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workcell.status",
		mcp.WithDescription("Get a workflow run's status and steps"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("workcell.control",
		mcp.WithDescription("Pause, resume, cancel or resubmit a workflow run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run")),
		mcp.WithString("command", mcp.Required(),
			mcp.Enum("pause", "resume", "cancel", "resubmit"),
			mcp.Description("Control command"),
		),
		mcp.WithString("agent_id", mcp.Description("ID of the agent; a resubmitted run notifies it when it ends")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("workcell.query",
		mcp.WithDescription("Query workflows, events, step history, nodes or the workcell"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "history", "nodes", "workcell"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (archived, status, experiment_id, limit, workflow_id, event_type, node, since)")),
	)
}

func adminTool() mcp.Tool {
	return mcp.NewTool("workcell.admin",
		mcp.WithDescription("Send an admin command to one node or to every node"),
		mcp.WithString("command", mcp.Required(),
			mcp.Enum("lock", "unlock", "pause", "resume", "reset", "cancel", "safety_stop", "shutdown"),
			mcp.Description("Admin command"),
		),
		mcp.WithString("node", mcp.Description("Target node name (default: all nodes)")),
	)
}
