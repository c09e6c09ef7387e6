package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/workcell/internal/streaming"
	"github.com/rendis/workcell/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes through the MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

var terminalEvents = []string{
	schema.EventWorkflowCompleted,
	schema.EventWorkflowFailed,
	schema.EventWorkflowCancelled,
}

func (s *WorkcellServer) trackOwner(workflowID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[workflowID] = agentID
}

func (s *WorkcellServer) takeOwner(workflowID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agentID, ok := s.owners[workflowID]
	delete(s.owners, workflowID)
	return agentID, ok
}

// WatchCompletions notifies the submitting agent when one of its runs
// completes, fails or is cancelled. It blocks until ctx is done.
func (s *WorkcellServer) WatchCompletions(ctx context.Context) error {
	if s.hub == nil {
		return errors.New("mcp: completion notifications need an event hub")
	}
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: terminalEvents})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.notifyOwner(ctx, ev)
		}
	}
}

func (s *WorkcellServer) notifyOwner(ctx context.Context, ev streaming.StreamEvent) {
	agentID, ok := s.takeOwner(ev.WorkflowID)
	if !ok {
		return
	}
	payload := map[string]any{
		"workflow_id": ev.WorkflowID,
		"event_type":  ev.EventType,
		"timestamp":   ev.Timestamp,
	}
	if len(ev.Payload) > 0 {
		payload["data"] = ev.Payload
	}
	if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
		s.logger.Warn("agent notification failed", "agent_id", agentID, "workflow_id", ev.WorkflowID, "error", err)
	}
}
