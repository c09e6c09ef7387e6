package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/workcell"
	"github.com/rendis/workcell/pkg/schema"
)

// handleSubmit validates and queues a workflow run.
func (s *WorkcellServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "workflow", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}
	def, err := workcell.ParseWorkflow(defBytes)
	if err != nil {
		return toolError("invalid workflow", err), nil
	}

	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	wf, validation, err := s.manager.StartWorkflow(ctx, workcell.StartRequest{
		Definition:   def,
		ExperimentID: req.GetString("experiment_id", ""),
		Parameters:   mcp.ParseStringMap(req, "parameters", nil),
		ValidateOnly: req.GetBool("validate_only", false),
	})
	if err != nil {
		if validation != nil && !validation.Valid() {
			return marshalError(map[string]any{"error": err.Error(), "validation": validation})
		}
		return toolError("submit failed", err), nil
	}
	if agentID != "" && !req.GetBool("validate_only", false) {
		s.trackOwner(wf.WorkflowID, agentID)
	}
	return marshalResult(wf)
}

// handleStatus returns the current state of a workflow run.
func (s *WorkcellServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.manager.GetWorkflow(ctx, workflowID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(wf)
}

// handleControl applies a pause, resume, cancel or resubmit.
func (s *WorkcellServer) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required"), nil
	}

	var wf *schema.Workflow
	switch command {
	case "pause":
		wf, err = s.manager.PauseWorkflow(ctx, workflowID)
	case "resume":
		wf, err = s.manager.ResumeWorkflow(ctx, workflowID)
	case "cancel":
		wf, err = s.manager.CancelWorkflow(ctx, workflowID)
	case "resubmit":
		wf, err = s.manager.ResubmitWorkflow(ctx, workflowID)
		if err == nil {
			if agentID := req.GetString("agent_id", ""); agentID != "" {
				s.captureSession(ctx, agentID)
				s.trackOwner(wf.WorkflowID, agentID)
			}
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown command: %s", command)), nil
	}
	if err != nil {
		return toolError(command+" failed", err), nil
	}
	return marshalResult(wf)
}

// handleQuery lists workflows, events, history, nodes or the workcell.
func (s *WorkcellServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "history":
		return s.queryHistory(ctx, filter)
	case "nodes":
		nodes, err := s.manager.Nodes(ctx)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"nodes": nodes})
	case "workcell":
		wc, err := s.manager.Workcell(ctx)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(wc)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleAdmin forwards an admin command to one node or all of them.
func (s *WorkcellServer) handleAdmin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required"), nil
	}
	out, err := s.manager.SendAdminCommand(ctx, schema.AdminCommand(command), req.GetString("node", ""))
	if err != nil {
		return toolError("admin command failed", err), nil
	}
	return marshalResult(map[string]any{"responses": out})
}

// --- Query helpers ---

func (s *WorkcellServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	var (
		wfs []*schema.Workflow
		err error
	)
	if archived, _ := filter["archived"].(bool); archived {
		af := store.ArchiveFilter{Limit: extractInt(filter, "limit", 50)}
		if status, ok := filter["status"].(string); ok {
			af.Status = schema.WorkflowStatus(status)
		}
		if exp, ok := filter["experiment_id"].(string); ok {
			af.ExperimentID = exp
		}
		wfs, err = s.manager.ListArchivedWorkflows(ctx, af)
	} else {
		wfs, err = s.manager.ListWorkflows(ctx)
		if status, ok := filter["status"].(string); ok && status != "" && err == nil {
			kept := wfs[:0]
			for _, wf := range wfs {
				if string(wf.Status) == status {
					kept = append(kept, wf)
				}
			}
			wfs = kept
		}
	}
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"workflows": wfs})
}

func (s *WorkcellServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{Limit: extractInt(filter, "limit", 100)}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if node, ok := filter["node"].(string); ok {
		ef.Node = node
	}
	eventType, _ := filter["event_type"].(string)

	if eventType != "" {
		if s.events == nil {
			return mcp.NewToolResultError("event type queries are not available"), nil
		}
		if since, ok := filter["since"].(string); ok && since != "" {
			if t, err := time.Parse(time.RFC3339, since); err == nil {
				ef.Since = &t
			}
		}
		events, err := s.events.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	// Without an event type the query is scoped to one workflow; since is a sequence number.
	if ef.WorkflowID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'workflow_id' in filter"), nil
	}
	events, err := s.manager.Events(ctx, ef.WorkflowID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *WorkcellServer) queryHistory(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wfID, _ := filter["workflow_id"].(string)
	if wfID == "" {
		return mcp.NewToolResultError("history query requires 'workflow_id' in filter"), nil
	}
	history, err := s.manager.History(ctx, wfID)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"history": history})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *WorkcellServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// toolError renders err, keeping the structured code when there is one.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// marshalError is marshalResult for a payload that reports a failure.
func marshalError(v any) (*mcp.CallToolResult, error) {
	res, err := marshalResult(v)
	if res != nil {
		res.IsError = true
	}
	return res, err
}
