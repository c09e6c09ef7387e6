// Package nodeclient talks to device nodes. A Registry picks the transport
// for a node URL; the REST transport is registered by default.
package nodeclient

import (
	"context"

	"github.com/rendis/workcell/pkg/schema"
)

// Client is the protocol-agnostic set of operations a node supports.
type Client interface {
	// SendAction submits an action. The request's ActionID must already be set.
	SendAction(ctx context.Context, req *schema.ActionRequest) (*schema.ActionResult, error)
	// GetActionResult fetches the current result for an action id. It returns
	// an error with code NOT_FOUND when the node has never seen the id.
	GetActionResult(ctx context.Context, actionID string) (*schema.ActionResult, error)
	// GetActionHistory returns every result the node recorded, keyed by action id.
	// An empty actionID returns the full history.
	GetActionHistory(ctx context.Context, actionID string) (map[string][]*schema.ActionResult, error)
	GetStatus(ctx context.Context) (*schema.NodeStatus, error)
	GetState(ctx context.Context) (map[string]any, error)
	GetInfo(ctx context.Context) (*schema.NodeInfo, error)
	SetConfig(ctx context.Context, config map[string]any) (*schema.SetConfigResponse, error)
	SendAdminCommand(ctx context.Context, cmd schema.AdminCommand) (*schema.AdminCommandResponse, error)
	GetResources(ctx context.Context) (map[string]any, error)
	GetLog(ctx context.Context) ([]map[string]any, error)
}

// IsActionNotFound reports whether err says the node does not know the action id.
func IsActionNotFound(err error) bool {
	return schema.HasCode(err, schema.ErrCodeNotFound)
}
