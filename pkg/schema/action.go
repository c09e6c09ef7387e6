package schema

import (
	"path/filepath"
	"time"
)

// ActionRequest is what the engine sends to a node to run one action.
type ActionRequest struct {
	ActionID   string            `json:"action_id"`
	ActionName string            `json:"action_name"`
	Args       map[string]any    `json:"args,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
}

// ActionError is one error reported by a node or by the engine on its behalf.
type ActionError struct {
	Message   string    `json:"message"`
	ErrorType string    `json:"error_type,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ActionResult is the node's report for an action.
type ActionResult struct {
	ActionID string            `json:"action_id"`
	Status   ActionStatus      `json:"status"`
	Data     map[string]any    `json:"data,omitempty"`
	Files    map[string]string `json:"files,omitempty"`
	Errors   []ActionError     `json:"errors,omitempty"`
}

// FailedResult builds a failed result carrying a single error.
func FailedResult(actionID, errorType, message string) *ActionResult {
	return &ActionResult{
		ActionID: actionID,
		Status:   ActionStatusFailed,
		Errors: []ActionError{{
			Message:   message,
			ErrorType: errorType,
			Timestamp: time.Now().UTC(),
		}},
	}
}

// ReturnKind tags the variant held by an ActionReturn.
type ReturnKind int

const (
	ReturnEmpty ReturnKind = iota
	ReturnValue
	ReturnFile
	ReturnLabeled
)

// ActionReturn is the value an action implementation hands back.
// Exactly one variant is populated, selected by Kind.
type ActionReturn struct {
	Kind  ReturnKind
	Value any
	Path  string
	Data  map[string]any
	Files map[string]string
}

// EmptyReturn is an action that produced nothing.
func EmptyReturn() ActionReturn { return ActionReturn{Kind: ReturnEmpty} }

// ValueReturn wraps a single JSON value, published under the "data" output.
func ValueReturn(v any) ActionReturn { return ActionReturn{Kind: ReturnValue, Value: v} }

// FileReturn wraps a single output file, published under the "file" output.
func FileReturn(path string) ActionReturn { return ActionReturn{Kind: ReturnFile, Path: path} }

// LabeledReturn wraps named data and file outputs.
func LabeledReturn(data map[string]any, files map[string]string) ActionReturn {
	return ActionReturn{Kind: ReturnLabeled, Data: data, Files: files}
}

// ToResult converts the return into a succeeded ActionResult.
func (r ActionReturn) ToResult(actionID string) *ActionResult {
	res := &ActionResult{ActionID: actionID, Status: ActionStatusSucceeded}
	switch r.Kind {
	case ReturnValue:
		res.Data = map[string]any{"data": r.Value}
	case ReturnFile:
		res.Files = map[string]string{"file": filepath.Clean(r.Path)}
	case ReturnLabeled:
		if len(r.Data) > 0 {
			res.Data = r.Data
		}
		if len(r.Files) > 0 {
			res.Files = r.Files
		}
	}
	return res
}

// AdminCommand enumerates the administrative commands a node accepts.
type AdminCommand string

const (
	AdminLock       AdminCommand = "lock"
	AdminUnlock     AdminCommand = "unlock"
	AdminPause      AdminCommand = "pause"
	AdminResume     AdminCommand = "resume"
	AdminCancel     AdminCommand = "cancel"
	AdminReset      AdminCommand = "reset"
	AdminShutdown   AdminCommand = "shutdown"
	AdminSafetyStop AdminCommand = "safety_stop"
)

// ValidAdminCommands lists every known admin command.
var ValidAdminCommands = []AdminCommand{
	AdminLock, AdminUnlock, AdminPause, AdminResume,
	AdminCancel, AdminReset, AdminShutdown, AdminSafetyStop,
}

// IsValid reports whether the command is known.
func (c AdminCommand) IsValid() bool {
	for _, v := range ValidAdminCommands {
		if v == c {
			return true
		}
	}
	return false
}

// AdminCommandResponse is a node's reply to an admin command.
type AdminCommandResponse struct {
	Success bool          `json:"success"`
	Errors  []ActionError `json:"errors,omitempty"`
}

// SetConfigResponse is a node's reply to a configuration update.
type SetConfigResponse struct {
	Success bool          `json:"success"`
	Errors  []ActionError `json:"errors,omitempty"`
}
