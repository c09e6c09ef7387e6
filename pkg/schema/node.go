package schema

import (
	"fmt"
	"strings"
	"time"
)

// Node is the runtime record of a device node kept in the shared store.
type Node struct {
	NodeName    string         `json:"node_name"`
	NodeURL     string         `json:"node_url"`
	Status      *NodeStatus    `json:"status,omitempty"`
	Info        *NodeInfo      `json:"info,omitempty"`
	State       map[string]any `json:"state,omitempty"`
	LastUpdated time.Time      `json:"last_updated,omitempty"`
}

// NodeStatus is the status a node reports about itself.
type NodeStatus struct {
	Busy             bool          `json:"busy,omitempty"`
	Paused           bool          `json:"paused,omitempty"`
	Locked           bool          `json:"locked,omitempty"`
	Errored          bool          `json:"errored,omitempty"`
	Stopped          bool          `json:"stopped,omitempty"`
	Disconnected     bool          `json:"disconnected,omitempty"`
	Initializing     bool          `json:"initializing,omitempty"`
	WaitingForConfig []string      `json:"waiting_for_config,omitempty"`
	RunningActions   []string      `json:"running_actions,omitempty"`
	CompletedActions []string      `json:"completed_actions,omitempty"`
	Errors           []ActionError `json:"errors,omitempty"`
	// Ready is the node's own verdict; nil means the node did not say.
	Ready *bool `json:"ready,omitempty"`
}

// IsReady reports whether the node can accept a new action. When it cannot,
// the second return value names the first blocking condition.
func (s *NodeStatus) IsReady() (bool, string) {
	if s == nil {
		return false, "node has not reported status"
	}
	switch {
	case s.Disconnected:
		return false, "node is disconnected"
	case s.Stopped:
		return false, "node is stopped"
	case s.Locked:
		return false, "node is locked"
	case s.Errored:
		return false, "node is in an error state" + s.errorSuffix()
	case s.Initializing:
		return false, "node is initializing"
	case len(s.WaitingForConfig) > 0:
		return false, fmt.Sprintf("node is waiting for config: %s", strings.Join(s.WaitingForConfig, ", "))
	case s.Paused:
		return false, "node is paused"
	case s.Busy || len(s.RunningActions) > 0:
		return false, "node is busy"
	case s.Ready != nil && !*s.Ready:
		return false, "node reports not ready"
	}
	return true, ""
}

func (s *NodeStatus) errorSuffix() string {
	if len(s.Errors) == 0 {
		return ""
	}
	return ": " + s.Errors[len(s.Errors)-1].Message
}

// NodeInfo is the static capability description a node reports.
type NodeInfo struct {
	NodeName    string                       `json:"node_name"`
	NodeID      string                       `json:"node_id,omitempty"`
	Description string                       `json:"description,omitempty"`
	ModuleName  string                       `json:"module_name,omitempty"`
	Actions     map[string]*ActionDefinition `json:"actions,omitempty"`
	Config      map[string]any               `json:"config,omitempty"`
}

// ActionDefinition describes one action a node exposes.
type ActionDefinition struct {
	Name        string                         `json:"name"`
	Description string                         `json:"description,omitempty"`
	Args        map[string]*ArgumentDefinition `json:"args,omitempty"`
	Files       map[string]*FileDefinition     `json:"files,omitempty"`
	Results     map[string]string              `json:"results,omitempty"`
	Blocking    bool                           `json:"blocking,omitempty"`
}

// ArgumentDefinition describes one argument of an action.
// ArgumentType is a JSON Schema type name (string, number, integer, boolean, object, array)
// or empty for any.
type ArgumentDefinition struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentType string `json:"argument_type,omitempty"`
	Required     bool   `json:"required,omitempty"`
	Default      any    `json:"default,omitempty"`
}

// FileDefinition describes one file input of an action.
type FileDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}
