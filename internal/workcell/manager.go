// Package workcell is the manager facade over the shared state: workflow
// submission and control, node registry operations and admin commands.
package workcell

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/workcell/internal/engine"
	"github.com/rendis/workcell/internal/logging"
	"github.com/rendis/workcell/internal/nodeclient"
	"github.com/rendis/workcell/internal/parameters"
	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/validation"
	"github.com/rendis/workcell/pkg/schema"
)

// Options configures a Manager. Store, Clients and Validator are required.
type Options struct {
	Store     store.StateStore
	Archive   store.Archive
	Clients   *nodeclient.Registry
	Validator *validation.WorkflowValidator
	Recorder  *engine.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager is the entry point used by the HTTP, MCP and cron surfaces.
type Manager struct {
	store     store.StateStore
	archive   store.Archive
	clients   *nodeclient.Registry
	validator *validation.WorkflowValidator
	recorder  *engine.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Clients == nil || opts.Validator == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "manager: store, clients and validator are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:     opts.Store,
		archive:   opts.Archive,
		clients:   opts.Clients,
		validator: opts.Validator,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		now:       opts.Now,
	}, nil
}

// Initialize stores the workcell definition, after defaulting and
// validating its config. With clear_workflows set, terminal workflows
// left from a previous run are archived and removed.
func (m *Manager) Initialize(ctx context.Context, wc *schema.WorkcellDefinition) error {
	wc.Config.ApplyDefaults()
	if err := wc.Validate(); err != nil {
		return err
	}
	if wc.WorkcellID == "" {
		wc.WorkcellID = uuid.NewString()
	}
	if err := m.store.WithLock(ctx, func(ctx context.Context) error {
		return m.store.SetWorkcell(ctx, wc)
	}); err != nil {
		return err
	}
	m.logger.Info("workcell initialized", "workcell", wc.Name, "nodes", len(wc.Nodes))

	if wc.Config.ClearOnBoot {
		n, err := m.ClearWorkflows(ctx)
		if err != nil {
			return err
		}
		m.logger.Info("cleared workflows on boot", "count", n)
	}
	return nil
}

// Workcell returns the loaded workcell definition.
func (m *Manager) Workcell(ctx context.Context) (*schema.WorkcellDefinition, error) {
	wc, ok, err := m.store.GetWorkcell(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "workcell definition not loaded")
	}
	return wc, nil
}

// StartRequest is one workflow submission.
type StartRequest struct {
	Definition   *schema.WorkflowDefinition
	ExperimentID string
	Parameters   map[string]any
	// Files maps a submitted file's name to where it was stored. A file
	// whose name is a declared parameter binds that parameter to the path.
	Files        map[string]string
	ValidateOnly bool
}

// StartWorkflow validates the definition against the workcell, binds the
// submitted inputs and creates the run in NEW. With ValidateOnly the run is
// built and returned but not stored. A definition error returns the
// validation result alongside the error and creates nothing.
func (m *Manager) StartWorkflow(ctx context.Context, req StartRequest) (*schema.Workflow, *schema.ValidationResult, error) {
	wc, err := m.Workcell(ctx)
	if err != nil {
		return nil, nil, err
	}
	nodes, err := m.nodeMap(ctx)
	if err != nil {
		return nil, nil, err
	}

	result := m.validator.Validate(req.Definition, wc, nodes)
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	wf, err := m.buildWorkflow(req)
	if err != nil {
		return nil, result, err
	}
	for i := range req.Definition.Flowdef {
		if validation.IsParameterized(&req.Definition.Flowdef[i]) {
			result.Merge(m.validator.ValidateResolvedStep(i, &wf.Steps[i].StepDefinition, wc, nodes))
		}
	}
	if !result.Valid() {
		return nil, result, result.ToError()
	}
	if req.ValidateOnly {
		return wf, result, nil
	}

	if err := m.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, result, err
	}
	logging.LogWith(logging.WithWorkflowID(ctx, wf.WorkflowID), m.logger).
		Info("workflow submitted", "name", wf.Name, "steps", len(wf.Steps), "experiment_id", wf.ExperimentID)
	m.recorder.Record(ctx, &engine.Transition{
		WorkflowID: wf.WorkflowID,
		Type:       schema.EventWorkflowSubmitted,
		To:         string(wf.Status),
		Payload:    map[string]any{"name": wf.Name, "experiment_id": wf.ExperimentID, "steps": len(wf.Steps)},
		At:         wf.SubmittedTime,
	})
	return wf, result, nil
}

func (m *Manager) buildWorkflow(req StartRequest) (*schema.Workflow, error) {
	def := req.Definition

	supplied := make(map[string]any, len(req.Parameters)+len(req.Files))
	for name, path := range req.Files {
		if declaresParameter(def, name) {
			supplied[name] = path
		}
	}
	maps.Copy(supplied, req.Parameters)

	inputs, err := parameters.BindInputs(def, supplied)
	if err != nil {
		return nil, err
	}
	scope := parameters.SubmissionScope(def, inputs)

	wf := &schema.Workflow{
		WorkflowID:    uuid.NewString(),
		ExperimentID:  req.ExperimentID,
		Definition:    *def,
		Status:        schema.WorkflowStatusNew,
		Parameters:    inputs,
		Files:         req.Files,
		SubmittedTime: m.now().UTC(),
	}
	if wf.Name, err = parameters.Substitute(def.Name, scope); err != nil {
		return nil, err
	}
	for _, sd := range def.Flowdef {
		resolved, err := parameters.ResolveSubmission(sd, scope)
		if err != nil {
			return nil, err
		}
		wf.Steps = append(wf.Steps, schema.Step{
			StepDefinition: resolved,
			StepID:         uuid.NewString(),
			Status:         schema.StepStatusNotStarted,
		})
	}
	return wf, nil
}

func declaresParameter(def *schema.WorkflowDefinition, name string) bool {
	for _, p := range def.Parameters {
		if p.Name == name && !p.IsFeedForward() {
			return true
		}
	}
	return false
}

// GetWorkflow returns a workflow from the live store, falling back to the archive.
func (m *Manager) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, ok, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		return wf, nil
	}
	if m.archive != nil {
		wf, ok, err = m.archive.GetArchivedWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return wf, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
}

// ListWorkflows returns the live workflows in submission order.
func (m *Manager) ListWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	return m.store.ListWorkflows(ctx)
}

// ListArchivedWorkflows returns archived workflows matching filter.
func (m *Manager) ListArchivedWorkflows(ctx context.Context, filter store.ArchiveFilter) ([]*schema.Workflow, error) {
	if m.archive == nil {
		return nil, nil
	}
	return m.archive.ListArchivedWorkflows(ctx, filter)
}

// CancelWorkflow marks an active workflow CANCELLED. A step in flight is
// not interrupted; its result is discarded when it arrives.
func (m *Manager) CancelWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	var transitions []*engine.Transition
	wf, err := m.mutate(ctx, id, func(wf *schema.Workflow, now time.Time) error {
		if wf.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is already %s", id, wf.Status)
		}
		if step := wf.CurrentStep(); step != nil && step.Status == schema.StepStatusRunning {
			t, err := engine.TransitionStep(wf, wf.StepIndex, schema.StepStatusCancelled, now)
			if err != nil {
				return err
			}
			transitions = append(transitions, t)
		}
		t, err := engine.TransitionWorkflow(wf, schema.WorkflowStatusCancelled, now)
		if err != nil {
			return err
		}
		transitions = append(transitions, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.recorder.Record(ctx, transitions...)
	m.archiveWorkflow(ctx, wf)
	return wf, nil
}

// PauseWorkflow stops further dispatch of an active workflow. A step in
// flight runs to completion.
func (m *Manager) PauseWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	changed := false
	wf, err := m.mutate(ctx, id, func(wf *schema.Workflow, _ time.Time) error {
		if wf.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is already %s", id, wf.Status)
		}
		changed = !wf.Paused
		wf.Paused = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.recordFlag(ctx, wf, schema.EventWorkflowPaused)
	}
	return wf, nil
}

// ResumeWorkflow clears the pause flag. A queued workflow that already ran
// steps resumes as IN_PROGRESS, with its readiness wait restarted.
func (m *Manager) ResumeWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	changed := false
	wf, err := m.mutate(ctx, id, func(wf *schema.Workflow, now time.Time) error {
		if wf.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is already %s", id, wf.Status)
		}
		if !wf.Paused {
			return nil
		}
		changed = true
		wf.Paused = false
		if wf.Status == schema.WorkflowStatusQueued && wf.StepIndex > 0 {
			if _, err := engine.TransitionWorkflow(wf, schema.WorkflowStatusInProgress, now); err != nil {
				return err
			}
		}
		if wf.Status.IsDispatchable() {
			wf.QueuedSince = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.recordFlag(ctx, wf, schema.EventWorkflowResumed)
	}
	return wf, nil
}

// ResubmitWorkflow starts a new run from a terminal one, with the same
// definition, inputs, files and experiment.
func (m *Manager) ResubmitWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	old, err := m.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !old.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is still %s", id, old.Status)
	}

	def := old.Definition
	inputs := make(map[string]any, len(old.Parameters))
	for k, v := range old.Parameters {
		if _, isFile := old.Files[k]; !isFile {
			inputs[k] = v
		}
	}
	wf, _, err := m.StartWorkflow(ctx, StartRequest{
		Definition:   &def,
		ExperimentID: old.ExperimentID,
		Parameters:   inputs,
		Files:        old.Files,
	})
	return wf, err
}

// ClearWorkflows archives and removes every terminal workflow from the
// live store, returning how many were removed.
func (m *Manager) ClearWorkflows(ctx context.Context) (int, error) {
	var cleared []*schema.Workflow
	err := m.store.WithLock(ctx, func(ctx context.Context) error {
		wfs, err := m.store.ListWorkflows(ctx)
		if err != nil {
			return err
		}
		for _, wf := range wfs {
			if !wf.Status.IsTerminal() {
				continue
			}
			if m.archive != nil {
				if err := m.archive.ArchiveWorkflow(ctx, wf); err != nil {
					return err
				}
			}
			if err := m.store.DeleteWorkflow(ctx, wf.WorkflowID); err != nil {
				return err
			}
			cleared = append(cleared, wf)
		}
		return nil
	})
	return len(cleared), err
}

// Events returns the logged events of a workflow after sequence since.
func (m *Manager) Events(ctx context.Context, workflowID string, since int64) ([]*store.Event, error) {
	if m.archive == nil {
		return nil, nil
	}
	return m.archive.GetEvents(ctx, workflowID, since)
}

// History rebuilds per-step history of a workflow from its event log.
func (m *Manager) History(ctx context.Context, workflowID string) ([]*store.StepHistory, error) {
	if m.archive == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no archive configured")
	}
	return store.ReplaySteps(ctx, m.archive, workflowID)
}

// Nodes returns every node record, by name.
func (m *Manager) Nodes(ctx context.Context) ([]*schema.Node, error) {
	return m.store.ListNodes(ctx)
}

// Node returns one node record.
func (m *Manager) Node(ctx context.Context, name string) (*schema.Node, error) {
	node, ok, err := m.store.GetNode(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", name)
	}
	return node, nil
}

// AddNode registers a node with the workcell. Its record is filled in by
// the node monitor on its next pass.
func (m *Manager) AddNode(ctx context.Context, name, nodeURL string) (*schema.Node, error) {
	if name == "" || nodeURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "node name and url are required")
	}
	if _, err := m.clients.Resolve(nodeURL); err != nil {
		return nil, err
	}

	node := &schema.Node{NodeName: name, NodeURL: nodeURL}
	err := m.store.WithLock(ctx, func(ctx context.Context) error {
		wc, ok, err := m.store.GetWorkcell(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return schema.NewError(schema.ErrCodeNotFound, "workcell definition not loaded")
		}
		if wc.Nodes == nil {
			wc.Nodes = make(map[string]string)
		}
		wc.Nodes[name] = nodeURL
		if err := m.store.SetWorkcell(ctx, wc); err != nil {
			return err
		}
		if existing, ok, err := m.store.GetNode(ctx, name); err != nil {
			return err
		} else if ok && existing.NodeURL == nodeURL {
			node = existing
			return nil
		}
		return m.store.SetNode(ctx, node)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("node added", "node", name, "url", nodeURL)
	return node, nil
}

// SendAdminCommand sends cmd to one node, or to every workcell node when
// nodeName is empty. Per-node failures are reported in the responses.
func (m *Manager) SendAdminCommand(ctx context.Context, cmd schema.AdminCommand, nodeName string) (map[string]*schema.AdminCommandResponse, error) {
	if !cmd.IsValid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown admin command %q", cmd)
	}
	wc, err := m.Workcell(ctx)
	if err != nil {
		return nil, err
	}

	targets := wc.Nodes
	if nodeName != "" {
		u, ok := wc.Nodes[nodeName]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNodeNotInWorkcell, "node %q not in workcell %q", nodeName, wc.Name)
		}
		targets = map[string]string{nodeName: u}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]*schema.AdminCommandResponse, len(targets))
	)
	for name, nodeURL := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := m.adminOne(logging.WithNode(ctx, name), cmd, nodeURL)
			mu.Lock()
			out[name] = resp
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out, nil
}

func (m *Manager) adminOne(ctx context.Context, cmd schema.AdminCommand, nodeURL string) *schema.AdminCommandResponse {
	failed := func(err error) *schema.AdminCommandResponse {
		logging.LogWith(ctx, m.logger).Warn("admin command failed", "command", cmd, "error", err)
		return &schema.AdminCommandResponse{
			Success: false,
			Errors:  []schema.ActionError{{Message: err.Error(), ErrorType: "AdminCommandError", Timestamp: m.now().UTC()}},
		}
	}
	client, err := m.clients.Resolve(nodeURL)
	if err != nil {
		return failed(err)
	}
	resp, err := client.SendAdminCommand(ctx, cmd)
	if err != nil {
		return failed(err)
	}
	return resp
}

// mutate applies fn to a workflow under the lock and persists it.
func (m *Manager) mutate(ctx context.Context, id string, fn func(wf *schema.Workflow, now time.Time) error) (*schema.Workflow, error) {
	var out *schema.Workflow
	err := m.store.WithLock(ctx, func(ctx context.Context) error {
		wf, ok, err := m.store.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
		}
		if err := fn(wf, m.now().UTC()); err != nil {
			return err
		}
		out = wf
		return m.store.SetWorkflow(ctx, wf)
	})
	return out, err
}

func (m *Manager) recordFlag(ctx context.Context, wf *schema.Workflow, eventType string) {
	m.recorder.Record(ctx, &engine.Transition{
		WorkflowID: wf.WorkflowID,
		Type:       eventType,
		Payload:    map[string]any{"status": string(wf.Status), "step_index": wf.StepIndex},
		At:         m.now().UTC(),
	})
}

func (m *Manager) archiveWorkflow(ctx context.Context, wf *schema.Workflow) {
	if m.archive == nil {
		return
	}
	if err := m.archive.ArchiveWorkflow(ctx, wf); err != nil {
		m.logger.Warn("archive workflow failed", "workflow_id", wf.WorkflowID, "error", err)
	}
}

func (m *Manager) nodeMap(ctx context.Context) (map[string]*schema.Node, error) {
	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*schema.Node, len(nodes))
	for _, n := range nodes {
		out[n.NodeName] = n
	}
	return out, nil
}

// SortedNodeNames returns the workcell's node names in order.
func SortedNodeNames(wc *schema.WorkcellDefinition) []string {
	names := make([]string, 0, len(wc.Nodes))
	for name := range wc.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
