package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/workcell/internal/expressions"
	"github.com/rendis/workcell/internal/logging"
	"github.com/rendis/workcell/internal/nodeclient"
	"github.com/rendis/workcell/internal/parameters"
	"github.com/rendis/workcell/internal/resources"
	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/streaming"
	"github.com/rendis/workcell/pkg/schema"
)

// Options configures an Engine. Store is required; everything else has a default.
type Options struct {
	Store       store.StateStore
	Archive     store.Archive
	Hub         streaming.EventHub
	Clients     *nodeclient.Registry
	Inventory   resources.Client
	Checker     ResourceChecker
	FeedForward *parameters.FeedForward
	Breakers    *CircuitBreakerRegistry
	Config      schema.WorkcellConfig
	Logger      *slog.Logger
	Now         func() time.Time
}

// Engine is the workcell scheduler. Each iteration advances every workflow
// by at most one transition; step execution runs on the worker pool.
type Engine struct {
	store       store.StateStore
	archive     store.Archive
	clients     *nodeclient.Registry
	checker     ResourceChecker
	feedForward *parameters.FeedForward
	breakers    *CircuitBreakerRegistry
	recorder    *Recorder
	executor    *StepExecutor
	pool        *WorkerPool
	cfg         schema.WorkcellConfig
	logger      *slog.Logger
	now         func() time.Time

	mu sync.Mutex
	// inflight maps workflow id to the node its dispatch is running on.
	inflight map[string]string
	// busyNodes holds nodes with a dispatch from this process in flight.
	busyNodes map[string]string

	// runCtx is the parent of every dispatched step; Stop cancels it.
	runCtx     context.Context
	cancelRuns context.CancelFunc

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: state store is required")
	}
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Clients == nil {
		opts.Clients = nodeclient.NewDefaultRegistry(nodeclient.RESTOptions{DataDir: cfg.DataDirectory})
	}
	if opts.Checker == nil {
		opts.Checker = AlwaysReady{}
	}
	if opts.FeedForward == nil {
		opts.FeedForward = parameters.NewFeedForward(expressions.NewGoJQEngine())
	}
	if opts.Breakers == nil {
		opts.Breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}

	var appender EventAppender
	if opts.Archive != nil {
		appender = opts.Archive
	}
	recorder := NewRecorder(appender, opts.Hub, opts.Logger)

	e := &Engine{
		store:       opts.Store,
		archive:     opts.Archive,
		clients:     opts.Clients,
		checker:     opts.Checker,
		feedForward: opts.FeedForward,
		breakers:    opts.Breakers,
		recorder:    recorder,
		pool:        NewWorkerPool(cfg.MaxConcurrentSteps),
		cfg:         cfg,
		logger:      opts.Logger,
		now:         opts.Now,
		inflight:    make(map[string]string),
		busyNodes:   make(map[string]string),
	}
	e.runCtx, e.cancelRuns = context.WithCancel(context.Background())
	e.executor = &StepExecutor{
		store:         opts.Store,
		archive:       opts.Archive,
		clients:       opts.Clients,
		breakers:      opts.Breakers,
		inventory:     opts.Inventory,
		recorder:      recorder,
		policy:        PollPolicyFromConfig(cfg),
		timeout:       cfg.StepTimeout,
		resendUnknown: cfg.ResendUnknownActions,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	return e, nil
}

// Recorder returns the recorder the engine emits transitions through.
// The manager uses it for the transitions it applies itself.
func (e *Engine) Recorder() *Recorder { return e.recorder }

// Running reports whether the loop started by Start is active.
func (e *Engine) Running() bool { return e.running.Load() }

// InFlight returns the number of step dispatches currently running.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Start runs RunIteration every scheduler_update_interval until Stop is
// called or ctx is cancelled. It returns immediately; the loop runs in its
// own goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return schema.NewError(schema.ErrCodeConflict, "engine already running")
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go e.loop(ctx)
	e.logger.Info("scheduler started",
		"interval", e.cfg.SchedulerUpdateInterval,
		"max_concurrent_steps", e.cfg.MaxConcurrentSteps)
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)

	if e.cfg.ColdStartDelay > 0 {
		select {
		case <-time.After(e.cfg.ColdStartDelay):
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}

	ticker := time.NewTicker(e.cfg.SchedulerUpdateInterval)
	defer ticker.Stop()
	for e.running.Load() {
		if err := e.RunIteration(ctx); err != nil {
			e.logger.Error("scheduler iteration failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

// Stop ends the loop and waits for in-flight dispatches. Dispatches whose
// context is cancelled leave their workflow RUNNING for re-attachment.
func (e *Engine) Stop() {
	if e.running.CompareAndSwap(true, false) {
		close(e.stopCh)
		<-e.doneCh
	}
	e.cancelRuns()
	e.pool.Shutdown()
	e.logger.Info("scheduler stopped", "dispatches", e.pool.Metrics())
}

// Wait blocks until every dispatched step has finished.
func (e *Engine) Wait() { e.pool.Wait() }

// RunIteration reads every workflow in submission order and applies at most
// one transition to each. Only workflows that change are written.
func (e *Engine) RunIteration(ctx context.Context) error {
	wc, ok, err := e.store.GetWorkcell(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "workcell definition not loaded")
	}

	wfs, err := e.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}

	for _, wf := range wfs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wf.Status.IsTerminal() || e.isInFlight(wf.WorkflowID) {
			continue
		}
		wctx := logging.WithWorkflowID(ctx, wf.WorkflowID)

		var err error
		switch {
		case wf.Status == schema.WorkflowStatusNew:
			err = e.queue(wctx, wf.WorkflowID)
		case wf.Status == schema.WorkflowStatusRunning:
			err = e.reattach(wctx, wf)
		case wf.Status.IsDispatchable() && !wf.Paused:
			err = e.tryDispatch(wctx, wc, wf)
		}
		if err != nil {
			logging.LogWith(wctx, e.logger).Error("workflow iteration failed", "error", err)
		}
	}
	return nil
}

// queue moves a NEW workflow to QUEUED.
func (e *Engine) queue(ctx context.Context, id string) error {
	var t *Transition
	err := e.store.WithLock(ctx, func(ctx context.Context) error {
		wf, ok, err := e.store.GetWorkflow(ctx, id)
		if err != nil || !ok || wf.Status != schema.WorkflowStatusNew {
			return err
		}
		if t, err = TransitionWorkflow(wf, schema.WorkflowStatusQueued, e.now().UTC()); err != nil {
			return err
		}
		return e.store.SetWorkflow(ctx, wf)
	})
	if err != nil {
		return err
	}
	e.recorder.Record(ctx, t)
	return nil
}

// tryDispatch runs the readiness checks for the current step and, when they
// pass, marks the step RUNNING and hands it to the pool.
func (e *Engine) tryDispatch(ctx context.Context, wc *schema.WorkcellDefinition, wf *schema.Workflow) error {
	step := wf.CurrentStep()
	if step == nil {
		return e.finishEmpty(ctx, wf.WorkflowID)
	}
	ctx = logging.WithIDs(ctx, wf.WorkflowID, step.StepID, step.Node)
	log := logging.LogWith(ctx, e.logger)

	if e.pool.Available() == 0 {
		return nil
	}

	scope, err := e.feedForward.DispatchScope(ctx, wf)
	if err != nil {
		return e.failStep(ctx, wf.WorkflowID, wf.StepIndex, schema.ErrCodeValidation, err.Error())
	}
	args, files, err := parameters.ResolveDispatch(step.StepDefinition, scope)
	if err != nil {
		return e.failStep(ctx, wf.WorkflowID, wf.StepIndex, errorCode(err), err.Error())
	}

	ready, reason, nodeURL := e.checkReady(ctx, wc, wf, step)
	if !ready {
		log.Debug("step not ready", "reason", reason)
		return e.checkReadinessTimeout(ctx, wf, reason)
	}
	if !e.reserveNode(wf.WorkflowID, step.Node) {
		return nil
	}
	if err := e.breakers.AllowRequest(step.Node); err != nil {
		e.release(wf.WorkflowID)
		log.Debug("step not ready", "reason", err.Error())
		return nil
	}

	d := Dispatch{
		WorkflowID: wf.WorkflowID,
		StepIndex:  wf.StepIndex,
		StepID:     step.StepID,
		ActionID:   uuid.NewString(),
		Node:       step.Node,
		NodeURL:    nodeURL,
		Locations:  step.Locations,
		Request: &schema.ActionRequest{
			ActionName: step.Action,
			Args:       args,
			Files:      files,
		},
	}
	d.Request.ActionID = d.ActionID

	dispatched, err := e.markRunning(ctx, d)
	if err != nil || !dispatched {
		e.breakers.ReleaseRequest(step.Node)
		e.release(wf.WorkflowID)
		return err
	}
	log.Info("dispatching step", "action", step.Action, "action_id", d.ActionID)
	return e.submit(d)
}

// checkReady applies node and resource readiness. It returns the node URL
// to dispatch to when ready.
func (e *Engine) checkReady(ctx context.Context, wc *schema.WorkcellDefinition, wf *schema.Workflow, step *schema.Step) (bool, string, string) {
	node, _, err := e.store.GetNode(ctx, step.Node)
	if err != nil {
		return false, fmt.Sprintf("node record unavailable: %v", err), ""
	}
	if ready, reason := nodeReadiness(wc, node, step.Node, e.breakers); !ready {
		return false, reason, ""
	}

	nodeURL := wc.Nodes[step.Node]
	if _, err := e.clients.Resolve(nodeURL); err != nil {
		return false, err.Error(), ""
	}

	ok, reason, err := e.checker.CheckResources(ctx, wf, step, node)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("resource check failed", "error", err)
		return false, fmt.Sprintf("resource check failed: %v", err), ""
	}
	if !ok {
		return false, reason, ""
	}
	return true, "", nodeURL
}

// checkReadinessTimeout fails a workflow that has waited longer than
// readiness_timeout for its step to become ready.
func (e *Engine) checkReadinessTimeout(ctx context.Context, wf *schema.Workflow, reason string) error {
	if e.cfg.ReadinessTimeout <= 0 || wf.QueuedSince == nil {
		return nil
	}
	waited := e.now().Sub(*wf.QueuedSince)
	if waited < e.cfg.ReadinessTimeout {
		return nil
	}
	msg := fmt.Sprintf("step not ready after %s: %s", waited.Round(time.Second), reason)
	return e.failStep(ctx, wf.WorkflowID, wf.StepIndex, schema.ErrCodeTimeout, msg)
}

// markRunning assigns the action id and moves step and workflow to RUNNING.
// It reports false when the workflow changed since it was listed.
func (e *Engine) markRunning(ctx context.Context, d Dispatch) (bool, error) {
	var transitions []*Transition
	err := e.store.WithLock(ctx, func(ctx context.Context) error {
		wf, ok, err := e.store.GetWorkflow(ctx, d.WorkflowID)
		if err != nil || !ok {
			return err
		}
		if !wf.Status.IsDispatchable() || wf.Paused || wf.StepIndex != d.StepIndex {
			return nil
		}

		now := e.now().UTC()
		wf.Steps[d.StepIndex].ActionID = d.ActionID
		st, err := TransitionStep(wf, d.StepIndex, schema.StepStatusRunning, now)
		if err != nil {
			return err
		}
		st.Payload = map[string]any{"action_id": d.ActionID, "action": d.Request.ActionName}
		wt, err := TransitionWorkflow(wf, schema.WorkflowStatusRunning, now)
		if err != nil {
			return err
		}
		wt.Payload = map[string]any{"step_index": wf.StepIndex}
		if err := e.store.SetWorkflow(ctx, wf); err != nil {
			return err
		}
		transitions = []*Transition{st, wt}
		return nil
	})
	if err != nil || transitions == nil {
		return false, err
	}
	e.recorder.Record(ctx, transitions...)
	return true, nil
}

// reattach resumes polling for a RUNNING step whose action an earlier
// process dispatched. The workflow is re-read after the node is reserved so
// a snapshot that has since moved on is never attached to.
func (e *Engine) reattach(ctx context.Context, snapshot *schema.Workflow) error {
	step := snapshot.CurrentStep()
	if step == nil || step.Status != schema.StepStatusRunning || step.ActionID == "" {
		return e.requeue(ctx, snapshot.WorkflowID)
	}
	wc, ok, err := e.store.GetWorkcell(ctx)
	if err != nil || !ok {
		return err
	}
	if e.pool.Available() == 0 || !e.reserveNode(snapshot.WorkflowID, step.Node) {
		return nil
	}

	wf, ok, err := e.store.GetWorkflow(ctx, snapshot.WorkflowID)
	if err != nil || !ok {
		e.release(snapshot.WorkflowID)
		return err
	}
	cur := wf.CurrentStep()
	if wf.Status != schema.WorkflowStatusRunning || wf.StepIndex != snapshot.StepIndex ||
		cur == nil || cur.Status != schema.StepStatusRunning || cur.ActionID != step.ActionID {
		e.release(wf.WorkflowID)
		return nil
	}
	step = cur

	ctx = logging.WithIDs(ctx, wf.WorkflowID, step.StepID, step.Node)
	log := logging.LogWith(ctx, e.logger)
	d := Dispatch{
		WorkflowID: wf.WorkflowID,
		StepIndex:  wf.StepIndex,
		StepID:     step.StepID,
		ActionID:   step.ActionID,
		Node:       step.Node,
		NodeURL:    wc.Nodes[step.Node],
		Locations:  step.Locations,
		Request:    &schema.ActionRequest{ActionID: step.ActionID, ActionName: step.Action},
		Attach:     true,
	}

	// A resend must carry the same args and files as the first send.
	scope, err := e.feedForward.DispatchScope(ctx, wf)
	if err == nil {
		d.Request.Args, d.Request.Files, err = parameters.ResolveDispatch(step.StepDefinition, scope)
	}
	if err != nil {
		defer e.release(wf.WorkflowID)
		log.Warn("cannot rebuild action request for re-attach", "error", err)
		return e.executor.complete(ctx, d, schema.FailedResult(d.ActionID, errorCode(err), err.Error()))
	}

	log.Info("re-attaching to running step", "action_id", step.ActionID)
	return e.submit(d)
}

// requeue returns a RUNNING workflow with no dispatched action to QUEUED.
func (e *Engine) requeue(ctx context.Context, id string) error {
	var transitions []*Transition
	err := e.store.WithLock(ctx, func(ctx context.Context) error {
		wf, ok, err := e.store.GetWorkflow(ctx, id)
		if err != nil || !ok || wf.Status != schema.WorkflowStatusRunning {
			return err
		}
		now := e.now().UTC()
		if step := wf.CurrentStep(); step != nil && step.Status == schema.StepStatusRunning {
			// Step never got an action id; start it over.
			step.Status = schema.StepStatusNotStarted
			step.StartTime = nil
		}
		t, err := TransitionWorkflow(wf, schema.WorkflowStatusQueued, now)
		if err != nil {
			return err
		}
		transitions = append(transitions, t)
		return e.store.SetWorkflow(ctx, wf)
	})
	if err != nil {
		return err
	}
	e.recorder.Record(ctx, transitions...)
	return nil
}

// finishEmpty completes a dispatchable workflow with no steps left.
func (e *Engine) finishEmpty(ctx context.Context, id string) error {
	var done *schema.Workflow
	var transitions []*Transition
	err := e.store.WithLock(ctx, func(ctx context.Context) error {
		wf, ok, err := e.store.GetWorkflow(ctx, id)
		if err != nil || !ok || !wf.Status.IsDispatchable() || wf.CurrentStep() != nil {
			return err
		}
		now := e.now().UTC()
		for _, to := range []schema.WorkflowStatus{schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted} {
			t, err := TransitionWorkflow(wf, to, now)
			if err != nil {
				return err
			}
			transitions = append(transitions, t)
		}
		done = wf
		return e.store.SetWorkflow(ctx, wf)
	})
	if err != nil {
		return err
	}
	e.recorder.Record(ctx, transitions...)
	if done != nil {
		archiveWorkflow(ctx, e.archive, logging.LogWith(ctx, e.logger), done)
	}
	return nil
}

// failStep fails the current step and its workflow without dispatching,
// recording msg as the step's result error.
func (e *Engine) failStep(ctx context.Context, id string, stepIndex int, code, msg string) error {
	logging.LogWith(ctx, e.logger).Warn("failing workflow before dispatch", "code", code, "error", msg)

	var done *schema.Workflow
	var transitions []*Transition
	err := e.store.WithLock(ctx, func(ctx context.Context) error {
		wf, ok, err := e.store.GetWorkflow(ctx, id)
		if err != nil || !ok || !wf.Status.IsDispatchable() || wf.StepIndex != stepIndex {
			return err
		}
		step := &wf.Steps[stepIndex]
		result := schema.FailedResult(uuid.NewString(), code, msg)
		step.ActionID = result.ActionID
		transitions, err = applyResult(wf, stepIndex, result, e.now().UTC())
		if err != nil {
			return err
		}
		done = wf
		return e.store.SetWorkflow(ctx, wf)
	})
	if err != nil {
		return err
	}
	e.recorder.Record(ctx, transitions...)
	if done != nil {
		archiveWorkflow(ctx, e.archive, logging.LogWith(ctx, e.logger), done)
	}
	return nil
}

// submit hands the dispatch to the pool. The reservation is released when
// the executor returns.
func (e *Engine) submit(d Dispatch) error {
	err := e.pool.TrySubmit(e.runCtx, func(ctx context.Context) error {
		defer e.release(d.WorkflowID)
		if !d.Attach {
			defer e.breakers.ReleaseRequest(d.Node)
		}
		return e.executor.RunStep(ctx, d)
	})
	if err != nil {
		if !d.Attach {
			e.breakers.ReleaseRequest(d.Node)
		}
		e.release(d.WorkflowID)
		if errors.Is(err, ErrPoolFull) {
			// Step stays RUNNING; the next iteration re-attaches.
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) isInFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// reserveNode claims the node for the workflow's dispatch. It fails when
// another dispatch from this process already holds the node.
func (e *Engine) reserveNode(workflowID, node string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[workflowID]; ok {
		return false
	}
	if _, busy := e.busyNodes[node]; busy {
		return false
	}
	e.inflight[workflowID] = node
	e.busyNodes[node] = workflowID
	return true
}

func (e *Engine) release(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if node, ok := e.inflight[workflowID]; ok {
		delete(e.busyNodes, node)
		delete(e.inflight, workflowID)
	}
}
