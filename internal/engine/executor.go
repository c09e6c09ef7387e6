package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/workcell/internal/logging"
	"github.com/rendis/workcell/internal/nodeclient"
	"github.com/rendis/workcell/internal/resources"
	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/pkg/schema"
)

// Dispatch identifies one step dispatch handed to the StepExecutor.
type Dispatch struct {
	WorkflowID string
	StepIndex  int
	StepID     string
	ActionID   string
	Node       string
	NodeURL    string
	Request    *schema.ActionRequest
	Locations  map[string]string
	// Attach polls an action an earlier process already sent, without sending it again.
	Attach bool
}

// StepExecutor drives one dispatched step to a terminal result and writes
// the result back to the workflow.
type StepExecutor struct {
	store         store.StateStore
	archive       store.Archive
	clients       *nodeclient.Registry
	breakers      *CircuitBreakerRegistry
	inventory     resources.Client
	recorder      *Recorder
	policy        PollPolicy
	timeout       time.Duration
	// resendUnknown resends when the node answers 404 for the action id.
	resendUnknown bool
	logger        *slog.Logger
	now           func() time.Time
}

// RunStep sends the action, polls it to a terminal status within the step
// timeout and applies the result. When ctx is cancelled before a result is
// known, nothing is written: the workflow stays RUNNING and a later
// scheduler re-attaches to the same action id.
func (e *StepExecutor) RunStep(ctx context.Context, d Dispatch) error {
	ctx = logging.WithActionID(logging.WithIDs(ctx, d.WorkflowID, d.StepID, d.Node), d.ActionID)
	log := logging.LogWith(ctx, e.logger)

	result := e.execute(ctx, d)
	if result == nil {
		log.Info("step abandoned on shutdown; will re-attach", "action", d.Request.ActionName)
		return ctx.Err()
	}
	result.ActionID = d.ActionID
	log.Info("step finished", "action", d.Request.ActionName, "status", result.Status)
	return e.complete(context.WithoutCancel(ctx), d, result)
}

// execute returns the terminal result, or nil when ctx was cancelled.
func (e *StepExecutor) execute(ctx context.Context, d Dispatch) *schema.ActionResult {
	log := logging.LogWith(ctx, e.logger)

	client, err := e.clients.Resolve(d.NodeURL)
	if err != nil {
		return schema.FailedResult(d.ActionID, schema.ErrCodeNoClient, err.Error())
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if !d.Attach {
		if res := e.send(stepCtx, client, d); res != nil {
			return res
		}
	}

poll:
	for attempt := 0; ; attempt++ {
		if err := WaitForBackoff(stepCtx, ComputeBackoff(e.policy, attempt)); err != nil {
			break
		}

		res, err := client.GetActionResult(stepCtx, d.ActionID)
		switch {
		case err == nil:
			e.breakers.RecordSuccess(d.Node)
			if res.Status.IsTerminal() {
				return res
			}
			log.Debug("action not finished", "status", res.Status, "attempt", attempt)

		case nodeclient.IsActionNotFound(err):
			// The node answered but never saw the action: the send was lost.
			e.breakers.RecordSuccess(d.Node)
			if !e.resendUnknown {
				return schema.FailedResult(d.ActionID, schema.ErrCodeTransport,
					fmt.Sprintf("node %q has no record of action %s", d.Node, d.ActionID))
			}
			log.Warn("node does not know action id; resending")
			if res := e.send(stepCtx, client, d); res != nil {
				return res
			}

		case stepCtx.Err() != nil:
			break poll

		case IsRetryableError(err):
			if e.breakers.RecordFailure(d.Node) == CircuitOpen {
				log.Warn("node circuit open", "breaker", e.breakers.GetStats(d.Node))
			}
			log.Warn("poll failed; retrying", "error", err, "attempt", attempt)

		default:
			return schema.FailedResult(d.ActionID, errorCode(err), err.Error())
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return schema.FailedResult(d.ActionID, schema.ErrCodeTimeout,
		fmt.Sprintf("step timed out after %s waiting for node %q", e.timeout, d.Node))
}

// send submits the action. It returns a terminal result, a failure that
// polling cannot fix, or nil when the outcome must be polled.
func (e *StepExecutor) send(ctx context.Context, client nodeclient.Client, d Dispatch) *schema.ActionResult {
	log := logging.LogWith(ctx, e.logger)

	res, err := client.SendAction(ctx, d.Request)
	switch {
	case err == nil:
		e.breakers.RecordSuccess(d.Node)
		if res != nil && res.Status.IsTerminal() {
			return res
		}
		return nil
	case ctx.Err() != nil:
		return nil
	case IsRetryableError(err):
		// The node may have accepted the action before the error; poll by id.
		e.breakers.RecordFailure(d.Node)
		log.Warn("send failed; polling by action id", "error", err)
		return nil
	default:
		return schema.FailedResult(d.ActionID, errorCode(err), err.Error())
	}
}

// complete applies the result under the lock. The workflow is re-read first;
// a result for a workflow that has moved on is discarded.
func (e *StepExecutor) complete(ctx context.Context, d Dispatch, result *schema.ActionResult) error {
	log := logging.LogWith(ctx, e.logger)

	var (
		transitions []*Transition
		finished    *schema.Workflow
		stale       string
		succeeded   bool
	)
	err := e.store.WithLock(ctx, func(ctx context.Context) error {
		wf, ok, err := e.store.GetWorkflow(ctx, d.WorkflowID)
		if err != nil {
			return err
		}
		if !ok {
			stale = "workflow no longer exists"
			return nil
		}
		if stale = staleReason(wf, d); stale != "" {
			return nil
		}

		transitions, err = applyResult(wf, d.StepIndex, result, e.now().UTC())
		if err != nil {
			return err
		}
		if err := e.store.SetWorkflow(ctx, wf); err != nil {
			return err
		}
		succeeded = result.Status == schema.ActionStatusSucceeded
		if wf.Status.IsTerminal() {
			finished = wf
		}
		return nil
	})
	if err != nil {
		log.Error("failed to record step result", "error", err)
		return err
	}

	if stale != "" {
		log.Info("discarding stale step result", "reason", stale, "status", result.Status)
		e.recorder.Record(ctx, &Transition{
			WorkflowID: d.WorkflowID,
			StepID:     d.StepID,
			Node:       d.Node,
			Type:       schema.EventStepStale,
			Payload:    map[string]any{"reason": stale, "action_id": d.ActionID, "status": string(result.Status)},
			At:         e.now().UTC(),
		})
		return nil
	}

	e.recorder.Record(ctx, transitions...)
	if succeeded {
		e.moveResources(ctx, d)
	}
	if finished != nil {
		archiveWorkflow(ctx, e.archive, log, finished)
	}
	return nil
}

// staleReason reports why a result no longer applies to wf, or "".
func staleReason(wf *schema.Workflow, d Dispatch) string {
	switch {
	case wf.Status != schema.WorkflowStatusRunning:
		return fmt.Sprintf("workflow is %s", wf.Status)
	case wf.StepIndex != d.StepIndex:
		return fmt.Sprintf("workflow moved to step %d", wf.StepIndex)
	case wf.Steps[d.StepIndex].ActionID != d.ActionID:
		return "step was re-dispatched with another action id"
	}
	return ""
}

// applyResult records result on step i and advances the workflow.
func applyResult(wf *schema.Workflow, i int, result *schema.ActionResult, now time.Time) ([]*Transition, error) {
	step := &wf.Steps[i]
	if step.Results == nil {
		step.Results = make(map[string]*schema.ActionResult)
	}
	step.Results[result.ActionID] = result

	stepTo, wfTo := schema.StepStatusFailed, schema.WorkflowStatusFailed
	if result.Status == schema.ActionStatusSucceeded {
		stepTo = schema.StepStatusSucceeded
		wfTo = schema.WorkflowStatusQueued
		if i+1 >= len(wf.Steps) {
			wfTo = schema.WorkflowStatusCompleted
		}
	}

	st, err := TransitionStep(wf, i, stepTo, now)
	if err != nil {
		return nil, err
	}
	st.Payload = map[string]any{"action_id": result.ActionID, "status": string(result.Status)}
	if len(result.Errors) > 0 {
		st.Payload["error"] = result.Errors[len(result.Errors)-1].Message
	}
	if stepTo == schema.StepStatusSucceeded {
		wf.StepIndex = i + 1
	}

	wt, err := TransitionWorkflow(wf, wfTo, now)
	if err != nil {
		return nil, err
	}
	wt.Payload = map[string]any{"step_index": wf.StepIndex}
	return []*Transition{st, wt}, nil
}

// moveResources pops the source location and pushes the item onto the
// target after a successful step. Locations may name a resource by id or by
// name. Failures are logged, never fatal.
func (e *StepExecutor) moveResources(ctx context.Context, d Dispatch) {
	sourceRef, targetRef := d.Locations["source"], d.Locations["target"]
	if e.inventory == nil || sourceRef == "" || targetRef == "" {
		return
	}
	log := logging.LogWith(ctx, e.logger)

	source, ok, err := resources.Lookup(ctx, e.inventory, sourceRef)
	if err != nil || !ok {
		log.Warn("resource move skipped: source not found", "source", sourceRef, "error", err)
		return
	}
	target, ok, err := resources.Lookup(ctx, e.inventory, targetRef)
	if err != nil || !ok {
		log.Warn("resource move skipped: target not found", "target", targetRef, "error", err)
		return
	}

	item, err := e.inventory.Pop(ctx, source.ResourceID)
	if err != nil {
		log.Warn("resource pop failed", "source", source.ResourceID, "error", err)
		return
	}
	if _, err := e.inventory.Push(ctx, target.ResourceID, item); err != nil {
		log.Warn("resource push failed; item is detached", "target", target.ResourceID, "resource_id", item.ResourceID, "error", err)
		return
	}
	e.recorder.Record(ctx, &Transition{
		WorkflowID: d.WorkflowID,
		StepID:     d.StepID,
		Node:       d.Node,
		Type:       schema.EventResourceMoved,
		Payload:    map[string]any{"resource_id": item.ResourceID, "source": source.ResourceID, "target": target.ResourceID},
		At:         e.now().UTC(),
	})
}

func archiveWorkflow(ctx context.Context, archive store.Archive, log *slog.Logger, wf *schema.Workflow) {
	if archive == nil {
		return
	}
	if err := archive.ArchiveWorkflow(ctx, wf); err != nil {
		log.Warn("archive workflow failed", "workflow_id", wf.WorkflowID, "error", err)
	}
}

func errorCode(err error) string {
	var wErr *schema.WorkcellError
	if errors.As(err, &wErr) {
		return wErr.Code
	}
	return schema.ErrCodeStepFailed
}
