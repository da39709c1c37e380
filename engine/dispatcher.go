package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/madsci-dev/workcell/labclients"
	"github.com/madsci-dev/workcell/nodeclient"
	"github.com/madsci-dev/workcell/state"
	"github.com/madsci-dev/workcell/types"
)

// Dispatcher executes dispatched steps against their nodes, one worker per
// in-flight step, and commits the results back to the store under the state
// lock.
type Dispatcher struct {
	cfg Config
	wg  sync.WaitGroup
}

// Go runs one step in a new worker. done is called when the worker exits,
// whatever the outcome.
func (d *Dispatcher) Go(workflowID, actionID string, recover bool, done func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer done()
		// Workers finish their step even when the engine context ends, so a
		// clean shutdown does not strand a committed dispatch.
		ctx := context.Background()
		if err := d.execute(ctx, workflowID, actionID, recover); err != nil {
			d.cfg.Logger.Error(ctx, "dispatch worker", "workflow_id", workflowID, "err", err)
		}
	}()
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// execute drives a single step to a terminal result and records it. With
// recover set, the step was already sent by a previous process and the
// worker goes straight to polling the recorded action ID.
func (d *Dispatcher) execute(ctx context.Context, workflowID, actionID string, recover bool) error {
	wf, err := d.cfg.Store.Workflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	step := wf.CurrentStep()
	if step == nil {
		return fmt.Errorf("workflow %q has no current step", workflowID)
	}
	node, err := d.cfg.Store.Node(ctx, step.Node)
	if err != nil {
		return d.record(ctx, workflowID, types.FailedResult(actionID, err))
	}

	client, err := d.cfg.Clients(node.NodeURL)
	if err != nil {
		return d.record(ctx, workflowID, types.FailedResult(actionID, err))
	}

	var result *types.ActionResult
	if recover {
		result, err = d.poll(ctx, workflowID, actionID, client)
	} else {
		own := wf.Ownership
		if wf.Status.CurrentStepIndex == 0 && len(step.Results) == 0 {
			d.cfg.Events.Emit(ctx, labclients.EventWorkflowStart, &own, nil)
		}
		d.cfg.Events.Emit(ctx, labclients.EventStepStart, &own, map[string]any{"step": step.Name})
		result, err = d.send(ctx, wf, step, actionID, node, client)
	}
	if err != nil {
		result = types.FailedResult(actionID, err)
	}
	return d.record(ctx, workflowID, result)
}

// send resolves the step's args, submits the action and follows it to a
// settled result.
func (d *Dispatcher) send(
	ctx context.Context,
	wf *types.Workflow,
	step *types.Step,
	actionID string,
	node *types.Node,
	client nodeclient.Client,
) (*types.ActionResult, error) {
	args, err := d.resolveArgs(ctx, step.Args)
	if err != nil {
		return nil, err
	}

	own := wf.Ownership
	own.StepID = step.StepID
	own.NodeID = step.Node
	req := &types.ActionRequest{
		ActionID:   actionID,
		ActionName: step.Action,
		Args:       args,
		Files:      step.Files,
		Locations:  step.Locations,
		Ownership:  own,
		Simulated:  wf.Simulated,
	}

	sendCtx, cancel := context.WithTimeout(ctx, interval(d.cfg.Workcell.NodeRequestTimeout, 30*time.Second))
	result, err := client.SendAction(sendCtx, req)
	cancel()
	if err != nil {
		return nil, err
	}
	if result.Status != types.ActionRunning {
		return result, nil
	}
	if node.Info == nil || !node.Info.Capabilities.GetActionResult {
		return nil, fmt.Errorf("node %q left action %s running but does not support get_action_result", step.Node, actionID)
	}
	return d.poll(ctx, wf.WorkflowID, actionID, client)
}

// poll follows a running action until the node settles it or the workflow is
// cancelled out from under it.
func (d *Dispatcher) poll(ctx context.Context, workflowID, actionID string, client nodeclient.Client) (*types.ActionResult, error) {
	every := interval(d.cfg.Workcell.ResultPollInterval, 5*time.Second)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if wf, err := d.cfg.Store.Workflow(ctx, workflowID); err != nil || wf.Status.Cancelled {
			// Cancelled (or already archived): the lifecycle manager owns the
			// terminal transition, this worker just stops.
			return &types.ActionResult{ActionID: actionID, Status: types.ActionCancelled}, nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, interval(d.cfg.Workcell.NodeRequestTimeout, 30*time.Second))
		result, err := client.ActionResult(pollCtx, actionID)
		cancel()
		if err != nil {
			return nil, err
		}
		switch result.Status {
		case types.ActionSucceeded, types.ActionFailed, types.ActionCancelled, types.ActionNotReady:
			return result, nil
		}
	}
}

// resolveArgs substitutes label-prefixed argument values with the data
// published by earlier steps.
func (d *Dispatcher) resolveArgs(ctx context.Context, args map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, types.DataLabelPrefix) {
			resolved[k] = v
			continue
		}
		label := strings.TrimPrefix(s, types.DataLabelPrefix)
		value, err := d.cfg.Store.DataLabel(ctx, label)
		if err != nil {
			return nil, fmt.Errorf("resolve data label %q: %w", label, err)
		}
		resolved[k] = value
	}
	return resolved, nil
}

// record commits a settled result under the state lock and advances or
// terminates the workflow.
func (d *Dispatcher) record(ctx context.Context, workflowID string, result *types.ActionResult) error {
	unlock, err := d.cfg.Store.Lock(ctx, time.Duration(d.cfg.Workcell.LockTTL))
	if err != nil {
		return err
	}
	defer unlock()

	now := time.Now().UTC()
	var labels map[string]string
	updated, err := d.cfg.Store.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) {
		if w.Status.Terminal() {
			// Cancelled while in flight; the terminal transition already
			// happened under the lifecycle manager's lock.
			return
		}
		step := w.CurrentStep()
		if step.Results == nil {
			step.Results = make(map[string]types.ActionResult)
		}
		step.Results[result.ActionID] = *result
		step.Result = result
		step.Status = result.Status
		step.EndTime = &now
		w.Status.Running = false

		switch result.Status {
		case types.ActionSucceeded:
			labels = step.DataLabels
			w.Status.CurrentStepIndex++
			w.Status.UnavailableCount = 0
			if w.Status.CurrentStepIndex == len(w.Steps) {
				w.Status.Completed = true
				w.EndTime = &now
			}
		case types.ActionFailed:
			w.Status.Failed = true
			w.Status.Description = result.ErrorText(d.cfg.Workcell.MaxErrorLen)
			w.EndTime = &now
		case types.ActionCancelled:
			// Leave the flags to the lifecycle manager; nothing to advance.
			step.EndTime = nil
		case types.ActionNotReady:
			// No progress committed; the step goes back on the queue for the
			// next tick with a fresh action on redispatch.
			step.Status = types.ActionNotStarted
			step.EndTime = nil
			step.StartTime = nil
			step.LastActionID = ""
		}
	})
	if errors.Is(err, state.ErrNotFound) {
		// The workflow was cancelled and archived while the step was in
		// flight; there is nothing left to record.
		return nil
	}
	if err != nil {
		return err
	}

	// Feed-forward outputs become visible before the next step can run.
	for key, label := range labels {
		if value, ok := result.Data[key]; ok {
			if err := d.cfg.Store.PublishDataLabel(ctx, label, value); err != nil {
				return err
			}
		}
	}

	if updated.Status.Terminal() {
		if err := finalize(ctx, d.cfg, updated); err != nil {
			return err
		}
	}
	if _, err := d.cfg.Store.MarkChanged(ctx); err != nil {
		return err
	}
	unlock()

	d.afterRecord(ctx, updated, result, labels)
	return nil
}

// afterRecord handles the best-effort collaborator calls that must not run
// under the lock: datapoint registration and event emission.
func (d *Dispatcher) afterRecord(ctx context.Context, wf *types.Workflow, result *types.ActionResult, labels map[string]string) {
	own := wf.Ownership
	if d.cfg.Data != nil {
		for key, label := range labels {
			if value, ok := result.Data[key]; ok {
				if _, err := d.cfg.Data.SubmitValue(ctx, label, value, &own); err != nil {
					d.cfg.Logger.Warn(ctx, "submit datapoint", "label", label, "err", err)
				}
			}
			if path, ok := result.Files[key]; ok {
				if _, err := d.cfg.Data.SubmitFile(ctx, label, path, &own); err != nil {
					d.cfg.Logger.Warn(ctx, "submit file datapoint", "label", label, "err", err)
				}
			}
		}
	}

	d.cfg.Metrics.IncCounter("workcell.steps_settled", 1, "status", string(result.Status))
	switch {
	case wf.Status.Completed:
		d.cfg.Events.Emit(ctx, labclients.EventWorkflowComplete, &own, nil)
	case wf.Status.Failed:
		d.cfg.Events.Emit(ctx, labclients.EventWorkflowFailed, &own, map[string]any{
			"description": wf.Status.Description,
		})
	default:
		d.cfg.Events.Emit(ctx, labclients.EventStepComplete, &own, nil)
	}
}

// finalize moves a terminal workflow out of the active bucket and queue and
// into the archive. The caller must hold the state lock; the transition is
// atomic with respect to every other lock holder.
func finalize(ctx context.Context, cfg Config, wf *types.Workflow) error {
	if wf.EndTime == nil {
		now := time.Now().UTC()
		wf.EndTime = &now
	}
	if err := cfg.Archive.Archive(ctx, wf); err != nil {
		return fmt.Errorf("archive workflow %q: %w", wf.WorkflowID, err)
	}
	if err := cfg.Store.DeleteWorkflow(ctx, wf.WorkflowID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	if err := cfg.Store.RemoveFromQueue(ctx, wf.WorkflowID); err != nil {
		return err
	}
	return nil
}
