package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/madsci-dev/workcell/archive"
	"github.com/madsci-dev/workcell/labclients"
	"github.com/madsci-dev/workcell/state"
	"github.com/madsci-dev/workcell/types"
)

// Manager applies API-initiated workflow lifecycle transitions. Every
// transition runs under the state lock; terminal transitions archive and
// dequeue atomically with the status flip.
type Manager struct {
	cfg Config
}

// ErrNotTerminal is returned by Retry for a workflow that has not reached a
// terminal phase.
var ErrNotTerminal = errors.New("workflow is not terminal")

// Pause marks an active workflow paused. A step already in flight keeps
// running; the node receives a pause admin command when it supports one.
func (m *Manager) Pause(ctx context.Context, workflowID string) (*types.Workflow, error) {
	unlock, err := m.cfg.Store.Lock(ctx, time.Duration(m.cfg.Workcell.LockTTL))
	if err != nil {
		return nil, err
	}
	defer unlock()

	wf, err := m.cfg.Store.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) {
		if w.Status.Terminal() {
			return
		}
		w.Status.Paused = true
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.cfg.Store.MarkChanged(ctx); err != nil {
		return nil, err
	}
	unlock()

	if wf.Status.Running {
		m.sendAdmin(ctx, wf, types.AdminPause)
	}
	return wf, nil
}

// Resume clears a workflow's paused flag and makes sure it is back on the
// active queue.
func (m *Manager) Resume(ctx context.Context, workflowID string) (*types.Workflow, error) {
	unlock, err := m.cfg.Store.Lock(ctx, time.Duration(m.cfg.Workcell.LockTTL))
	if err != nil {
		return nil, err
	}
	defer unlock()

	wf, err := m.cfg.Store.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) {
		w.Status.Paused = false
	})
	if err != nil {
		return nil, err
	}
	if err := m.cfg.Store.Enqueue(ctx, workflowID); err != nil {
		return nil, err
	}
	if _, err := m.cfg.Store.MarkChanged(ctx); err != nil {
		return nil, err
	}
	unlock()

	if wf.Status.Running {
		m.sendAdmin(ctx, wf, types.AdminResume)
	}
	return wf, nil
}

// Cancel transitions a workflow to cancelled and archives it. The node
// executing the current step, if any, receives a best-effort cancel admin
// command; any polling worker observes the flag and stops.
func (m *Manager) Cancel(ctx context.Context, workflowID string) (*types.Workflow, error) {
	unlock, err := m.cfg.Store.Lock(ctx, time.Duration(m.cfg.Workcell.LockTTL))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := time.Now().UTC()
	var wasRunning bool
	wf, err := m.cfg.Store.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) {
		if w.Status.Terminal() {
			return
		}
		wasRunning = w.Status.Running
		w.Status.Cancelled = true
		w.Status.Running = false
		w.EndTime = &now
		if step := w.CurrentStep(); step != nil && !step.Status.Terminal() {
			step.Status = types.ActionCancelled
			step.EndTime = &now
		}
	})
	if err != nil {
		return nil, err
	}
	if err := finalize(ctx, m.cfg, wf); err != nil {
		return nil, err
	}
	if _, err := m.cfg.Store.MarkChanged(ctx); err != nil {
		return nil, err
	}
	unlock()

	if wasRunning {
		m.sendAdmin(ctx, wf, types.AdminCancel)
	}
	own := wf.Ownership
	m.cfg.Events.Emit(ctx, labclients.EventWorkflowCancel, &own, nil)
	return wf, nil
}

// Retry returns a terminal workflow to the active queue, restarting from
// fromIndex. A negative fromIndex restarts from the step the workflow
// stopped at. Steps at or after the restart index lose their recorded
// results and timestamps.
func (m *Manager) Retry(ctx context.Context, workflowID string, fromIndex int) (*types.Workflow, error) {
	unlock, err := m.cfg.Store.Lock(ctx, time.Duration(m.cfg.Workcell.LockTTL))
	if err != nil {
		return nil, err
	}
	defer unlock()

	wf, err := m.cfg.Archive.Get(ctx, workflowID)
	if errors.Is(err, archive.ErrNotFound) {
		// Still active, or unknown.
		if _, aerr := m.cfg.Store.Workflow(ctx, workflowID); aerr == nil {
			return nil, ErrNotTerminal
		}
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !wf.Status.Terminal() {
		return nil, ErrNotTerminal
	}

	if fromIndex < 0 {
		fromIndex = wf.Status.CurrentStepIndex
		if fromIndex >= len(wf.Steps) {
			fromIndex = len(wf.Steps) - 1
		}
	}
	if fromIndex < 0 || fromIndex >= len(wf.Steps) {
		return nil, fmt.Errorf("retry index %d out of range [0, %d)", fromIndex, len(wf.Steps))
	}

	wf.Status = types.WorkflowStatus{CurrentStepIndex: fromIndex}
	wf.EndTime = nil
	for i := fromIndex; i < len(wf.Steps); i++ {
		step := &wf.Steps[i]
		step.Status = types.ActionNotStarted
		step.Result = nil
		step.Results = nil
		step.LastActionID = ""
		step.StartTime = nil
		step.EndTime = nil
	}

	if err := m.cfg.Store.SetWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if err := m.cfg.Store.Enqueue(ctx, workflowID); err != nil {
		return nil, err
	}
	if err := m.cfg.Archive.Delete(ctx, workflowID); err != nil {
		return nil, err
	}
	if _, err := m.cfg.Store.MarkChanged(ctx); err != nil {
		return nil, err
	}
	m.cfg.Logger.Info(ctx, "workflow retried", "workflow_id", workflowID, "from_index", fromIndex)
	return wf, nil
}

// sendAdmin forwards an admin command to the node running the workflow's
// current step. Best effort: failures and unsupported commands are logged.
func (m *Manager) sendAdmin(ctx context.Context, wf *types.Workflow, cmd types.AdminCommand) {
	step := wf.CurrentStep()
	if step == nil {
		return
	}
	node, err := m.cfg.Store.Node(ctx, step.Node)
	if err != nil {
		return
	}
	if node.Info == nil || !node.Info.Capabilities.AdminCommands {
		return
	}
	client, err := m.cfg.Clients(node.NodeURL)
	if err != nil {
		m.cfg.Logger.Warn(ctx, "admin command client", "node", step.Node, "err", err)
		return
	}
	adminCtx, cancel := context.WithTimeout(ctx, interval(m.cfg.Workcell.NodeRequestTimeout, 30*time.Second))
	defer cancel()
	if _, err := client.SendAdminCommand(adminCtx, cmd); err != nil {
		m.cfg.Logger.Warn(ctx, "admin command", "node", step.Node, "command", string(cmd), "err", err)
	}
}
