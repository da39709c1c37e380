package engine

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/madsci-dev/workcell/types"
)

// Scheduler picks at most one eligible step per tick and hands it to the
// dispatcher. The whole tick runs under the state lock and touches only the
// snapshot it reads there; external condition data is cached before the lock
// is taken.
type Scheduler struct {
	cfg        Config
	dispatcher *Dispatcher

	mu       sync.Mutex
	inFlight map[string]bool
}

// Run drives the tick loop until ctx is cancelled or the workcell status
// requests shutdown. The first tick waits out the cold start delay so the
// poller can populate node info.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.inFlight = make(map[string]bool)
	s.mu.Unlock()

	cold := time.Duration(s.cfg.Workcell.ColdStartDelay)
	if cold > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cold):
		}
	}

	tick := time.NewTicker(interval(s.cfg.Workcell.SchedulerUpdateInterval, 500*time.Millisecond))
	defer tick.Stop()
	heartbeat := time.NewTicker(interval(s.cfg.Workcell.HeartbeatInterval, 30*time.Second))
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			s.cfg.Logger.Info(ctx, "scheduler heartbeat")
			s.cfg.Metrics.IncCounter("workcell.scheduler_heartbeats", 1)
		case <-tick.C:
			if shutdownRequested(ctx, s.cfg.Store) {
				s.cfg.Logger.Info(ctx, "scheduler exiting on shutdown")
				return nil
			}
			if err := s.tick(ctx); err != nil {
				s.cfg.Logger.Warn(ctx, "scheduler tick", "err", err)
			}
		}
	}
}

// tick evaluates the queue under the state lock and dispatches the highest
// priority eligible workflow, if any.
func (s *Scheduler) tick(ctx context.Context) error {
	conditions := s.cacheConditionData(ctx)

	started := time.Now()
	unlock, err := s.cfg.Store.Lock(ctx, time.Duration(s.cfg.Workcell.LockTTL))
	if err != nil {
		return err
	}
	defer unlock()
	defer func() {
		s.cfg.Metrics.RecordTimer("workcell.scheduler_tick", time.Since(started))
	}()

	status, err := s.cfg.Store.Status(ctx)
	if err == nil && (status.Paused || status.Errored) {
		return nil
	}

	queue, err := s.cfg.Store.Queue(ctx)
	if err != nil {
		return err
	}
	s.cfg.Metrics.RecordGauge("workcell.queue_length", float64(len(queue)))
	if len(queue) == 0 {
		return nil
	}

	nodes, err := s.cfg.Store.Nodes(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var (
		best         *types.Workflow
		bestPriority int64
	)
	for _, id := range queue {
		wf, err := s.cfg.Store.Workflow(ctx, id)
		if err != nil {
			continue
		}
		if !wf.Status.Active() {
			continue
		}
		if wf.Status.Running {
			s.maybeRecover(ctx, wf)
			continue
		}
		step := wf.CurrentStep()
		if step == nil {
			continue
		}
		if !nodes[step.Node].Ready(wf.Ownership, now) {
			s.markUnavailable(ctx, wf)
			continue
		}
		if !s.conditionsMet(step, conditions) {
			continue
		}
		if p := s.cfg.Priority(wf); best == nil || p < bestPriority {
			best, bestPriority = wf, p
		}
	}
	if best == nil {
		return nil
	}
	return s.dispatch(ctx, best, now)
}

// dispatch marks the workflow running under the lock, then hands the step to
// a dispatcher worker after the lock is released.
func (s *Scheduler) dispatch(ctx context.Context, wf *types.Workflow, now time.Time) error {
	actionID := types.NewActionID()
	updated, err := s.cfg.Store.UpdateWorkflow(ctx, wf.WorkflowID, func(w *types.Workflow) {
		w.Status.Running = true
		w.Status.UnavailableCount = 0
		if w.StartTime == nil {
			w.StartTime = &now
		}
		step := w.CurrentStep()
		step.Status = types.ActionRunning
		step.StartTime = &now
		step.LastActionID = actionID
	})
	if err != nil {
		return err
	}
	if _, err := s.cfg.Store.MarkChanged(ctx); err != nil {
		return err
	}

	s.cfg.Logger.Info(ctx, "dispatching step",
		"workflow_id", updated.WorkflowID,
		"step", updated.CurrentStep().Name,
		"node", updated.CurrentStep().Node,
		"action_id", actionID)
	s.cfg.Metrics.IncCounter("workcell.steps_dispatched", 1, "node", updated.CurrentStep().Node)
	s.spawn(updated.WorkflowID, actionID, false)
	return nil
}

// maybeRecover restarts the dispatcher worker for a workflow the store says
// is running but no local worker tracks. This happens after a process
// restart with a step in flight; the worker reconciles via the recorded
// action ID before anything is resent.
func (s *Scheduler) maybeRecover(ctx context.Context, wf *types.Workflow) {
	step := wf.CurrentStep()
	if step == nil || step.LastActionID == "" {
		return
	}
	s.mu.Lock()
	tracked := s.inFlight[wf.WorkflowID]
	s.mu.Unlock()
	if tracked {
		return
	}
	s.cfg.Logger.Info(ctx, "recovering in-flight step",
		"workflow_id", wf.WorkflowID, "action_id", step.LastActionID)
	s.spawn(wf.WorkflowID, step.LastActionID, true)
}

func (s *Scheduler) spawn(workflowID, actionID string, recover bool) {
	s.mu.Lock()
	s.inFlight[workflowID] = true
	s.mu.Unlock()
	s.dispatcher.Go(workflowID, actionID, recover, func() {
		s.mu.Lock()
		delete(s.inFlight, workflowID)
		s.mu.Unlock()
	})
}

// markUnavailable counts a tick spent waiting on an unready node and fails
// the workflow once the configured limit is exceeded. A limit of zero waits
// forever.
func (s *Scheduler) markUnavailable(ctx context.Context, wf *types.Workflow) {
	limit := s.cfg.Workcell.MaxUnavailableDispatches
	updated, err := s.cfg.Store.UpdateWorkflow(ctx, wf.WorkflowID, func(w *types.Workflow) {
		w.Status.UnavailableCount++
		if limit > 0 && w.Status.UnavailableCount >= limit {
			w.Status.Failed = true
			w.Status.Running = false
			w.Status.Description = "node " + w.CurrentStep().Node + " unavailable"
			now := time.Now().UTC()
			w.EndTime = &now
			step := w.CurrentStep()
			step.Status = types.ActionFailed
			step.EndTime = &now
		}
	})
	if err != nil {
		return
	}
	if updated.Status.Terminal() {
		if err := finalize(ctx, s.cfg, updated); err != nil {
			s.cfg.Logger.Error(ctx, "archive unavailable workflow", "workflow_id", wf.WorkflowID, "err", err)
		}
	}
}

// cacheConditionData loads, outside the lock, every resource document the
// queued workflows' current steps condition on. Lookups that fail stay out
// of the cache; their conditions read as unresolved this tick.
func (s *Scheduler) cacheConditionData(ctx context.Context) map[string]map[string]any {
	cache := make(map[string]map[string]any)
	if s.cfg.Resource == nil {
		return cache
	}
	queue, err := s.cfg.Store.Queue(ctx)
	if err != nil {
		return cache
	}
	for _, id := range queue {
		wf, err := s.cfg.Store.Workflow(ctx, id)
		if err != nil || !wf.Status.Active() || wf.Status.Running {
			continue
		}
		step := wf.CurrentStep()
		if step == nil {
			continue
		}
		for _, cond := range step.Conditions {
			if cond.ResourceID == "" {
				continue
			}
			if _, ok := cache[cond.ResourceID]; ok {
				continue
			}
			doc, err := s.cfg.Resource.Resource(ctx, cond.ResourceID)
			if err != nil {
				s.cfg.Logger.Warn(ctx, "condition resource lookup", "resource_id", cond.ResourceID, "err", err)
				continue
			}
			cache[cond.ResourceID] = doc
		}
	}
	return cache
}

// conditionsMet evaluates every step condition against the cached resource
// documents. Unresolved conditions fail closed; the step is re-evaluated on
// the next tick.
func (s *Scheduler) conditionsMet(step *types.Step, cache map[string]map[string]any) bool {
	for _, cond := range step.Conditions {
		switch cond.Kind {
		case types.ConditionNoChecks, "":
			continue
		case types.ConditionResourcePresent:
			if _, ok := cache[cond.ResourceID]; !ok {
				return false
			}
		case types.ConditionResourceField:
			doc, ok := cache[cond.ResourceID]
			if !ok {
				return false
			}
			if !reflect.DeepEqual(doc[cond.Field], cond.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
