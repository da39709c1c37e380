// Package engine hosts the workcell's control loops: the node liveness
// poller, the scheduler and the step dispatcher, plus the workflow lifecycle
// manager driven by the API. All loops share one state store guarded by its
// advisory lock; none of them keeps an authoritative replica.
package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/madsci-dev/workcell/archive"
	"github.com/madsci-dev/workcell/labclients"
	"github.com/madsci-dev/workcell/nodeclient"
	"github.com/madsci-dev/workcell/state"
	"github.com/madsci-dev/workcell/telemetry"
	"github.com/madsci-dev/workcell/types"
)

type (
	// PriorityFunc ranks an eligible workflow; the scheduler dispatches the
	// workflow with the smallest value each tick.
	PriorityFunc func(wf *types.Workflow) int64

	// ResourceReader answers resource lookups for step condition
	// evaluation. Satisfied by labclients.ResourceClient.
	ResourceReader interface {
		Resource(ctx context.Context, id string) (map[string]any, error)
	}

	// DataSubmitter registers step outputs with the data manager. Satisfied
	// by labclients.DataClient.
	DataSubmitter interface {
		SubmitValue(ctx context.Context, label string, value any, own *types.OwnershipInfo) (string, error)
		SubmitFile(ctx context.Context, label, path string, own *types.OwnershipInfo) (string, error)
	}

	// Config wires the engine's collaborators. Store, Archive and Clients
	// are required; the manager clients are optional and nil disables them.
	Config struct {
		Store    state.Store
		Archive  archive.Store
		Clients  nodeclient.Factory
		Resource ResourceReader
		Data     DataSubmitter
		Events   *labclients.EventClient
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		Workcell types.WorkcellConfig
		Priority PriorityFunc
	}

	// Engine runs the control loops until its context is cancelled or the
	// workcell status turns to shutdown.
	Engine struct {
		cfg        Config
		poller     *Poller
		scheduler  *Scheduler
		dispatcher *Dispatcher
		lifecycle  *Manager
	}
)

// FIFOPriority is the default priority function: first submitted runs first.
func FIFOPriority(wf *types.Workflow) int64 {
	return wf.SubmittedTime.UnixNano()
}

// New assembles the engine from its configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("state store is required")
	}
	if cfg.Archive == nil {
		return nil, errors.New("workflow archive is required")
	}
	if cfg.Clients == nil {
		return nil, errors.New("node client factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Priority == nil {
		cfg.Priority = FIFOPriority
	}

	dispatcher := &Dispatcher{cfg: cfg}
	e := &Engine{
		cfg:        cfg,
		poller:     &Poller{cfg: cfg},
		scheduler:  &Scheduler{cfg: cfg, dispatcher: dispatcher},
		dispatcher: dispatcher,
		lifecycle:  &Manager{cfg: cfg},
	}
	return e, nil
}

// Lifecycle returns the workflow lifecycle manager the API drives.
func (e *Engine) Lifecycle() *Manager { return e.lifecycle }

// Run starts the poller and scheduler loops and blocks until both exit. The
// loops exit when ctx is cancelled or the workcell status reports shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.cfg.Events.Emit(ctx, labclients.EventWorkcellStart, nil, nil)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.poller.Run(ctx) })
	g.Go(func() error { return e.scheduler.Run(ctx) })
	err := g.Wait()
	e.dispatcher.Wait()
	e.cfg.Events.Emit(context.WithoutCancel(ctx), labclients.EventWorkcellShutdown, nil, nil)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdownRequested reports whether the stored workcell status asks the
// loops to exit.
func shutdownRequested(ctx context.Context, s state.Store) bool {
	status, err := s.Status(ctx)
	if err != nil {
		return false
	}
	return status.Shutdown
}

// interval converts a configured duration, falling back when unset.
func interval(d types.Duration, fallback time.Duration) time.Duration {
	if time.Duration(d) <= 0 {
		return fallback
	}
	return time.Duration(d)
}
