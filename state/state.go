// Package state defines the persistence contract for mutable workcell state:
// the workcell definition and status singletons, node and location records,
// the workflow queue, active workflows, published data labels, a monotonic
// change counter, and the advisory lock that serializes scheduler ticks and
// administrative writes.
//
// Available implementations:
//
//   - memory: in-process store for development and testing
//   - redisstate: Redis-backed store for production, durable across restarts
//
// To add a new implementation, create a subpackage that implements the Store
// interface, returns state.ErrNotFound for missing keys, and honors the
// leased-lock semantics of Lock.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/madsci-dev/workcell/types"
)

// ErrNotFound is returned when a key is absent from the store.
var ErrNotFound = errors.New("not found")

// ErrLockHeld is returned by Lock when the advisory lock could not be
// acquired before the context deadline.
var ErrLockHeld = errors.New("state lock held")

// Unlock releases an advisory lock acquired with Store.Lock. Calling it more
// than once is safe.
type Unlock func()

// Store is the single source of truth for mutable workcell state.
// Implementations must be safe for concurrent use. All getters return
// ErrNotFound when the key is absent; setters do not validate their input.
type Store interface {
	// Definition is the workcell definition singleton.
	Definition(ctx context.Context) (*types.WorkcellDefinition, error)
	SetDefinition(ctx context.Context, def *types.WorkcellDefinition) error
	UpdateDefinition(ctx context.Context, fn func(*types.WorkcellDefinition)) (*types.WorkcellDefinition, error)

	// Status is the workcell status singleton. UpdateStatus applies fn to
	// the current status, starting from a zero value when none is stored.
	Status(ctx context.Context) (*types.WorkcellStatus, error)
	SetStatus(ctx context.Context, status *types.WorkcellStatus) error
	UpdateStatus(ctx context.Context, fn func(*types.WorkcellStatus)) (*types.WorkcellStatus, error)

	// Nodes are keyed by name.
	Node(ctx context.Context, name string) (*types.Node, error)
	Nodes(ctx context.Context) (map[string]*types.Node, error)
	SetNode(ctx context.Context, name string, node *types.Node) error
	DeleteNode(ctx context.Context, name string) error
	UpdateNode(ctx context.Context, name string, fn func(*types.Node)) (*types.Node, error)
	ClearNodes(ctx context.Context) error

	// Locations are keyed by location ID.
	Location(ctx context.Context, id string) (*types.Location, error)
	Locations(ctx context.Context) (map[string]*types.Location, error)
	SetLocation(ctx context.Context, loc *types.Location) error
	DeleteLocation(ctx context.Context, id string) error
	UpdateLocation(ctx context.Context, id string, fn func(*types.Location)) (*types.Location, error)

	// The workflow queue is the ordered list of workflow IDs awaiting or
	// undergoing execution, in submission order.
	Enqueue(ctx context.Context, workflowID string) error
	Queue(ctx context.Context) ([]string, error)
	RemoveFromQueue(ctx context.Context, workflowID string) error

	// Active workflows are keyed by workflow ID.
	Workflow(ctx context.Context, id string) (*types.Workflow, error)
	Workflows(ctx context.Context) (map[string]*types.Workflow, error)
	SetWorkflow(ctx context.Context, wf *types.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	UpdateWorkflow(ctx context.Context, id string, fn func(*types.Workflow)) (*types.Workflow, error)

	// Data labels are the feed-forward outputs published by completed steps.
	PublishDataLabel(ctx context.Context, label string, value any) error
	DataLabel(ctx context.Context, label string) (any, error)

	// MarkChanged bumps the monotonic change counter and returns its new
	// value. Changed reads the current value. Observers compare values to
	// detect missed updates.
	MarkChanged(ctx context.Context) (int64, error)
	Changed(ctx context.Context) (int64, error)

	// Subscribe returns a channel that receives a signal whenever the change
	// counter advances, and a cancel function releasing the subscription.
	// Signals may be coalesced.
	Subscribe(ctx context.Context) (<-chan struct{}, func(), error)

	// Lock acquires the advisory state lock, waiting until the context
	// deadline. The lease auto-releases after ttl so a crashed holder cannot
	// deadlock the workcell. Returns ErrLockHeld when acquisition times out.
	Lock(ctx context.Context, ttl time.Duration) (Unlock, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// ResourceCreator creates an external resource from an embedded definition
// and returns its ID. Satisfied by the resource manager client; a nil creator
// skips resource creation during initialization.
type ResourceCreator interface {
	AddResource(ctx context.Context, definition map[string]any) (string, error)
}

// Initialize seeds the store from a workcell definition under the state lock:
// node records are recreated from the definition, locations are created or
// merged by ID, embedded resource definitions are registered with the
// resource manager when one is configured, and the workcell leaves its
// initializing state. The change counter is bumped once at the end.
func Initialize(ctx context.Context, s Store, def *types.WorkcellDefinition, resources ResourceCreator, lockTTL time.Duration) error {
	unlock, err := s.Lock(ctx, lockTTL)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.SetDefinition(ctx, def); err != nil {
		return err
	}

	// Nodes restart from the definition on every initialization.
	if err := s.ClearNodes(ctx); err != nil {
		return err
	}
	for name, nd := range def.Nodes {
		node := &types.Node{NodeURL: nd.NodeURL, Permanent: nd.Permanent}
		if err := s.SetNode(ctx, name, node); err != nil {
			return err
		}
	}

	// Locations merge into any existing record with the same ID so runtime
	// edits (attached resources, added lookups) survive re-initialization.
	existing, err := s.Locations(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*types.Location, len(existing))
	for id, loc := range existing {
		byID[id] = loc
	}
	for _, ld := range def.Locations {
		loc := ld.Location()
		if prev, ok := byID[loc.LocationID]; ok {
			mergeLocation(prev, loc)
			loc = prev
		}
		if loc.ResourceID == "" && len(ld.Resource) > 0 && resources != nil {
			id, err := resources.AddResource(ctx, ld.Resource)
			if err != nil {
				return err
			}
			loc.ResourceID = id
		}
		if err := s.SetLocation(ctx, loc); err != nil {
			return err
		}
	}

	if _, err := s.UpdateStatus(ctx, func(status *types.WorkcellStatus) {
		status.Initializing = false
		status.Errored = false
		status.Description = ""
	}); err != nil {
		return err
	}
	_, err = s.MarkChanged(ctx)
	return err
}

func mergeLocation(dst, src *types.Location) {
	dst.Name = src.Name
	if dst.References == nil {
		dst.References = make(map[string]any, len(src.References))
	}
	for node, repr := range src.References {
		dst.References[node] = repr
	}
	if src.ResourceID != "" {
		dst.ResourceID = src.ResourceID
	}
	if src.AllowTransfer != nil {
		dst.AllowTransfer = src.AllowTransfer
	}
}
