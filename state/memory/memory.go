// Package memory provides an in-process implementation of the state store.
//
// This implementation is suitable for development and testing where
// persistence across restarts is not required. Entities are deep-copied
// through JSON on the way in and out so callers cannot mutate stored state
// outside the lock.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/madsci-dev/workcell/state"
	"github.com/madsci-dev/workcell/types"
)

// Store is an in-process implementation of state.Store. It is safe for
// concurrent use.
type Store struct {
	mu          sync.RWMutex
	definition  *types.WorkcellDefinition
	status      *types.WorkcellStatus
	nodes       map[string]*types.Node
	locations   map[string]*types.Location
	queue       []string
	workflows   map[string]*types.Workflow
	dataLabels  map[string]any
	changed     int64
	subscribers map[int]chan struct{}
	nextSub     int

	lockMu     sync.Mutex
	lockHeld   bool
	lockExpiry time.Time
}

// Compile-time check that Store implements state.Store.
var _ state.Store = (*Store)(nil)

// New creates a new in-process store.
func New() *Store {
	return &Store{
		nodes:       make(map[string]*types.Node),
		locations:   make(map[string]*types.Location),
		workflows:   make(map[string]*types.Workflow),
		dataLabels:  make(map[string]any),
		subscribers: make(map[int]chan struct{}),
	}
}

func clone[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	return out, nil
}

// Definition returns the workcell definition singleton.
func (s *Store) Definition(ctx context.Context) (*types.WorkcellDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.definition == nil {
		return nil, state.ErrNotFound
	}
	return clone(s.definition)
}

// SetDefinition stores the workcell definition singleton.
func (s *Store) SetDefinition(ctx context.Context, def *types.WorkcellDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := clone(def)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definition = copied
	return nil
}

// UpdateDefinition applies fn to the stored definition.
func (s *Store) UpdateDefinition(ctx context.Context, fn func(*types.WorkcellDefinition)) (*types.WorkcellDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.definition == nil {
		return nil, state.ErrNotFound
	}
	fn(s.definition)
	return clone(s.definition)
}

// Status returns the workcell status singleton.
func (s *Store) Status(ctx context.Context) (*types.WorkcellStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == nil {
		return nil, state.ErrNotFound
	}
	return clone(s.status)
}

// SetStatus stores the workcell status singleton.
func (s *Store) SetStatus(ctx context.Context, status *types.WorkcellStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := clone(status)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = copied
	return nil
}

// UpdateStatus applies fn to the stored status, starting from a zero value
// when none is stored.
func (s *Store) UpdateStatus(ctx context.Context, fn func(*types.WorkcellStatus)) (*types.WorkcellStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		s.status = &types.WorkcellStatus{}
	}
	fn(s.status)
	return clone(s.status)
}

// Node returns the node record with the given name.
func (s *Store) Node(ctx context.Context, name string) (*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[name]
	if !ok {
		return nil, state.ErrNotFound
	}
	return clone(node)
}

// Nodes returns all node records keyed by name.
func (s *Store) Nodes(ctx context.Context) (map[string]*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*types.Node, len(s.nodes))
	for name, node := range s.nodes {
		copied, err := clone(node)
		if err != nil {
			return nil, err
		}
		out[name] = copied
	}
	return out, nil
}

// SetNode stores a node record under name.
func (s *Store) SetNode(ctx context.Context, name string, node *types.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := clone(node)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[name] = copied
	return nil
}

// DeleteNode removes a node record.
func (s *Store) DeleteNode(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[name]; !ok {
		return state.ErrNotFound
	}
	delete(s.nodes, name)
	return nil
}

// UpdateNode applies fn to the node record with the given name.
func (s *Store) UpdateNode(ctx context.Context, name string, fn func(*types.Node)) (*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[name]
	if !ok {
		return nil, state.ErrNotFound
	}
	fn(node)
	return clone(node)
}

// ClearNodes removes all node records.
func (s *Store) ClearNodes(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*types.Node)
	return nil
}

// Location returns the location record with the given ID.
func (s *Store) Location(ctx context.Context, id string) (*types.Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	return clone(loc)
}

// Locations returns all location records keyed by ID.
func (s *Store) Locations(ctx context.Context) (map[string]*types.Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*types.Location, len(s.locations))
	for id, loc := range s.locations {
		copied, err := clone(loc)
		if err != nil {
			return nil, err
		}
		out[id] = copied
	}
	return out, nil
}

// SetLocation stores a location record keyed by its ID.
func (s *Store) SetLocation(ctx context.Context, loc *types.Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := clone(loc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[loc.LocationID] = copied
	return nil
}

// DeleteLocation removes a location record.
func (s *Store) DeleteLocation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[id]; !ok {
		return state.ErrNotFound
	}
	delete(s.locations, id)
	return nil
}

// UpdateLocation applies fn to the location record with the given ID.
func (s *Store) UpdateLocation(ctx context.Context, id string, fn func(*types.Location)) (*types.Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.locations[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	fn(loc)
	return clone(loc)
}

// Enqueue appends a workflow ID to the queue.
func (s *Store) Enqueue(ctx context.Context, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.queue {
		if id == workflowID {
			return nil
		}
	}
	s.queue = append(s.queue, workflowID)
	return nil
}

// Queue returns the queue in order.
func (s *Store) Queue(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.queue))
	copy(out, s.queue)
	return out, nil
}

// RemoveFromQueue removes a workflow ID from the queue. Removing an absent
// ID is not an error.
func (s *Store) RemoveFromQueue(ctx context.Context, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.queue {
		if id == workflowID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

// Workflow returns the active workflow with the given ID.
func (s *Store) Workflow(ctx context.Context, id string) (*types.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	return clone(wf)
}

// Workflows returns all active workflows keyed by ID.
func (s *Store) Workflows(ctx context.Context) (map[string]*types.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*types.Workflow, len(s.workflows))
	for id, wf := range s.workflows {
		copied, err := clone(wf)
		if err != nil {
			return nil, err
		}
		out[id] = copied
	}
	return out, nil
}

// SetWorkflow stores an active workflow keyed by its ID.
func (s *Store) SetWorkflow(ctx context.Context, wf *types.Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := clone(wf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.WorkflowID] = copied
	return nil
}

// DeleteWorkflow removes an active workflow.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return state.ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

// UpdateWorkflow applies fn to the active workflow with the given ID.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, fn func(*types.Workflow)) (*types.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	fn(wf)
	return clone(wf)
}

// PublishDataLabel stores a feed-forward output under label.
func (s *Store) PublishDataLabel(ctx context.Context, label string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataLabels[label] = value
	return nil
}

// DataLabel returns the value published under label.
func (s *Store) DataLabel(ctx context.Context, label string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.dataLabels[label]
	if !ok {
		return nil, state.ErrNotFound
	}
	return v, nil
}

// MarkChanged bumps the change counter and signals subscribers.
func (s *Store) MarkChanged(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.changed++
	val := s.changed
	subs := make([]chan struct{}, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default: // subscriber already has a pending signal
		}
	}
	return val, nil
}

// Changed reads the change counter.
func (s *Store) Changed(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed, nil
}

// Subscribe registers a change-notification channel.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

// Lock acquires the advisory lock, spinning until the context deadline. The
// lease expires after ttl even if the holder never releases it.
func (s *Store) Lock(ctx context.Context, ttl time.Duration) (state.Unlock, error) {
	for {
		s.lockMu.Lock()
		now := time.Now()
		if !s.lockHeld || now.After(s.lockExpiry) {
			s.lockHeld = true
			expiry := now.Add(ttl)
			s.lockExpiry = expiry
			s.lockMu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					s.lockMu.Lock()
					// Only release if this lease is still the active one.
					if s.lockHeld && s.lockExpiry.Equal(expiry) {
						s.lockHeld = false
					}
					s.lockMu.Unlock()
				})
			}, nil
		}
		s.lockMu.Unlock()
		select {
		case <-ctx.Done():
			return nil, state.ErrLockHeld
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Close releases resources; a no-op for the in-process store.
func (s *Store) Close(context.Context) error { return nil }
