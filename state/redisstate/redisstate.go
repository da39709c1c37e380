// Package redisstate provides the Redis-backed implementation of the state
// store used in production deployments.
//
// Buckets map onto the madsci:workcell:{id}:* key layout: the definition and
// status singletons are JSON strings, nodes, locations, workflows and data
// labels are hashes, and the workflow queue is a list. The advisory lock is a
// leased SET NX PX key released with a compare-and-delete script so only the
// holder can release it and a crashed holder expires on its own.
//
// The change counter lives in a Pulse replicated map rather than a plain
// key so that observers get push notifications instead of polling; the map
// is named after the state_changed key it replaces.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/madsci-dev/workcell/state"
	"github.com/madsci-dev/workcell/types"
)

type (
	// Notifier is the minimal replicated-counter contract required by the
	// store. It is satisfied by *rmap.Map from goa.design/pulse/rmap and is
	// defined here to keep the store unit-testable without Redis.
	Notifier interface {
		Inc(ctx context.Context, key string, delta int) (int, error)
		Get(key string) (string, bool)
		Subscribe() <-chan rmap.EventKind
		Unsubscribe(c <-chan rmap.EventKind)
		Close()
	}

	// Store is the Redis-backed implementation of state.Store.
	Store struct {
		rdb      *redis.Client
		prefix   string
		notifier Notifier
	}

	// Options configures the Redis store.
	Options struct {
		// Redis is the client used for all bucket operations. Required.
		Redis *redis.Client
		// WorkcellID scopes every key. Required.
		WorkcellID string
		// Notifier carries the change counter. When nil, a Pulse replicated
		// map named after the state_changed key is joined on Redis.
		Notifier Notifier
	}
)

// Compile-time check that Store implements state.Store.
var _ state.Store = (*Store)(nil)

const counterKey = "counter"

// releaseScript deletes the lock key only when it still holds the caller's
// lease token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// New creates a Redis-backed store scoped to one workcell.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.WorkcellID == "" {
		return nil, errors.New("workcell id is required")
	}
	prefix := "madsci:workcell:" + opts.WorkcellID + ":"
	notifier := opts.Notifier
	if notifier == nil {
		m, err := rmap.Join(ctx, prefix+"state_changed", opts.Redis)
		if err != nil {
			return nil, fmt.Errorf("join change map: %w", err)
		}
		notifier = m
	}
	return &Store{rdb: opts.Redis, prefix: prefix, notifier: notifier}, nil
}

func (s *Store) key(bucket string) string { return s.prefix + bucket }

func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return state.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, b, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) hGetJSON(ctx context.Context, key, field string, out any) error {
	val, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return state.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return fmt.Errorf("unmarshal %s %s: %w", key, field, err)
	}
	return nil
}

func (s *Store) hSetJSON(ctx context.Context, key, field string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", key, field, err)
	}
	if err := s.rdb.HSet(ctx, key, field, b).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", key, field, err)
	}
	return nil
}

func (s *Store) hDel(ctx context.Context, key, field string) error {
	n, err := s.rdb.HDel(ctx, key, field).Result()
	if err != nil {
		return fmt.Errorf("hdel %s %s: %w", key, field, err)
	}
	if n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func hAllJSON[T any](ctx context.Context, s *Store, key string) (map[string]*T, error) {
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	out := make(map[string]*T, len(vals))
	for field, raw := range vals {
		v := new(T)
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return nil, fmt.Errorf("unmarshal %s %s: %w", key, field, err)
		}
		out[field] = v
	}
	return out, nil
}

// Definition returns the workcell definition singleton.
func (s *Store) Definition(ctx context.Context) (*types.WorkcellDefinition, error) {
	var def types.WorkcellDefinition
	if err := s.getJSON(ctx, s.key("definition"), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// SetDefinition stores the workcell definition singleton.
func (s *Store) SetDefinition(ctx context.Context, def *types.WorkcellDefinition) error {
	return s.setJSON(ctx, s.key("definition"), def)
}

// UpdateDefinition applies fn to the stored definition.
func (s *Store) UpdateDefinition(ctx context.Context, fn func(*types.WorkcellDefinition)) (*types.WorkcellDefinition, error) {
	def, err := s.Definition(ctx)
	if err != nil {
		return nil, err
	}
	fn(def)
	if err := s.SetDefinition(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// Status returns the workcell status singleton.
func (s *Store) Status(ctx context.Context) (*types.WorkcellStatus, error) {
	var status types.WorkcellStatus
	if err := s.getJSON(ctx, s.key("status"), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SetStatus stores the workcell status singleton.
func (s *Store) SetStatus(ctx context.Context, status *types.WorkcellStatus) error {
	return s.setJSON(ctx, s.key("status"), status)
}

// UpdateStatus applies fn to the stored status, starting from a zero value
// when none is stored.
func (s *Store) UpdateStatus(ctx context.Context, fn func(*types.WorkcellStatus)) (*types.WorkcellStatus, error) {
	status, err := s.Status(ctx)
	if errors.Is(err, state.ErrNotFound) {
		status = &types.WorkcellStatus{}
	} else if err != nil {
		return nil, err
	}
	fn(status)
	if err := s.SetStatus(ctx, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Node returns the node record with the given name.
func (s *Store) Node(ctx context.Context, name string) (*types.Node, error) {
	var node types.Node
	if err := s.hGetJSON(ctx, s.key("nodes"), name, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Nodes returns all node records keyed by name.
func (s *Store) Nodes(ctx context.Context) (map[string]*types.Node, error) {
	return hAllJSON[types.Node](ctx, s, s.key("nodes"))
}

// SetNode stores a node record under name.
func (s *Store) SetNode(ctx context.Context, name string, node *types.Node) error {
	return s.hSetJSON(ctx, s.key("nodes"), name, node)
}

// DeleteNode removes a node record.
func (s *Store) DeleteNode(ctx context.Context, name string) error {
	return s.hDel(ctx, s.key("nodes"), name)
}

// UpdateNode applies fn to the node record with the given name.
func (s *Store) UpdateNode(ctx context.Context, name string, fn func(*types.Node)) (*types.Node, error) {
	node, err := s.Node(ctx, name)
	if err != nil {
		return nil, err
	}
	fn(node)
	if err := s.SetNode(ctx, name, node); err != nil {
		return nil, err
	}
	return node, nil
}

// ClearNodes removes all node records.
func (s *Store) ClearNodes(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key("nodes")).Err(); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	return nil
}

// Location returns the location record with the given ID.
func (s *Store) Location(ctx context.Context, id string) (*types.Location, error) {
	var loc types.Location
	if err := s.hGetJSON(ctx, s.key("locations"), id, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// Locations returns all location records keyed by ID.
func (s *Store) Locations(ctx context.Context) (map[string]*types.Location, error) {
	return hAllJSON[types.Location](ctx, s, s.key("locations"))
}

// SetLocation stores a location record keyed by its ID.
func (s *Store) SetLocation(ctx context.Context, loc *types.Location) error {
	return s.hSetJSON(ctx, s.key("locations"), loc.LocationID, loc)
}

// DeleteLocation removes a location record.
func (s *Store) DeleteLocation(ctx context.Context, id string) error {
	return s.hDel(ctx, s.key("locations"), id)
}

// UpdateLocation applies fn to the location record with the given ID.
func (s *Store) UpdateLocation(ctx context.Context, id string, fn func(*types.Location)) (*types.Location, error) {
	loc, err := s.Location(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(loc)
	if err := s.SetLocation(ctx, loc); err != nil {
		return nil, err
	}
	return loc, nil
}

// Enqueue appends a workflow ID to the queue unless it is already present.
func (s *Store) Enqueue(ctx context.Context, workflowID string) error {
	key := s.key("workflow_queue")
	ids, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	for _, id := range ids {
		if id == workflowID {
			return nil
		}
	}
	if err := s.rdb.RPush(ctx, key, workflowID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", workflowID, err)
	}
	return nil
}

// Queue returns the queue in order.
func (s *Store) Queue(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, s.key("workflow_queue"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	return ids, nil
}

// RemoveFromQueue removes a workflow ID from the queue. Removing an absent
// ID is not an error.
func (s *Store) RemoveFromQueue(ctx context.Context, workflowID string) error {
	if err := s.rdb.LRem(ctx, s.key("workflow_queue"), 0, workflowID).Err(); err != nil {
		return fmt.Errorf("dequeue %s: %w", workflowID, err)
	}
	return nil
}

// Workflow returns the active workflow with the given ID.
func (s *Store) Workflow(ctx context.Context, id string) (*types.Workflow, error) {
	var wf types.Workflow
	if err := s.hGetJSON(ctx, s.key("workflows"), id, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Workflows returns all active workflows keyed by ID.
func (s *Store) Workflows(ctx context.Context) (map[string]*types.Workflow, error) {
	return hAllJSON[types.Workflow](ctx, s, s.key("workflows"))
}

// SetWorkflow stores an active workflow keyed by its ID.
func (s *Store) SetWorkflow(ctx context.Context, wf *types.Workflow) error {
	return s.hSetJSON(ctx, s.key("workflows"), wf.WorkflowID, wf)
}

// DeleteWorkflow removes an active workflow.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return s.hDel(ctx, s.key("workflows"), id)
}

// UpdateWorkflow applies fn to the active workflow with the given ID.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, fn func(*types.Workflow)) (*types.Workflow, error) {
	wf, err := s.Workflow(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(wf)
	if err := s.SetWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// PublishDataLabel stores a feed-forward output under label.
func (s *Store) PublishDataLabel(ctx context.Context, label string, value any) error {
	return s.hSetJSON(ctx, s.key("data_labels"), label, value)
}

// DataLabel returns the value published under label.
func (s *Store) DataLabel(ctx context.Context, label string) (any, error) {
	var v any
	if err := s.hGetJSON(ctx, s.key("data_labels"), label, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// MarkChanged bumps the replicated change counter. Subscribers on any
// process see the update.
func (s *Store) MarkChanged(ctx context.Context) (int64, error) {
	n, err := s.notifier.Inc(ctx, counterKey, 1)
	if err != nil {
		return 0, fmt.Errorf("bump change counter: %w", err)
	}
	return int64(n), nil
}

// Changed reads the change counter.
func (s *Store) Changed(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	val, ok := s.notifier.Get(counterKey)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse change counter: %w", err)
	}
	return n, nil
}

// Subscribe adapts the replicated map's event stream to a coalesced signal
// channel. The returned cancel function must be called to release the
// subscription.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	events := s.notifier.Subscribe()
	ch := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	cancel := func() {
		close(done)
		s.notifier.Unsubscribe(events)
	}
	return ch, cancel, nil
}

// Lock acquires the leased advisory lock, retrying until the context
// deadline. The lease auto-expires after ttl.
func (s *Store) Lock(ctx context.Context, ttl time.Duration) (state.Unlock, error) {
	key := s.key("state_lock")
	token := types.NewID()
	for {
		ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire state lock: %w", err)
		}
		if ok {
			released := false
			return func() {
				if released {
					return
				}
				released = true
				// Best effort; the lease expires on its own if this fails.
				_ = releaseScript.Run(context.Background(), s.rdb, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, state.ErrLockHeld
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Close releases the change-counter subscription resources. The Redis client
// is owned by the caller and is not closed.
func (s *Store) Close(context.Context) error {
	s.notifier.Close()
	return nil
}
