// Package memory provides an in-process implementation of the workflow
// archive for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/madsci-dev/workcell/archive"
	"github.com/madsci-dev/workcell/types"
)

// Store is an in-process implementation of archive.Store. It is safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*types.Workflow
}

// Compile-time check that Store implements archive.Store.
var _ archive.Store = (*Store)(nil)

// New creates a new in-process archive.
func New() *Store {
	return &Store{workflows: make(map[string]*types.Workflow)}
}

// Archive stores or replaces a terminal workflow.
func (s *Store) Archive(ctx context.Context, wf *types.Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *wf
	s.workflows[wf.WorkflowID] = &copied
	return nil
}

// Get retrieves an archived workflow by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, archive.ErrNotFound
	}
	copied := *wf
	return &copied, nil
}

// ListRecent returns up to n archived workflows, most recently ended first.
func (s *Store) ListRecent(ctx context.Context, n int) ([]*types.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		copied := *wf
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return endTime(out[i]).After(endTime(out[j]))
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Delete removes a workflow from the archive.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
	return nil
}

// Close releases resources; a no-op for the in-process archive.
func (s *Store) Close(context.Context) error { return nil }

func endTime(wf *types.Workflow) time.Time {
	if wf.EndTime != nil {
		return *wf.EndTime
	}
	return wf.SubmittedTime
}
