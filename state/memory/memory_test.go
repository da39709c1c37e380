package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/madsci-dev/workcell/state"
	"github.com/madsci-dev/workcell/types"
)

func TestSingletonsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Definition(ctx)
	require.ErrorIs(t, err, state.ErrNotFound)

	def := &types.WorkcellDefinition{WorkcellID: types.NewID(), Name: "cell"}
	require.NoError(t, s.SetDefinition(ctx, def))
	got, err := s.Definition(ctx)
	require.NoError(t, err)
	require.Equal(t, def.Name, got.Name)

	// Mutating the returned copy must not leak into the store.
	got.Name = "mutated"
	again, err := s.Definition(ctx)
	require.NoError(t, err)
	require.Equal(t, "cell", again.Name)

	status, err := s.UpdateStatus(ctx, func(st *types.WorkcellStatus) { st.Initializing = true })
	require.NoError(t, err)
	require.True(t, status.Initializing)
}

func TestNodeBucket(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Node(ctx, "arm")
	require.ErrorIs(t, err, state.ErrNotFound)

	require.NoError(t, s.SetNode(ctx, "arm", &types.Node{NodeURL: "http://arm:2000"}))
	node, err := s.Node(ctx, "arm")
	require.NoError(t, err)
	require.Equal(t, "http://arm:2000", node.NodeURL)

	updated, err := s.UpdateNode(ctx, "arm", func(n *types.Node) {
		n.Status = &types.NodeStatus{Ready: true}
	})
	require.NoError(t, err)
	require.True(t, updated.Status.Ready)

	all, err := s.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.ClearNodes(ctx))
	all, err = s.Nodes(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestQueueOrderAndDedup(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, "wf1"))
	require.NoError(t, s.Enqueue(ctx, "wf2"))
	require.NoError(t, s.Enqueue(ctx, "wf1"), "re-enqueue is a no-op")

	q, err := s.Queue(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"wf1", "wf2"}, q)

	require.NoError(t, s.RemoveFromQueue(ctx, "wf1"))
	require.NoError(t, s.RemoveFromQueue(ctx, "missing"), "removing absent id is not an error")
	q, err = s.Queue(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"wf2"}, q)
}

func TestChangeCounterAndSubscribe(t *testing.T) {
	ctx := context.Background()
	s := New()

	ch, cancel, err := s.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	n, err := s.MarkChanged(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	n2, err := s.Changed(ctx)
	require.NoError(t, err)
	require.Equal(t, n, n2)
}

func TestLockMutualExclusionAndTTL(t *testing.T) {
	ctx := context.Background()
	s := New()

	unlock, err := s.Lock(ctx, time.Minute)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = s.Lock(shortCtx, time.Minute)
	require.ErrorIs(t, err, state.ErrLockHeld)

	unlock()
	unlock() // double release is safe

	unlock2, err := s.Lock(ctx, time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestLockExpiresWithoutRelease(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Lock(ctx, 20*time.Millisecond)
	require.NoError(t, err)

	// A second caller acquires once the abandoned lease expires.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlock, err := s.Lock(waitCtx, time.Minute)
	require.NoError(t, err)
	unlock()
}

func TestDataLabels(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.DataLabel(ctx, "reading")
	require.ErrorIs(t, err, state.ErrNotFound)

	require.NoError(t, s.PublishDataLabel(ctx, "reading", 42.0))
	v, err := s.DataLabel(ctx, "reading")
	require.NoError(t, err)
	require.Equal(t, 42.0, v)
}
