package board

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangtian24/agiraph/pkg/agierr"
)

func TestForwardDependencyAllowedButNotReady(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	// A dependency on a node that does not exist yet is accepted; the node
	// just stays blocked until the dependency appears and completes.
	require.NoError(t, b.Add(ctx, Node{ID: "a", Dependencies: []string{"b"}}))
	assert.Empty(t, b.Ready())

	require.NoError(t, b.Add(ctx, Node{ID: "b"}))
	ready := b.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)

	require.NoError(t, b.SetStatus(ctx, "b", StatusCompleted))
	ready = b.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)
}

func TestCycleRejectionLeavesBoardUnchanged(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	// "a" forward-declares a dependency on "b"; then adding "b" depending
	// on "a" would close the cycle and must fail, leaving only "a".
	require.NoError(t, b.Add(ctx, Node{ID: "a", Dependencies: []string{"b"}}))
	err := b.Add(ctx, Node{ID: "b", Dependencies: []string{"a"}})
	require.Error(t, err)
	kind, ok := agierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agierr.KindInvalidDependency, kind)

	all := b.All()
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, StatusPending, all[0].Status)
	assert.Equal(t, []string{"b"}, all[0].Dependencies)
}

func TestSelfDependencyRejected(t *testing.T) {
	b := New(nil)
	err := b.Add(context.Background(), Node{ID: "e", Dependencies: []string{"e"}})
	require.Error(t, err)
	kind, ok := agierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agierr.KindInvalidDependency, kind)
	assert.Empty(t, b.All())
}

func TestTransitiveCycleRejected(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, Node{ID: "a"}))
	require.NoError(t, b.Add(ctx, Node{ID: "b", Dependencies: []string{"a"}}))
	require.NoError(t, b.Add(ctx, Node{ID: "c", Dependencies: []string{"b"}}))

	// d closes a -> d -> c -> b -> a only if a depended on d; a does not,
	// so a diamond is fine.
	require.NoError(t, b.Add(ctx, Node{ID: "d", Dependencies: []string{"a", "c"}}))

	// But a node depending on a forward-declared id that in turn (already
	// inserted) depends back on it is rejected.
	require.NoError(t, b.Add(ctx, Node{ID: "x", Dependencies: []string{"y"}}))
	err := b.Add(ctx, Node{ID: "y", Dependencies: []string{"d", "x"}})
	require.Error(t, err)
	_, ok := b.Get("y")
	assert.False(t, ok)
}

func TestReadyReturnsOnlyUnblockedPendingNodes(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, Node{ID: "a"}))
	require.NoError(t, b.Add(ctx, Node{ID: "b", Dependencies: []string{"a"}}))

	ready := b.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	require.NoError(t, b.SetStatus(ctx, "a", StatusCompleted))
	ready = b.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestReadyOrdersOldestFirst(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	for _, id := range []string{"third", "first", "second"} {
		require.NoError(t, b.Add(ctx, Node{ID: id}))
	}

	ready := b.Ready()
	require.Len(t, ready, 3)
	assert.Equal(t, "third", ready[0].ID)
	assert.Equal(t, "first", ready[1].ID)
	assert.Equal(t, "second", ready[2].ID)
}

func TestAddDuplicateIDRejected(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, Node{ID: "a"}))
	err := b.Add(ctx, Node{ID: "a"})
	require.Error(t, err)
}

func TestParentChildLinking(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, Node{ID: "parent"}))
	require.NoError(t, b.Add(ctx, Node{ID: "child", ParentNode: "parent"}))

	p, ok := b.Get("parent")
	require.True(t, ok)
	assert.Equal(t, []string{"child"}, p.Children)
}
