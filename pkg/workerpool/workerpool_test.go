package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangtian24/agiraph/pkg/board"
)

type fakeExecutor struct {
	delay    time.Duration
	executed int32
}

func (f *fakeExecutor) Execute(ctx context.Context, w Worker, n board.Node) error {
	atomic.AddInt32(&f.executed, 1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func idGen() func() string {
	n := 0
	return func() string {
		n++
		return "w" + string(rune('0'+n))
	}
}

func TestAssignRunsNodeAndReturnsWorkerToIdle(t *testing.T) {
	b := board.New(nil)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, board.Node{ID: "n1"}))

	exec := &fakeExecutor{}
	p := New(b, exec, nil, idGen())
	w := p.Spawn(ctx, Spec{Name: "alice", Kind: KindHarnessed})

	n, _ := b.Get("n1")
	p.Assign(ctx, n, *w)
	p.Wait()

	got, ok := p.Get(w.ID)
	require.True(t, ok)
	assert.Equal(t, StatusIdle, got.Status)

	node, _ := b.Get("n1")
	assert.Equal(t, board.StatusCompleted, node.Status)
	assert.EqualValues(t, 1, exec.executed)
}

func TestTickMatchesReadyNodesToIdleWorkersFairly(t *testing.T) {
	b := board.New(nil)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, board.Node{ID: "n1"}))
	require.NoError(t, b.Add(ctx, board.Node{ID: "n2"}))

	exec := &fakeExecutor{delay: 10 * time.Millisecond}
	p := New(b, exec, nil, idGen())
	p.Spawn(ctx, Spec{Name: "alice", Kind: KindHarnessed})
	p.Spawn(ctx, Spec{Name: "bob", Kind: KindHarnessed})

	p.Tick(ctx)
	p.Wait()

	assert.EqualValues(t, 2, exec.executed)
	n1, _ := b.Get("n1")
	n2, _ := b.Get("n2")
	assert.Equal(t, board.StatusCompleted, n1.Status)
	assert.Equal(t, board.StatusCompleted, n2.Status)
}

func TestIdleWorkersOrderedLeastRecentlyUsedFirst(t *testing.T) {
	b := board.New(nil)
	ctx := context.Background()
	p := New(b, &fakeExecutor{}, nil, idGen())
	w1 := p.Spawn(ctx, Spec{Name: "alice"})
	time.Sleep(2 * time.Millisecond)
	w2 := p.Spawn(ctx, Spec{Name: "bob"})

	idle := p.IdleWorkers()
	require.Len(t, idle, 2)
	assert.Equal(t, w1.ID, idle[0].ID)
	assert.Equal(t, w2.ID, idle[1].ID)
}

func TestStopWorkerCancelsInFlightExecution(t *testing.T) {
	b := board.New(nil)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, board.Node{ID: "n1"}))

	exec := &fakeExecutor{delay: time.Second}
	p := New(b, exec, nil, idGen())
	w := p.Spawn(ctx, Spec{Name: "alice"})

	n, _ := b.Get("n1")
	p.Assign(ctx, n, *w)
	time.Sleep(5 * time.Millisecond)
	p.StopWorker(w.ID)
	p.Wait()

	node, _ := b.Get("n1")
	assert.Equal(t, board.StatusFailed, node.Status)
}
