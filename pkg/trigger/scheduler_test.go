package trigger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangtian24/agiraph/pkg/event"
)

// fakeHandle records fired actions and serves a controllable event stream
// and idle clock.
type fakeHandle struct {
	mu           sync.Mutex
	woken        []string
	ranNodes     []string
	sent         [][2]string
	emitted      []event.Type
	lastActivity time.Time
	events       chan event.Event
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{lastActivity: time.Now(), events: make(chan event.Event, 16)}
}

func (f *fakeHandle) WakeAgent(_ context.Context, task string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, task)
}

func (f *fakeHandle) RunNode(_ context.Context, nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranNodes = append(f.ranNodes, nodeID)
}

func (f *fakeHandle) SendMessage(_ context.Context, to, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, [2]string{to, content})
}

func (f *fakeHandle) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *fakeHandle) Subscribe() event.Subscription { return &fakeSub{ch: f.events} }

func (f *fakeHandle) Emit(_ context.Context, typ event.Type, _ map[string]any) (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, typ)
	return event.Event{Type: typ}, nil
}

func (f *fakeHandle) wokenTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.woken...)
}

func (f *fakeHandle) emittedTypes() []event.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Type(nil), f.emitted...)
}

type fakeSub struct {
	ch   chan event.Event
	once sync.Once
}

func (s *fakeSub) Events() <-chan event.Event { return s.ch }
func (s *fakeSub) Close()                     { s.once.Do(func() {}) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDelayedFiresOnceAndExpires(t *testing.T) {
	s := NewScheduler(nil, nil)
	h := newFakeHandle()
	require.NoError(t, s.RegisterAgent(context.Background(), "a1", h))

	err := s.Add(context.Background(), Trigger{
		ID: "t1", AgentID: "a1", Kind: KindDelayed,
		Metadata: Metadata{Delay: "10ms"},
		Action:   Action{Kind: ActionWakeAgent, Task: "check in"},
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(h.wokenTasks()) == 1 })
	assert.Equal(t, []string{"check in"}, h.wokenTasks())
	waitFor(t, func() bool {
		for _, tr := range s.List("a1") {
			if tr.ID == "t1" && tr.Status == StatusExpired {
				return true
			}
		}
		return false
	})
}

func TestHeartbeatFiresRepeatedly(t *testing.T) {
	s := NewScheduler(nil, nil)
	h := newFakeHandle()
	require.NoError(t, s.RegisterAgent(context.Background(), "a1", h))

	require.NoError(t, s.Add(context.Background(), Trigger{
		ID: "hb", AgentID: "a1", Kind: KindHeartbeat,
		Metadata: Metadata{Interval: "10ms"},
		Action:   Action{Kind: ActionRunNode, NodeID: "n1"},
	}))

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.ranNodes) >= 3
	})
	s.Cancel(context.Background(), "hb")
}

func TestOnEventPatternAndFilter(t *testing.T) {
	s := NewScheduler(nil, nil)
	h := newFakeHandle()
	require.NoError(t, s.RegisterAgent(context.Background(), "a1", h))

	require.NoError(t, s.Add(context.Background(), Trigger{
		ID: "oe", AgentID: "a1", Kind: KindOnEvent,
		Metadata: Metadata{EventType: "node.*", Filter: map[string]string{"node_id": "n7"}},
		Action:   Action{Kind: ActionSendMessage, To: "coordinator", Content: "n7 done"},
	}))

	h.events <- event.Event{Type: "worker.idle", Data: map[string]any{"node_id": "n7"}}
	h.events <- event.Event{Type: "node.completed", Data: map[string]any{"node_id": "n3"}}
	h.events <- event.Event{Type: "node.completed", Data: map[string]any{"node_id": "n7"}}

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.sent) == 1
	})
	h.mu.Lock()
	assert.Equal(t, [2]string{"coordinator", "n7 done"}, h.sent[0])
	h.mu.Unlock()
	s.Cancel(context.Background(), "oe")
}

func TestOnIdleFiresAndResets(t *testing.T) {
	s := NewScheduler(nil, nil)
	s.idlePoll = 5 * time.Millisecond
	h := newFakeHandle()
	h.mu.Lock()
	h.lastActivity = time.Now().Add(-time.Minute)
	h.mu.Unlock()
	require.NoError(t, s.RegisterAgent(context.Background(), "a1", h))

	require.NoError(t, s.Add(context.Background(), Trigger{
		ID: "oi", AgentID: "a1", Kind: KindOnIdle,
		Metadata: Metadata{IdleThreshold: "10ms"},
		Action:   Action{Kind: ActionWakeAgent, Task: "idle nudge"},
	}))

	waitFor(t, func() bool { return len(h.wokenTasks()) == 1 })
	// No re-fire without fresh activity.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.wokenTasks(), 1)

	// Fresh activity then idleness fires again.
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
	waitFor(t, func() bool { return len(h.wokenTasks()) == 2 })
	s.Cancel(context.Background(), "oi")
}

func TestPersistAndReregisterOnStartup(t *testing.T) {
	dir := t.TempDir()
	pathFor := func(agentID string) string { return filepath.Join(dir, agentID, "triggers.json") }

	s := NewScheduler(pathFor, nil)
	h := newFakeHandle()
	require.NoError(t, s.RegisterAgent(context.Background(), "a1", h))
	require.NoError(t, s.Add(context.Background(), Trigger{
		ID: "hb", AgentID: "a1", Kind: KindHeartbeat,
		Metadata: Metadata{Interval: "1h"},
		Action:   Action{Kind: ActionWakeAgent, Task: "cycle"},
	}))
	s.Cancel(context.Background(), "hb")

	raw, err := os.ReadFile(pathFor("a1"))
	require.NoError(t, err)
	persisted, err := UnmarshalFile(raw)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, StatusPaused, persisted[0].Status)

	// Mark active on disk and start a fresh scheduler: the trigger comes
	// back as a live driver.
	persisted[0].Status = StatusActive
	out, err := MarshalFile(persisted)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pathFor("a1"), out, 0o644))

	s2 := NewScheduler(pathFor, nil)
	h2 := newFakeHandle()
	require.NoError(t, s2.RegisterAgent(context.Background(), "a1", h2))
	assert.Contains(t, h2.emittedTypes(), event.Type("trigger.created"))
	require.Len(t, s2.List("a1"), 1)
	s2.Cancel(context.Background(), "hb")
}

func TestValidateRejectsBadMetadata(t *testing.T) {
	s := NewScheduler(nil, nil)
	h := newFakeHandle()
	require.NoError(t, s.RegisterAgent(context.Background(), "a1", h))

	err := s.Add(context.Background(), Trigger{
		ID: "bad", AgentID: "a1", Kind: KindScheduled,
		Metadata: Metadata{Cron: "not a cron"},
	})
	require.Error(t, err)
}
