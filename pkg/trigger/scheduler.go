package trigger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/event"
	"github.com/wangtian24/agiraph/pkg/telemetry"
)

// AgentHandle is what the scheduler needs from one live agent to dispatch
// fired actions and drive the on_event/on_idle kinds. The kernel implements
// it; holding only this narrow handle keeps the scheduler out of the cyclic
// agent object graph.
type AgentHandle interface {
	// WakeAgent appends a system message with the task text to the
	// coordinator's inbox and wakes its monitor loop.
	WakeAgent(ctx context.Context, task string)
	// RunNode resets the node to pending and kicks the scheduler tick.
	RunNode(ctx context.Context, nodeID string)
	// SendMessage goes through the agent's bus from "system".
	SendMessage(ctx context.Context, to, content string)
	// LastActivity is updated on every yield-point drain and tool call.
	LastActivity() time.Time
	// Subscribe attaches to the agent's live event stream.
	Subscribe() event.Subscription
	// Emit journals trigger.* events on the agent's log.
	Emit(ctx context.Context, typ event.Type, data map[string]any) (event.Event, error)
}

// Scheduler holds every trigger across all agents and runs one driver
// goroutine per active trigger.
type Scheduler struct {
	mu       sync.Mutex
	agents   map[string]AgentHandle
	triggers map[string]*Trigger
	cancels  map[string]context.CancelFunc

	// persistPath maps an agent id to its triggers.json path; nil disables
	// persistence (tests).
	persistPath func(agentID string) string
	// idlePoll is the on_idle polling cadence.
	idlePoll time.Duration
	logger   telemetry.Logger

	wg sync.WaitGroup
}

// NewScheduler builds an empty Scheduler. persistPath may be nil to keep
// triggers in memory only; a nil logger discards driver logging.
func NewScheduler(persistPath func(agentID string) string, logger telemetry.Logger) *Scheduler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{
		agents:      make(map[string]AgentHandle),
		triggers:    make(map[string]*Trigger),
		cancels:     make(map[string]context.CancelFunc),
		persistPath: persistPath,
		idlePoll:    time.Second,
		logger:      logger,
	}
}

// RegisterAgent makes the agent's handle available to drivers and
// re-registers every trigger still marked active in its triggers.json
// (the startup contract).
func (s *Scheduler) RegisterAgent(ctx context.Context, agentID string, h AgentHandle) error {
	s.mu.Lock()
	s.agents[agentID] = h
	s.mu.Unlock()

	if s.persistPath == nil {
		return nil
	}
	raw, err := os.ReadFile(s.persistPath(agentID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	persisted, err := UnmarshalFile(raw)
	if err != nil {
		return agierr.Wrap(agierr.KindConfig, "parsing triggers.json for "+agentID, err)
	}
	for _, t := range persisted {
		if t.Status != StatusActive {
			s.mu.Lock()
			tc := t
			s.triggers[t.ID] = &tc
			s.mu.Unlock()
			continue
		}
		if err := s.Add(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// UnregisterAgent stops every driver belonging to agentID and forgets its
// handle. Trigger records stay persisted for the next startup.
func (s *Scheduler) UnregisterAgent(agentID string) {
	s.mu.Lock()
	delete(s.agents, agentID)
	for id, t := range s.triggers {
		if t.AgentID != agentID {
			continue
		}
		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
		}
	}
	s.mu.Unlock()
}

// Add validates t, records and persists it, starts its driver, and emits
// trigger.created on the owning agent's log.
func (s *Scheduler) Add(ctx context.Context, t Trigger) error {
	if err := validate(t); err != nil {
		return err
	}
	s.mu.Lock()
	h, ok := s.agents[t.AgentID]
	if !ok {
		s.mu.Unlock()
		return agierr.Newf(agierr.KindConfig, "no registered agent %q for trigger %q", t.AgentID, t.ID)
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	tc := t
	s.triggers[t.ID] = &tc

	driverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancels[t.ID] = cancel
	s.mu.Unlock()

	s.persist(t.AgentID)
	_, _ = h.Emit(ctx, "trigger.created", map[string]any{"trigger_id": t.ID, "kind": string(t.Kind)})

	if t.Status == StatusActive {
		s.logger.Debug(ctx, "starting trigger driver", "trigger_id", t.ID, "kind", string(t.Kind), "agent_id", t.AgentID)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.drive(driverCtx, tc, h)
		}()
	}
	return nil
}

// Cancel stops a trigger's driver and marks it paused.
func (s *Scheduler) Cancel(ctx context.Context, id string) {
	s.mu.Lock()
	t, ok := s.triggers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if cancel, exists := s.cancels[id]; exists {
		cancel()
		delete(s.cancels, id)
	}
	t.Status = StatusPaused
	agentID := t.AgentID
	h := s.agents[agentID]
	s.mu.Unlock()

	s.persist(agentID)
	s.logger.Info(ctx, "trigger cancelled", "trigger_id", id, "agent_id", agentID)
	if h != nil {
		_, _ = h.Emit(ctx, "trigger.cancelled", map[string]any{"trigger_id": id})
	}
}

// List returns the triggers registered for agentID.
func (s *Scheduler) List(agentID string) []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trigger
	for _, t := range s.triggers {
		if t.AgentID == agentID {
			out = append(out, *t)
		}
	}
	return out
}

// Wait blocks until every driver goroutine has exited. Test/teardown helper.
func (s *Scheduler) Wait() { s.wg.Wait() }

func validate(t Trigger) error {
	switch t.Kind {
	case KindDelayed:
		if _, err := time.ParseDuration(t.Metadata.Delay); err != nil {
			return agierr.Wrap(agierr.KindConfig, "delayed trigger needs a valid delay", err)
		}
	case KindAtTime:
		if t.Metadata.At.IsZero() {
			return agierr.New(agierr.KindConfig, "at_time trigger needs a non-zero at")
		}
	case KindScheduled:
		if _, err := cron.ParseStandard(t.Metadata.Cron); err != nil {
			return agierr.Wrap(agierr.KindConfig, "scheduled trigger needs a valid cron expression", err)
		}
	case KindHeartbeat:
		if _, err := time.ParseDuration(t.Metadata.Interval); err != nil {
			return agierr.Wrap(agierr.KindConfig, "heartbeat trigger needs a valid interval", err)
		}
	case KindOnEvent:
		if t.Metadata.EventType == "" {
			return agierr.New(agierr.KindConfig, "on_event trigger needs an event_type pattern")
		}
	case KindOnIdle:
		if _, err := time.ParseDuration(t.Metadata.IdleThreshold); err != nil {
			return agierr.Wrap(agierr.KindConfig, "on_idle trigger needs a valid idle_threshold", err)
		}
	default:
		return agierr.Newf(agierr.KindConfig, "unknown trigger kind %q", t.Kind)
	}
	return nil
}

// drive runs the per-kind driver loop until the trigger expires or its
// context is cancelled.
func (s *Scheduler) drive(ctx context.Context, t Trigger, h AgentHandle) {
	switch t.Kind {
	case KindDelayed:
		d, _ := time.ParseDuration(t.Metadata.Delay)
		if sleep(ctx, d) {
			s.fire(ctx, t, h)
			s.setStatus(t.ID, StatusExpired)
		}
	case KindAtTime:
		if sleep(ctx, time.Until(t.Metadata.At)) {
			s.fire(ctx, t, h)
			s.setStatus(t.ID, StatusExpired)
		}
	case KindScheduled:
		sched, err := cron.ParseStandard(t.Metadata.Cron)
		if err != nil {
			return
		}
		for {
			// Next fire time is recomputed from the current wall clock
			// after each fire, so a slow action never causes catch-up bursts.
			if !sleep(ctx, time.Until(sched.Next(time.Now()))) {
				return
			}
			s.fire(ctx, t, h)
		}
	case KindHeartbeat:
		interval, _ := time.ParseDuration(t.Metadata.Interval)
		for sleep(ctx, interval) {
			s.fire(ctx, t, h)
		}
	case KindOnEvent:
		s.driveOnEvent(ctx, t, h)
	case KindOnIdle:
		s.driveOnIdle(ctx, t, h)
	}
}

func (s *Scheduler) driveOnEvent(ctx context.Context, t Trigger, h AgentHandle) {
	sub := h.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if matches(t.Metadata, ev) {
				s.fire(ctx, t, h)
			}
		}
	}
}

func (s *Scheduler) driveOnIdle(ctx context.Context, t Trigger, h AgentHandle) {
	threshold, _ := time.ParseDuration(t.Metadata.IdleThreshold)
	ticker := time.NewTicker(s.idlePoll)
	defer ticker.Stop()
	var firedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := h.LastActivity()
			// Reset after firing: don't fire again until activity has
			// happened and the agent has gone idle once more.
			if !firedAt.IsZero() && !last.After(firedAt) {
				continue
			}
			if time.Since(last) >= threshold {
				s.fire(ctx, t, h)
				firedAt = time.Now()
			}
		}
	}
}

// matches applies the on_event (type pattern, filter) contract: the pattern
// is either an exact type or a "prefix.*" wildcard, and every filter entry
// must equal the corresponding Event.Data value.
func matches(m Metadata, ev event.Event) bool {
	pattern := m.EventType
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		if !strings.HasPrefix(string(ev.Type), prefix+".") {
			return false
		}
	} else if string(ev.Type) != pattern {
		return false
	}
	for k, want := range m.Filter {
		got, ok := ev.Data[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// fire emits trigger.fired and dispatches the trigger's action.
func (s *Scheduler) fire(ctx context.Context, t Trigger, h AgentHandle) {
	s.logger.Info(ctx, "trigger fired", "trigger_id", t.ID, "kind", string(t.Kind), "action", string(t.Action.Kind))
	_, _ = h.Emit(ctx, "trigger.fired", map[string]any{"trigger_id": t.ID, "kind": string(t.Kind)})
	switch t.Action.Kind {
	case ActionWakeAgent:
		h.WakeAgent(ctx, t.Action.Task)
	case ActionRunNode:
		h.RunNode(ctx, t.Action.NodeID)
	case ActionSendMessage:
		h.SendMessage(ctx, t.Action.To, t.Action.Content)
	}
}

func (s *Scheduler) setStatus(id string, status Status) {
	s.mu.Lock()
	t, ok := s.triggers[id]
	var agentID string
	if ok {
		t.Status = status
		agentID = t.AgentID
	}
	s.mu.Unlock()
	if ok {
		s.persist(agentID)
	}
}

func (s *Scheduler) persist(agentID string) {
	if s.persistPath == nil {
		return
	}
	s.mu.Lock()
	var out []Trigger
	for _, t := range s.triggers {
		if t.AgentID == agentID {
			out = append(out, *t)
		}
	}
	s.mu.Unlock()
	raw, err := MarshalFile(out)
	if err != nil {
		return
	}
	path := s.persistPath(agentID)
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, raw, 0o644)
}

// sleep blocks for d or until ctx is done; reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
