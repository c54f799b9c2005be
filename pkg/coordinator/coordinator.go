// Package coordinator implements the always-live agent loop from the
// component design: plan, dispatch, monitor, reconvene, and cooperative
// stop/resume.
//
// The loop blocks on one plain buffered channel carrying an "activity"
// pulse, selected alongside a bounded ticker so its suspension points
// never exceed one second even when nothing schedules an explicit wake.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/bus"
	"github.com/wangtian24/agiraph/pkg/event"
	"github.com/wangtian24/agiraph/pkg/executor"
	"github.com/wangtian24/agiraph/pkg/model"
	"github.com/wangtian24/agiraph/pkg/provider"
	"github.com/wangtian24/agiraph/pkg/telemetry"
	"github.com/wangtian24/agiraph/pkg/tools"
	"github.com/wangtian24/agiraph/pkg/workerpool"
)

// Status mirrors the agent's lifecycle state.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusWorking         Status = "working"
	StatusWaitingForHuman Status = "waiting_for_human"
	StatusStopped         Status = "stopped"
	StatusCompleted       Status = "completed"
)

// Mode selects whether the coordinator finishes once its goal is met
// (finite) or keeps running, woken by triggers, forever (infinite).
type Mode string

const (
	ModeFinite   Mode = "finite"
	ModeInfinite Mode = "infinite"
)

// EventEmitter is the subset of *event.Log the coordinator needs.
type EventEmitter interface {
	Emit(ctx context.Context, typ event.Type, data map[string]any) (event.Event, error)
}

// activityBufferSize is 1: the coordinator only cares that *something*
// happened since it last looked, not how many somethings.
const activityBufferSize = 1

// Coordinator is the always-live node of one agent run.
type Coordinator struct {
	AgentID string
	RunID   string
	Goal    string
	Mode    Mode

	Adapter      provider.Adapter
	Tools        *tools.Registry
	Board        *board.Board
	Pool         *workerpool.Pool
	Bus          *bus.Bus
	Log          EventEmitter
	Logger       telemetry.Logger
	SystemPrompt string
	// ConversationPath, when set, is the conversation.jsonl file the
	// coordinator's visible replies are appended to. Human messages are
	// journaled there at send time by the kernel, not here.
	ConversationPath string

	// TickInterval bounds how long _wait_for_activity ever blocks without a
	// signal, satisfying the "monitor loop with ≤1s yield points" rule even
	// when nothing schedules an explicit wake.
	TickInterval time.Duration

	mu       sync.Mutex
	status   Status
	stopped  bool
	conv     *executor.Conversation
	activity chan struct{}
}

// New builds a Coordinator ready to Run, starting from an empty
// conversation; it does not restore one from conversation.jsonl.
func New(c Coordinator) *Coordinator {
	c.activity = make(chan struct{}, activityBufferSize)
	c.status = StatusIdle
	if c.conv == nil {
		c.conv = executor.NewConversation()
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	return &c
}

// Notify wakes the coordinator's _wait_for_activity: call on any worker
// status change, new bus message addressed to the coordinator, fired
// trigger, or stop request. Non-blocking: a pending, undelivered
// wake already queued is sufficient, so a second Notify before the
// coordinator wakes is a no-op.
func (c *Coordinator) Notify() {
	select {
	case c.activity <- struct{}{}:
	default:
	}
}

// Status returns the coordinator's current lifecycle status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Run is the outer coordinator loop: _wait_for_activity, drain the human
// queue honoring the re-entrance rule, think, dispatch coordinator tool
// calls, repeat. Returns when the agent reaches a terminal state
// (completed, stopped by an unrecoverable error) or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		woken, err := c.waitForActivity(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			// Still waiting on a human; activity that isn't a human
			// message (e.g. a worker settling into idle after Stop)
			// does not resume the loop.
			continue
		}

		msgs := c.Bus.Receive(bus.Coordinator)
		// Never re-think until something has changed: a bare tick with no
		// wake signal and an empty inbox goes straight back to waiting.
		if !woken && len(msgs) == 0 {
			continue
		}
		for _, m := range msgs {
			// Re-entrance rule: a human message was already
			// journaled to conversation.jsonl at send() time, so the
			// drain path only appends it to the in-memory conversation
			// used for the next provider call, never re-emits
			// message.sent or double-journals it.
			text := m.Content
			if m.From != bus.Human {
				text = fmt.Sprintf("[Message from %s]: %s", m.From, m.Content)
			}
			_ = c.conv.AppendUser(model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: text}}})
		}

		c.setStatus(StatusWorking)
		done, err := c.think(ctx)
		if err != nil {
			if agierr.IsCancelled(err) {
				c.Logger.Info(ctx, "coordinator cancelled", "agent_id", c.AgentID)
				if c.Log != nil {
					_, _ = c.Log.Emit(ctx, "agent.stopped", map[string]any{"agent_id": c.AgentID})
				}
				c.setStatus(StatusStopped)
				return nil
			}
			// Coordinator errors after one retry (made inside think)
			// escalate to stopped, not completed, so a human can
			// intervene.
			c.Logger.Error(ctx, "coordinator turn failed", "agent_id", c.AgentID, "err", err)
			if c.Log != nil {
				_, _ = c.Log.Emit(ctx, "agent.stopped", map[string]any{"agent_id": c.AgentID, "error": err.Error()})
			}
			c.setStatus(StatusStopped)
			return err
		}
		if done {
			return nil
		}
		c.setStatus(StatusIdle)
	}
}

// waitForActivity blocks until Notify fires, TickInterval elapses, or ctx is
// done. The bounded tick keeps the monitor loop's suspension points under
// one second. Reports whether an explicit wake arrived,
// as opposed to the bounded tick elapsing.
func (c *Coordinator) waitForActivity(ctx context.Context) (bool, error) {
	interval := c.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.activity:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// think runs one provider turn over the coordinator's conversation and
// dispatches whatever coordinator tool calls come back. Returns done=true
// once a finish tool call has been handled.
func (c *Coordinator) think(ctx context.Context) (bool, error) {
	req := provider.Request{System: c.SystemPrompt, Messages: c.conv.Messages(), Tools: c.Tools.Defs()}
	c.Logger.Debug(ctx, "provider call", "agent_id", c.AgentID, "messages", len(req.Messages))
	resp, err := c.Adapter.Complete(ctx, req)
	if err != nil {
		c.Logger.Warn(ctx, "provider call failed, retrying once", "agent_id", c.AgentID, "err", err)
		time.Sleep(200 * time.Millisecond)
		resp, err = c.Adapter.Complete(ctx, req)
		if err != nil {
			return false, err
		}
	}

	var parts []model.Part
	if resp.Text != "" {
		parts = append(parts, model.TextPart{Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		parts = append(parts, model.ToolUsePart{ID: tc.ID, Name: tc.Name, Input: tc.Args})
	}
	asst := model.Message{Role: model.RoleAssistant, Parts: parts}
	if len(resp.RawContentBlocks) > 0 {
		asst.Meta = map[string]any{model.MetaContentBlocks: resp.RawContentBlocks}
	}
	if err := c.conv.AppendAssistant(asst); err != nil {
		return false, err
	}
	if c.ConversationPath != "" && resp.Text != "" {
		_ = executor.AppendJSONL(ctx, c.ConversationPath, model.Message{
			Role:  model.RoleAssistant,
			Parts: []model.Part{model.TextPart{Text: resp.Text}},
			Meta:  asst.Meta,
		})
	}

	tctx := &tools.Context{AgentID: c.AgentID, RunID: c.RunID, Bus: c.Bus, Log: c.Log}
	for _, call := range resp.ToolCalls {
		c.Logger.Debug(ctx, "dispatching tool", "agent_id", c.AgentID, "tool", call.Name)
		result, dispatchErr := c.Tools.Dispatch(ctx, tctx, call)
		text, isErr := result, false
		if dispatchErr != nil {
			text, isErr = dispatchErr.Error(), true
		}
		resultMsg := c.Adapter.FormatToolResult(call, text, isErr)
		if err := c.conv.AppendToolResult(resultMsg); err != nil {
			return false, err
		}
		if call.Name == "finish" && !isErr {
			c.Logger.Info(ctx, "agent completed", "agent_id", c.AgentID)
			if c.Log != nil {
				_, _ = c.Log.Emit(ctx, "agent.completed", map[string]any{"agent_id": c.AgentID, "summary": text})
			}
			c.setStatus(StatusCompleted)
			return true, nil
		}
	}

	// Every new node creation must re-run the scheduler tick synchronously
	// before any further yield: between node creation and the scheduler
	// observing it, no suspension may intervene.
	c.Pool.Tick(ctx)
	return false, nil
}

// Stop performs the cooperative stop sequence: cancel every
// running worker, mark the coordinator stopped, inject a context summary,
// and transition to waiting_for_human. Does not terminate Run's goroutine;
// Run continues looping in waitForActivity until a human message arrives.
func (c *Coordinator) Stop(ctx context.Context) {
	c.Pool.StopAll()

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	summary := c.renderStopSummary()
	_ = c.conv.AppendUser(model.Message{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: summary}}})

	c.Logger.Info(ctx, "stop requested, waiting for human", "agent_id", c.AgentID)
	c.setStatus(StatusWaitingForHuman)
	if c.Log != nil {
		_, _ = c.Log.Emit(ctx, "agent.stopped", map[string]any{"agent_id": c.AgentID, "reason": "stop_requested"})
	}
	c.Notify()
}

// Resume clears the stopped flag so the next human message resumes normal
// operation with the full pre-stop conversation preserved.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	c.Notify()
}

func (c *Coordinator) renderStopSummary() string {
	nodes := c.Board.All()
	var b []byte
	b = append(b, "stop requested. current state:\n"...)
	for _, n := range nodes {
		line := fmt.Sprintf("- node %s: %s\n", n.ID, n.Status)
		b = append(b, line...)
	}
	return string(b)
}

// Conversation returns the coordinator's human-visible conversation log
//.
func (c *Coordinator) Conversation() []model.Message {
	return c.conv.Messages()
}

// MarshalConversationJSON renders the coordinator conversation as the
// conversation.jsonl line format, for persistence across restarts.
func (c *Coordinator) MarshalConversationJSON() ([]byte, error) {
	return json.Marshal(c.conv.Messages())
}
