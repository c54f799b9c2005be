// Package kernel composes the scope store, event log, message bus, work
// board, worker pool, executors, coordinator, and trigger scheduler into one
// agent, and provides the process-wide registry of live agents.
//
// The composition keeps to a session-store shape: durable string
// ids, explicit lifecycle methods, and in-memory objects reconstructable
// from the on-disk agent directory. Each agent runs its own goroutines;
// there is no shared mutable state between agents except the registry map
// and the trigger scheduler, each under its own lock.
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wangtian24/agiraph/internal/config"
	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/bus"
	"github.com/wangtian24/agiraph/pkg/coordinator"
	"github.com/wangtian24/agiraph/pkg/event"
	"github.com/wangtian24/agiraph/pkg/executor"
	"github.com/wangtian24/agiraph/pkg/model"
	"github.com/wangtian24/agiraph/pkg/provider"
	"github.com/wangtian24/agiraph/pkg/scope"
	"github.com/wangtian24/agiraph/pkg/telemetry"
	"github.com/wangtian24/agiraph/pkg/trigger"
	"github.com/wangtian24/agiraph/pkg/workerpool"
)

// AdapterFactory builds a provider adapter for a provider/model pair.
// Injected so tests can substitute scripted adapters for real SDK clients.
type AdapterFactory func(providerName, modelID string) (provider.Adapter, error)

// Agent is one live agent: the composition root for every per-agent
// subsystem plus its lifecycle state.
type Agent struct {
	ID        string
	Goal      string
	Mode      coordinator.Mode
	Model     string
	CreatedAt time.Time

	Scope    *scope.Store
	Log      *event.Log
	Bus      *bus.Bus
	Board    *board.Board
	Pool     *workerpool.Pool
	Coord    *coordinator.Coordinator
	Triggers *trigger.Scheduler

	cfg config.Config
	tel telemetry.Bundle

	runID string

	// lastActivity is unix nanos, updated by the activity watcher on every
	// tool call and message, read by the on_idle trigger driver.
	lastActivity atomic.Int64

	// responseCh feeds Respond answers into a pending ask_human block.
	responseCh chan string

	cancel   context.CancelFunc
	done     chan struct{}
	watchSub event.Subscription
}

// Summary is the read-only agent view the HTTP surface renders.
type Summary struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Mode      string    `json:"mode"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Path      string    `json:"path"`
	RunID     string    `json:"run_id"`
}

// newAgent wires every subsystem for one agent and prepares (but does not
// start) its coordinator. Called by the registry with its shared scheduler.
func newAgent(cfg config.Config, tel telemetry.Bundle, sched *trigger.Scheduler, adapterFor AdapterFactory, id, goal string, mode coordinator.Mode, modelPair string) (*Agent, error) {
	a := &Agent{
		ID:         id,
		Goal:       goal,
		Mode:       mode,
		Model:      modelPair,
		CreatedAt:  time.Now().UTC(),
		Triggers:   sched,
		cfg:        cfg,
		tel:        tel,
		runID:      uuid.NewString(),
		responseCh: make(chan string, 1),
		done:       make(chan struct{}),
	}
	a.lastActivity.Store(time.Now().UnixNano())

	// Paths are needed before the journal exists; the store is rebuilt with
	// the journal as its emitter right after Open.
	a.Scope = scope.New(cfg.DataDir, id, nil)
	home := a.Scope.AgentPath()
	for _, dir := range []string{
		home,
		filepath.Join(home, "memory"),
		a.Scope.RunPath(a.runID),
		filepath.Join(a.Scope.RunPath(a.runID), "_messages"),
		filepath.Join(a.Scope.RunPath(a.runID), "nodes"),
		filepath.Join(a.Scope.RunPath(a.runID), "workers"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := writeIdentityFiles(home, goal); err != nil {
		return nil, err
	}
	for _, seed := range []string{
		filepath.Join(home, "memory", "index.md"),
		filepath.Join(a.Scope.RunPath(a.runID), "_plan.md"),
	} {
		if _, err := os.Stat(seed); os.IsNotExist(err) {
			if err := os.WriteFile(seed, nil, 0o644); err != nil {
				return nil, err
			}
		}
	}

	log, err := event.Open(id, home)
	if err != nil {
		return nil, err
	}
	a.Log = log
	a.Scope = scope.New(cfg.DataDir, id, log)

	a.Board = board.New(log)
	a.Bus = bus.New(log, func() []string {
		return append([]string{bus.Coordinator}, a.Pool.LiveNames()...)
	})

	providerName, modelID := config.SplitModel(modelPair)
	adapter, err := adapterFor(providerName, modelID)
	if err != nil {
		return nil, err
	}

	coordTools, workerTools := a.buildTools()

	nodeDir := func(nodeID string) string { return a.Scope.NodeDir(a.runID, nodeID) }
	exec := &kindMux{
		harnessed: &executor.Harnessed{
			AgentID:       id,
			RunID:         a.runID,
			Adapter:       adapter,
			Tools:         workerTools,
			Bus:           a.Bus,
			Log:           log,
			Logger:        tel.Log,
			NodeDir:       nodeDir,
			SystemPrompt:  workerSystemPrompt,
			ContextLimit:  cfg.ContextLimit(modelID),
			MaxIterations: cfg.MaxWorkerIterations,
			Compaction: executor.CompactionPolicy{
				MaxTokenFraction: executor.DefaultCompactionPolicy.MaxTokenFraction,
				KeepLastTurns:    cfg.CompactionKeepLastTurns,
			},
		},
		autonomous: &executor.Autonomous{
			AgentID:      id,
			RunID:        a.runID,
			Bus:          a.Bus,
			Log:          log,
			Logger:       tel.Log,
			NodeDir:      nodeDir,
			PollInterval: cfg.PollInterval,
			MaxLifetime:  cfg.MaxSubprocessLifetime,
		},
		claudeCode: &executor.ClaudeCode{
			AgentID: id,
			RunID:   a.runID,
			Bus:     a.Bus,
			Log:     log,
			Logger:  tel.Log,
			NodeDir: nodeDir,
		},
	}
	a.Pool = workerpool.New(a.Board, exec, log, uuid.NewString)

	a.Coord = coordinator.New(coordinator.Coordinator{
		AgentID:          id,
		RunID:            a.runID,
		Goal:             goal,
		Mode:             mode,
		Adapter:          adapter,
		Tools:            coordTools,
		Board:            a.Board,
		Pool:             a.Pool,
		Bus:              a.Bus,
		Log:              log,
		Logger:           tel.Log,
		SystemPrompt:     coordinatorSystemPrompt(goal, mode),
		ConversationPath: filepath.Join(home, "conversation.jsonl"),
	})

	return a, nil
}

// kindMux routes Execute to the right executor for the worker's kind.
type kindMux struct {
	harnessed  workerpool.Executor
	autonomous workerpool.Executor
	claudeCode workerpool.Executor
}

func (m *kindMux) Execute(ctx context.Context, w workerpool.Worker, n board.Node) error {
	switch w.Kind {
	case workerpool.KindAutonomous:
		return m.autonomous.Execute(ctx, w, n)
	case workerpool.KindClaudeCode:
		return m.claudeCode.Execute(ctx, w, n)
	default:
		return m.harnessed.Execute(ctx, w, n)
	}
}

// start launches the coordinator loop and the activity watcher, registers
// the agent with the trigger scheduler, and seeds the goal.
func (a *Agent) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	if _, err := a.Log.Emit(ctx, "agent.started", map[string]any{
		"agent_id": a.ID,
		"goal":     a.Goal,
		"mode":     string(a.Mode),
	}); err != nil {
		return err
	}

	a.watchSub = a.Log.Subscribe()
	go a.watchActivity(runCtx)

	if err := a.Triggers.RegisterAgent(ctx, a.ID, handleAdapter{a}); err != nil {
		return err
	}

	go func() {
		defer close(a.done)
		_ = a.Coord.Run(runCtx)
	}()

	a.Bus.Send(ctx, bus.System, bus.Coordinator, "Your goal: "+a.Goal)
	a.Coord.Notify()
	return nil
}

// watchActivity keeps lastActivity current and pulses the coordinator's
// monitor loop on anything that could unblock work.
func (a *Agent) watchActivity(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.watchSub.Close()
			return
		case ev, ok := <-a.watchSub.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case "tool.called", "message.sent", "human.response":
				a.lastActivity.Store(time.Now().UnixNano())
			}
			switch ev.Type {
			case "worker.idle", "worker.stopped", "node.completed", "node.failed", "message.sent", "trigger.fired":
				a.Coord.Notify()
			}
		}
	}
}

// SendMessage enqueues a human message. An empty to routes to the
// coordinator; "*" broadcasts to every live participant. A human message
// addressed to the coordinator is journaled to conversation.jsonl here, at
// send time; the coordinator's drain path never re-journals it.
func (a *Agent) SendMessage(ctx context.Context, to, content string) {
	if to == "" {
		to = bus.Coordinator
	}
	a.lastActivity.Store(time.Now().UnixNano())

	if to == bus.Coordinator {
		_ = executor.AppendJSONL(ctx, a.conversationPath(), model.Message{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: content}},
		})
	}
	a.tel.Log.Debug(ctx, "human message queued", "agent_id", a.ID, "to", to)
	if to == bus.Broadcast {
		a.Bus.Broadcast(ctx, bus.Human, content)
	} else {
		a.Bus.Send(ctx, bus.Human, to, content)
	}

	// Any new human message clears a cooperative stop and resumes the
	// coordinator with its full pre-stop conversation intact.
	a.Coord.Resume()
}

// Respond answers a pending ask_human block.
func (a *Agent) Respond(ctx context.Context, response string) {
	_, _ = a.Log.Emit(ctx, "human.response", map[string]any{"response": response})
	select {
	case a.responseCh <- response:
	default:
	}
}

// Stop performs the cooperative stop: workers cancelled, coordinator marked
// stopped with a context summary injected, agent left waiting_for_human.
func (a *Agent) Stop(ctx context.Context) {
	a.tel.Log.Info(ctx, "stopping agent", "agent_id", a.ID)
	a.Coord.Stop(ctx)
}

// Delete tears the agent down: coordinator goroutine cancelled, triggers
// unregistered, journal closed, and the on-disk home removed.
func (a *Agent) Delete(ctx context.Context) error {
	a.tel.Log.Info(ctx, "deleting agent", "agent_id", a.ID)
	_, _ = a.Log.Emit(ctx, "agent.stopped", map[string]any{"agent_id": a.ID, "reason": "deleted"})
	if a.cancel != nil {
		a.cancel()
	}
	a.Pool.StopAll()
	a.Pool.Wait()
	a.Triggers.UnregisterAgent(a.ID)
	_ = a.Log.Close()
	return os.RemoveAll(a.Scope.AgentPath())
}

// Summary renders the agent's read-only view.
func (a *Agent) Summary() Summary {
	return Summary{
		ID:        a.ID,
		Goal:      a.Goal,
		Mode:      string(a.Mode),
		Model:     a.Model,
		Status:    string(a.Coord.Status()),
		CreatedAt: a.CreatedAt,
		Path:      a.Scope.AgentPath(),
		RunID:     a.runID,
	}
}

// RunID returns the current run's id.
func (a *Agent) RunID() string { return a.runID }

// WorkspaceFile reads a file under the current run directory, enforcing the
// run scope (no escapes via .., absolute paths, or symlinks).
func (a *Agent) WorkspaceFile(relpath string) ([]byte, error) {
	return a.Scope.ReadFile(scope.KindRun, a.Scope.RunPath(a.runID), relpath)
}

// MemoryFile reads a file under the agent's memory/ subtree.
func (a *Agent) MemoryFile(relpath string) ([]byte, error) {
	return a.Scope.ReadFile(scope.KindAgent, filepath.Join(a.Scope.AgentPath(), "memory"), relpath)
}

func (a *Agent) conversationPath() string {
	return filepath.Join(a.Scope.AgentPath(), "conversation.jsonl")
}

// WakeAgent implements trigger.AgentHandle: the task text lands in the
// coordinator's inbox as a system message.
func (a *Agent) WakeAgent(ctx context.Context, task string) {
	a.Bus.Send(ctx, bus.System, bus.Coordinator, task)
	a.Coord.Notify()
}

// RunNode implements trigger.AgentHandle: the node is reset to pending and
// the scheduler tick re-matches it against idle workers.
func (a *Agent) RunNode(ctx context.Context, nodeID string) {
	_ = a.Board.SetStatus(ctx, nodeID, board.StatusPending)
	a.Pool.Tick(ctx)
}

// SendSystemMessage implements trigger.AgentHandle's send_message action.
func (a *Agent) SendSystemMessage(ctx context.Context, to, content string) {
	a.Bus.Send(ctx, bus.System, to, content)
}

// SendMessage (trigger.AgentHandle) would collide with the human-facing
// SendMessage above, so the handle is adapted through handleAdapter.
type handleAdapter struct{ a *Agent }

func (h handleAdapter) WakeAgent(ctx context.Context, task string) { h.a.WakeAgent(ctx, task) }
func (h handleAdapter) RunNode(ctx context.Context, nodeID string) { h.a.RunNode(ctx, nodeID) }
func (h handleAdapter) SendMessage(ctx context.Context, to, content string) {
	h.a.SendSystemMessage(ctx, to, content)
}
func (h handleAdapter) LastActivity() time.Time {
	return time.Unix(0, h.a.lastActivity.Load())
}
func (h handleAdapter) Subscribe() event.Subscription { return h.a.Log.Subscribe() }
func (h handleAdapter) Emit(ctx context.Context, typ event.Type, data map[string]any) (event.Event, error) {
	return h.a.Log.Emit(ctx, typ, data)
}

var _ trigger.AgentHandle = handleAdapter{}

func writeIdentityFiles(home, goal string) error {
	goalPath := filepath.Join(home, "GOAL.md")
	if err := os.WriteFile(goalPath, []byte(goal+"\n"), 0o644); err != nil {
		return err
	}
	for _, name := range []string{"SOUL.md", "MEMORY.md"} {
		p := filepath.Join(home, name)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if err := os.WriteFile(p, nil, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

const workerSystemPrompt = `You are a worker on a shared work board. Complete the task in your node
spec using your tools. Write outputs under scratch/ and call publish when
done; call finish only if there is nothing to publish.`

func coordinatorSystemPrompt(goal string, mode coordinator.Mode) string {
	prompt := fmt.Sprintf(`You are the coordinator of a long-lived agent. Your goal:

%s

Work incrementally: create one or two nodes, observe results, then create
more. Spawn workers only when parallel or specialized work helps; simple
goals are often best done with your own tools.`, goal)
	if mode == coordinator.ModeInfinite {
		prompt += "\n\nThis agent runs indefinitely: never call finish; wait for scheduled wake-ups between cycles."
	}
	return prompt
}
