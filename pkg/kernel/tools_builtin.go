package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/bus"
	"github.com/wangtian24/agiraph/pkg/model"
	"github.com/wangtian24/agiraph/pkg/scope"
	"github.com/wangtian24/agiraph/pkg/tools"
	"github.com/wangtian24/agiraph/pkg/trigger"
	"github.com/wangtian24/agiraph/pkg/workerpool"
)

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=Relative path within your scope"`
	Content string `json:"content" jsonschema:"description=Full file content to write"`
}

type readFileArgs struct {
	Path   string `json:"path" jsonschema:"description=Relative path within the scope"`
	NodeID string `json:"node_id,omitempty" jsonschema:"description=Read from this node's published files instead of your own scope"`
}

type createNodeArgs struct {
	ID           string            `json:"id" jsonschema:"description=Short stable node id"`
	Task         string            `json:"task" jsonschema:"description=The node's work spec"`
	Dependencies []string          `json:"dependencies,omitempty" jsonschema:"description=Node ids that must complete first"`
	Refs         map[string]string `json:"refs,omitempty" jsonschema:"description=Named pointers to upstream published files as node_id/path"`
}

type spawnWorkerArgs struct {
	Name         string   `json:"name" jsonschema:"description=Unique short worker name"`
	Kind         string   `json:"kind,omitempty" jsonschema:"description=harnessed (default) or autonomous or claude_code"`
	Model        string   `json:"model,omitempty" jsonschema:"description=Model id for harnessed workers"`
	Role         string   `json:"role,omitempty" jsonschema:"description=Short role title"`
	AgentCommand []string `json:"agent_command,omitempty" jsonschema:"description=Subprocess argv for autonomous workers"`
	Capabilities []string `json:"capabilities,omitempty" jsonschema:"description=Tool names this worker may call"`
}

type assignWorkerArgs struct {
	NodeID string `json:"node_id" jsonschema:"description=Node to assign"`
	Worker string `json:"worker" jsonschema:"description=Worker name"`
}

type sendMessageArgs struct {
	To      string `json:"to,omitempty" jsonschema:"description=Recipient name; empty routes to the coordinator"`
	Content string `json:"content" jsonschema:"description=Message text"`
}

type broadcastArgs struct {
	Content string `json:"content" jsonschema:"description=Message text delivered to every live participant"`
}

type publishArgs struct {
	Summary string `json:"summary" jsonschema:"description=One-paragraph summary of what was produced"`
}

type finishArgs struct {
	Summary string `json:"summary,omitempty" jsonschema:"description=Final outcome summary"`
}

type askHumanArgs struct {
	Question string `json:"question" jsonschema:"description=The question to put to the human"`
}

type createTriggerArgs struct {
	Kind          string            `json:"kind" jsonschema:"description=scheduled delayed at_time heartbeat on_event or on_idle"`
	Delay         string            `json:"delay,omitempty" jsonschema:"description=Duration for delayed triggers e.g. 5m"`
	At            string            `json:"at,omitempty" jsonschema:"description=RFC3339 time for at_time triggers"`
	Cron          string            `json:"cron,omitempty" jsonschema:"description=Cron expression for scheduled triggers"`
	Interval      string            `json:"interval,omitempty" jsonschema:"description=Duration between heartbeat fires"`
	EventType     string            `json:"event_type,omitempty" jsonschema:"description=Event type pattern for on_event e.g. node.*"`
	Filter        map[string]string `json:"filter,omitempty" jsonschema:"description=Event data fields that must match for on_event"`
	IdleThreshold string            `json:"idle_threshold,omitempty" jsonschema:"description=Idle duration before on_idle fires"`
	Action        string            `json:"action" jsonschema:"description=wake_agent run_node or send_message"`
	Task          string            `json:"task,omitempty" jsonschema:"description=Task text for wake_agent"`
	NodeID        string            `json:"node_id,omitempty" jsonschema:"description=Node id for run_node"`
	To            string            `json:"to,omitempty" jsonschema:"description=Recipient for send_message"`
	Content       string            `json:"content,omitempty" jsonschema:"description=Content for send_message"`
}

// buildTools registers the coordinator and worker tool sets against two
// registries sharing the same implementations where the contract is the
// same. The coordinator set additionally carries the board/pool/stage
// tools; the worker set carries publish and sub-node creation.
func (a *Agent) buildTools() (coord, worker *tools.Registry) {
	coord = tools.New()
	worker = tools.New()

	writeFile := func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args writeFileArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		return a.toolWriteFile(ctx, tctx, args)
	}
	readFile := func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args readFileArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		return a.toolReadFile(ctx, tctx, args)
	}
	sendMessage := func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args sendMessageArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		a.Bus.Send(ctx, a.senderName(tctx), args.To, args.Content)
		return "sent", nil
	}
	createNode := func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args createNodeArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		return a.toolCreateNode(ctx, tctx, args)
	}
	askHuman := func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args askHumanArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		return a.toolAskHuman(ctx, args.Question)
	}
	finish := func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args finishArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		return args.Summary, nil
	}

	for _, reg := range []*tools.Registry{coord, worker} {
		reg.Register(model.ToolDef{
			Name:        "write_file",
			Description: "Write a file within your scope.",
			Parameters:  tools.GenerateSchema[writeFileArgs](),
			Guidance:    "Write complete file contents; partial edits are not supported. Workers write under scratch/.",
		}, writeFile)
		reg.Register(model.ToolDef{
			Name:        "read_file",
			Description: "Read a file from your scope or another node's published files.",
			Parameters:  tools.GenerateSchema[readFileArgs](),
			Guidance:    "Pass node_id to read an upstream node's published output.",
		}, readFile)
		reg.Register(model.ToolDef{
			Name:        "send_message",
			Description: "Send a message to the coordinator, a worker, or the human.",
			Parameters:  tools.GenerateSchema[sendMessageArgs](),
			Guidance:    "Leave to empty to reach the coordinator.",
		}, sendMessage)
		reg.Register(model.ToolDef{
			Name:        "create_node",
			Description: "Create a new work node on the board.",
			Parameters:  tools.GenerateSchema[createNodeArgs](),
			Guidance:    "Create one or two nodes, observe results, then create more. Dependencies may name nodes not created yet; the node stays blocked until they exist and complete.",
		}, createNode)
		reg.Register(model.ToolDef{
			Name:        "ask_human",
			Description: "Ask the human a question and wait for the answer.",
			Parameters:  tools.GenerateSchema[askHumanArgs](),
			Guidance:    "Use sparingly; the human may take a long time to answer.",
		}, askHuman)
		reg.Register(model.ToolDef{
			Name:        "finish",
			Description: "Declare the current work finished.",
			Parameters:  tools.GenerateSchema[finishArgs](),
			Guidance:    "For the coordinator this completes the agent; for a worker it ends the node without publishing.",
		}, finish)
	}

	worker.Register(model.ToolDef{
		Name:        "publish",
		Description: "Atomically move your scratch/ outputs to published/ and complete the node.",
		Parameters:  tools.GenerateSchema[publishArgs](),
		Guidance:    "Publish exactly once, when the node's outputs are final.",
	}, func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args publishArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		files, err := a.Scope.Publish(ctx, a.runID, tctx.NodeID, args.Summary)
		if err != nil {
			return "", err
		}
		return "published: " + strings.Join(files, ", "), nil
	})

	coord.Register(model.ToolDef{
		Name:        "spawn_worker",
		Description: "Spawn a new worker into the pool.",
		Parameters:  tools.GenerateSchema[spawnWorkerArgs](),
		Guidance:    "Spawn workers only when parallel or specialized work helps.",
	}, func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args spawnWorkerArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		return a.toolSpawnWorker(ctx, args)
	})
	coord.Register(model.ToolDef{
		Name:        "assign_worker",
		Description: "Explicitly assign a pending node to an idle worker.",
		Parameters:  tools.GenerateSchema[assignWorkerArgs](),
		Guidance:    "Explicit assignment takes priority over automatic pairing.",
	}, func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args assignWorkerArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		n, ok := a.Board.Get(args.NodeID)
		if !ok {
			return "", agierr.Newf(agierr.KindToolError, "unknown node %q", args.NodeID)
		}
		w, ok := a.Pool.ByName(args.Worker)
		if !ok {
			return "", agierr.Newf(agierr.KindToolError, "unknown worker %q", args.Worker)
		}
		a.Pool.Assign(ctx, n, w)
		return fmt.Sprintf("assigned %s to %s", args.NodeID, args.Worker), nil
	})
	coord.Register(model.ToolDef{
		Name:        "broadcast",
		Description: "Send a message to every live participant.",
		Parameters:  tools.GenerateSchema[broadcastArgs](),
		Guidance:    "Use for announcements that every worker needs; otherwise message workers directly.",
	}, func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args broadcastArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		a.Bus.Broadcast(ctx, bus.Coordinator, args.Content)
		return "broadcast sent", nil
	})
	coord.Register(model.ToolDef{
		Name:        "reconvene",
		Description: "Gather completed nodes' outputs into a board summary.",
		Parameters:  tools.GenerateSchema[struct{}](),
		Guidance:    "Call after a batch of nodes completes to decide what to do next.",
	}, func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		return a.toolReconvene(ctx)
	})
	coord.Register(model.ToolDef{
		Name:        "create_trigger",
		Description: "Register a time- or event-driven trigger.",
		Parameters:  tools.GenerateSchema[createTriggerArgs](),
		Guidance:    "Use heartbeat or scheduled triggers to drive infinite-mode cycles.",
	}, func(ctx context.Context, tctx *tools.Context, raw json.RawMessage) (string, error) {
		var args createTriggerArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		return a.toolCreateTrigger(ctx, args)
	})

	return coord, worker
}

func (a *Agent) senderName(tctx *tools.Context) string {
	if tctx.WorkerID == "" {
		return bus.Coordinator
	}
	if w, ok := a.Pool.Get(tctx.WorkerID); ok {
		return w.Name
	}
	return tctx.WorkerID
}

// toolWriteFile resolves the caller's writable scope: the coordinator writes
// into the run directory, a worker into its node's directory. A write under
// a completed node's published/ is a ScopeViolation (publish immutability).
func (a *Agent) toolWriteFile(ctx context.Context, tctx *tools.Context, args writeFileArgs) (string, error) {
	if tctx.NodeID != "" {
		clean := filepath.ToSlash(filepath.Clean(args.Path))
		if (clean == "published" || strings.HasPrefix(clean, "published/")) && a.Scope.IsPublished(a.runID, tctx.NodeID) {
			return "", agierr.Newf(agierr.KindScopeViolation, "node %s is completed; published/ is immutable", tctx.NodeID)
		}
		base := a.Scope.NodeDir(a.runID, tctx.NodeID)
		if err := a.Scope.WriteFile(ctx, scope.KindNode, base, args.Path, []byte(args.Content)); err != nil {
			return "", err
		}
		return "wrote " + args.Path, nil
	}
	base := a.Scope.RunPath(a.runID)
	if err := a.Scope.WriteFile(ctx, scope.KindRun, base, args.Path, []byte(args.Content)); err != nil {
		return "", err
	}
	return "wrote " + args.Path, nil
}

// toolReadFile reads within the caller's own scope, or — with node_id — from
// another node's published/ directory, the only cross-node read permitted.
func (a *Agent) toolReadFile(ctx context.Context, tctx *tools.Context, args readFileArgs) (string, error) {
	if args.NodeID != "" && args.NodeID != tctx.NodeID {
		base := filepath.Join(a.Scope.NodeDir(a.runID, args.NodeID), "published")
		data, err := a.Scope.ReadFile(scope.KindNode, base, args.Path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	base := a.Scope.RunPath(a.runID)
	kind := scope.KindRun
	if tctx.NodeID != "" {
		base = a.Scope.NodeDir(a.runID, tctx.NodeID)
		kind = scope.KindNode
	}
	data, err := a.Scope.ReadFile(kind, base, args.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// toolCreateNode adds the node to the board, materializes its directory
// layout, and runs the scheduler tick synchronously so no yield intervenes
// between creation and the scheduler observing it.
func (a *Agent) toolCreateNode(ctx context.Context, tctx *tools.Context, args createNodeArgs) (string, error) {
	n := board.Node{
		ID:           args.ID,
		Task:         args.Task,
		Dependencies: args.Dependencies,
		Refs:         args.Refs,
		ParentNode:   tctx.NodeID, // empty for coordinator-created nodes
	}
	if err := a.Board.Add(ctx, n); err != nil {
		return "", err
	}

	nodeDir := a.Scope.NodeDir(a.runID, args.ID)
	if err := a.Scope.WriteFile(ctx, scope.KindNode, nodeDir, "_spec.md", []byte(args.Task)); err != nil {
		return "", err
	}
	refsRaw, err := json.MarshalIndent(args.Refs, "", "  ")
	if err != nil {
		return "", err
	}
	if err := a.Scope.WriteFile(ctx, scope.KindNode, nodeDir, "_refs.json", refsRaw); err != nil {
		return "", err
	}

	a.Pool.Tick(ctx)
	return "created node " + args.ID, nil
}

func (a *Agent) toolSpawnWorker(ctx context.Context, args spawnWorkerArgs) (string, error) {
	kind := workerpool.KindHarnessed
	switch args.Kind {
	case "", string(workerpool.KindHarnessed):
	case string(workerpool.KindAutonomous):
		kind = workerpool.KindAutonomous
	case string(workerpool.KindClaudeCode):
		kind = workerpool.KindClaudeCode
	default:
		return "", agierr.Newf(agierr.KindToolError, "unknown worker kind %q", args.Kind)
	}
	w := a.Pool.Spawn(ctx, workerpool.Spec{
		Name:         args.Name,
		Kind:         kind,
		Model:        args.Model,
		AgentCommand: args.AgentCommand,
		Role:         args.Role,
		Capabilities: args.Capabilities,
	})
	workerDir := a.Scope.WorkerDir(a.runID, w.ID)
	identity := fmt.Sprintf("# %s\n\nrole: %s\nkind: %s\n", args.Name, args.Role, kind)
	if err := a.Scope.WriteFile(ctx, scope.KindWorker, workerDir, "identity.md", []byte(identity)); err != nil {
		return "", err
	}
	// Worker memory lives for the run: seeded empty here, carried across
	// node assignments, dropped with the run directory.
	for name, seed := range map[string][]byte{
		"memory.md":          nil,
		"notebook.md":        nil,
		"history.json":       []byte("[]\n"),
		"conversation.jsonl": nil,
	} {
		if err := a.Scope.WriteFile(ctx, scope.KindWorker, workerDir, name, seed); err != nil {
			return "", err
		}
	}
	a.Pool.Tick(ctx)
	return fmt.Sprintf("spawned worker %s (%s)", w.Name, w.ID), nil
}

func (a *Agent) toolReconvene(ctx context.Context) (string, error) {
	_, _ = a.Log.Emit(ctx, "stage.reconvened", map[string]any{"agent_id": a.ID})
	completed := a.Board.ByStatus(board.StatusCompleted)
	sort.Slice(completed, func(i, j int) bool { return completed[i].ID < completed[j].ID })
	var b strings.Builder
	b.WriteString("board state:\n")
	for _, n := range a.Board.All() {
		fmt.Fprintf(&b, "- %s: %s\n", n.ID, n.Status)
	}
	b.WriteString("\ncompleted outputs:\n")
	for _, n := range completed {
		status, err := a.Scope.ReadFile(scope.KindNode, a.Scope.NodeDir(a.runID, n.ID), "_status.md")
		if err == nil {
			fmt.Fprintf(&b, "## %s\n%s\n", n.ID, string(status))
		}
	}
	return b.String(), nil
}

// toolAskHuman blocks until Respond supplies an answer or the context is
// cancelled; cancellation propagates as Cancelled, never as a tool failure.
func (a *Agent) toolAskHuman(ctx context.Context, question string) (string, error) {
	_, _ = a.Log.Emit(ctx, "human.question", map[string]any{"question": question})
	select {
	case <-ctx.Done():
		return "", agierr.ErrCancelled
	case answer := <-a.responseCh:
		return answer, nil
	}
}

func (a *Agent) toolCreateTrigger(ctx context.Context, args createTriggerArgs) (string, error) {
	var at time.Time
	if args.At != "" {
		parsed, err := time.Parse(time.RFC3339, args.At)
		if err != nil {
			return "", agierr.Wrap(agierr.KindToolError, "invalid at time", err)
		}
		at = parsed
	}
	t := trigger.Trigger{
		ID:      uuid.NewString(),
		AgentID: a.ID,
		Kind:    trigger.Kind(args.Kind),
		Metadata: trigger.Metadata{
			Delay:         args.Delay,
			At:            at,
			Cron:          args.Cron,
			Interval:      args.Interval,
			EventType:     args.EventType,
			Filter:        args.Filter,
			IdleThreshold: args.IdleThreshold,
		},
		Action: trigger.Action{
			Kind:    trigger.ActionKind(args.Action),
			Task:    args.Task,
			NodeID:  args.NodeID,
			To:      args.To,
			Content: args.Content,
		},
		Status: trigger.StatusActive,
	}
	if err := a.Triggers.Add(ctx, t); err != nil {
		return "", err
	}
	return "created trigger " + t.ID, nil
}
