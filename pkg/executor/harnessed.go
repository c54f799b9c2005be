package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/bus"
	"github.com/wangtian24/agiraph/pkg/event"
	"github.com/wangtian24/agiraph/pkg/model"
	"github.com/wangtian24/agiraph/pkg/provider"
	"github.com/wangtian24/agiraph/pkg/telemetry"
	"github.com/wangtian24/agiraph/pkg/tools"
	"github.com/wangtian24/agiraph/pkg/workerpool"
)

// CompactionPolicy configures the context-budget compaction step. The
// exact summary format and the number of surviving turns are deliberately
// configurable.
type CompactionPolicy struct {
	// MaxTokenFraction is the fraction of the model's context limit above
	// which compaction runs before the next provider call.
	MaxTokenFraction float64
	// KeepLastTurns bounds how many trailing messages survive compaction.
	KeepLastTurns int
	// SummaryTemplate is rendered with a workspace summary to build the
	// single reconstructed user turn that replaces the truncated history.
	SummaryTemplate string
}

// DefaultCompactionPolicy is used wherever a zero policy is supplied.
var DefaultCompactionPolicy = CompactionPolicy{
	MaxTokenFraction: 0.8,
	KeepLastTurns:    6,
	SummaryTemplate:  "reconstructed from your files: %s",
}

// NodeDirResolver locates a node's on-disk directory so the executor can
// read/write its scratch, failure notes, and archived conversations without
// holding a direct pointer back into the scope store's agent-level state.
type NodeDirResolver func(nodeID string) string

// Harnessed runs the ReAct loop for one node. It implements
// workerpool.Executor. One Harnessed instance is shared across every node a
// worker (or the pool) executes within a run; per-node paths are resolved
// dynamically via NodeDir rather than fixed at construction time.
type Harnessed struct {
	AgentID       string
	RunID         string
	Adapter       provider.Adapter
	Tools         *tools.Registry
	Bus           *bus.Bus
	Log           EventEmitter
	Logger        telemetry.Logger
	NodeDir       NodeDirResolver
	SystemPrompt  string
	ContextLimit  int // model context window in tokens, for compaction check
	MaxIterations int
	Compaction    CompactionPolicy
	// WorkspaceSummary is called during compaction, given the node
	// directory, to build the reconstructed user turn's content; nil
	// yields an empty summary.
	WorkspaceSummary func(nodeDir string) string
}

var _ workerpool.Executor = (*Harnessed)(nil)

// EventEmitter is the subset of *event.Log the executor needs.
type EventEmitter interface {
	Emit(ctx context.Context, typ event.Type, data map[string]any) (event.Event, error)
}

// terminalTools are the tool names that end a node's execution when called.
var terminalTools = map[string]bool{"publish": true, "finish": true}

// Execute runs node to completion: the ReAct loop, tool dispatch,
// adjacency-preserving conversation, token-budget compaction, and the
// iteration cap. Matches the workerpool.Executor contract.
func (h *Harnessed) Execute(ctx context.Context, w workerpool.Worker, n board.Node) error {
	nodeDir := h.NodeDir(n.ID)
	h.logger().Debug(ctx, "executing node", "node_id", n.ID, "worker", w.Name)
	conv := NewConversation(model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{model.TextPart{Text: n.Task}},
	})

	yield := Yielder{Bus: h.Bus, Recipient: w.Name, Stopped: func() bool { return ctx.Err() != nil }}

	for iter := 0; iter < h.maxIterations(); iter++ {
		msgs, err := yield.Drain(ctx)
		if err != nil {
			return h.cancelled(ctx, n)
		}
		injectMessages(conv, msgs)

		if h.overBudget(conv) {
			h.logger().Info(ctx, "compacting conversation", "node_id", n.ID, "turns", len(conv.Messages()))
			if err := h.compact(conv, nodeDir); err != nil {
				return err
			}
		}

		resp, err := h.callProvider(ctx, conv)
		if err != nil {
			return h.fail(ctx, n, nodeDir, err, conv)
		}

		asst := assistantMessage(resp)
		if err := conv.AppendAssistant(asst); err != nil {
			return h.fail(ctx, n, nodeDir, err, conv)
		}

		if len(resp.ToolCalls) == 0 {
			return nil
		}

		done, err := h.runToolCalls(ctx, w, n, conv, resp.ToolCalls)
		if err != nil {
			return h.fail(ctx, n, nodeDir, err, conv)
		}
		if done {
			return nil
		}

		msgs, err = yield.Drain(ctx)
		if err != nil {
			return h.cancelled(ctx, n)
		}
		injectMessages(conv, msgs)
	}

	h.logger().Error(ctx, "node exceeded max iterations", "node_id", n.ID, "max", h.maxIterations())
	if h.Log != nil {
		_, _ = h.Log.Emit(ctx, "node.failed", map[string]any{"node_id": n.ID, "reason": "max_iterations"})
	}
	return agierr.New(agierr.KindMaxIterations, "worker exceeded max iterations")
}

// runToolCalls dispatches every tool call from one assistant turn, in
// order, appending each result immediately and consecutively before any
// further yield point. Returns done=true if a
// terminal tool (publish/finish) was called.
func (h *Harnessed) runToolCalls(ctx context.Context, w workerpool.Worker, n board.Node, conv *Conversation, calls []model.ToolCall) (bool, error) {
	tctx := &tools.Context{AgentID: h.AgentID, RunID: h.RunID, NodeID: n.ID, WorkerID: w.ID, Bus: h.Bus, Log: h.Log}
	for _, call := range calls {
		result, err := h.Tools.Dispatch(ctx, tctx, call)
		isErr := err != nil
		text := result
		if isErr {
			text = err.Error()
		}
		resultMsg := h.Adapter.FormatToolResult(call, text, isErr)
		if appendErr := conv.AppendToolResult(resultMsg); appendErr != nil {
			return false, appendErr
		}
		if terminalTools[call.Name] && !isErr {
			return true, nil
		}
	}
	return false, nil
}

func (h *Harnessed) callProvider(ctx context.Context, conv *Conversation) (model.Response, error) {
	req := provider.Request{System: h.SystemPrompt, Messages: conv.Messages(), Tools: h.Tools.Defs()}
	resp, err := h.Adapter.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	// Retry exactly once on transient failure.
	if kind, ok := agierr.KindOf(err); !ok || kind == agierr.KindProviderTransient {
		h.logger().Warn(ctx, "provider call failed, retrying once", "err", err)
		time.Sleep(200 * time.Millisecond)
		return h.Adapter.Complete(ctx, req)
	}
	return model.Response{}, err
}

// injectMessages appends each drained bus message as a user turn in the
// "[Message from X]: ..." shape. Drains only ever run after
// the previous assistant/tool-result group is fully appended, so the
// adjacency check in AppendUser cannot fire here.
func injectMessages(conv *Conversation, msgs []bus.Message) {
	for _, m := range msgs {
		_ = conv.AppendUser(model.Message{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: fmt.Sprintf("[Message from %s]: %s", m.From, m.Content)}},
		})
	}
}

func assistantMessage(resp model.Response) model.Message {
	var parts []model.Part
	if resp.Text != "" {
		parts = append(parts, model.TextPart{Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		parts = append(parts, model.ToolUsePart{ID: tc.ID, Name: tc.Name, Input: tc.Args})
	}
	msg := model.Message{Role: model.RoleAssistant, Parts: parts}
	if len(resp.RawContentBlocks) > 0 {
		// Preserved verbatim so the adapter can replay the provider's own
		// blocks (search results, citations) on the next turn.
		msg.Meta = map[string]any{model.MetaContentBlocks: resp.RawContentBlocks}
	}
	return msg
}

func (h *Harnessed) logger() telemetry.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return telemetry.NewNoopLogger()
}

func (h *Harnessed) maxIterations() int {
	if h.MaxIterations > 0 {
		return h.MaxIterations
	}
	return 50
}

func (h *Harnessed) overBudget(conv *Conversation) bool {
	if h.ContextLimit <= 0 {
		return false
	}
	frac := h.Compaction.MaxTokenFraction
	if frac <= 0 {
		frac = DefaultCompactionPolicy.MaxTokenFraction
	}
	return estimateTokens(conv.Messages()) > int(float64(h.ContextLimit)*frac)
}

// estimateTokens is a coarse, provider-independent token estimate
// (characters/4) used only to decide when to compact, not for billing.
func estimateTokens(msgs []model.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Text())
	}
	return chars / 4
}

// compact rebuilds conv as [system prompt (implicit, carried
// separately), reconstructed-from-files summary, last N turns]. The
// pre-compaction transcript is archived, never deleted.
func (h *Harnessed) compact(conv *Conversation, nodeDir string) error {
	policy := h.Compaction
	if policy.KeepLastTurns == 0 {
		policy = DefaultCompactionPolicy
	}
	summary := ""
	if h.WorkspaceSummary != nil {
		summary = h.WorkspaceSummary(nodeDir)
	}
	tmpl := policy.SummaryTemplate
	if tmpl == "" {
		tmpl = DefaultCompactionPolicy.SummaryTemplate
	}

	all := conv.Messages()
	keep := policy.KeepLastTurns
	if keep > len(all) {
		keep = len(all)
	}
	tail := append([]model.Message(nil), all[len(all)-keep:]...)

	archivePath := filepath.Join(nodeDir, fmt.Sprintf("conversation.archive.%d.jsonl", time.Now().UnixNano()))
	seed := append([]model.Message{{
		Role:  model.RoleUser,
		Parts: []model.Part{model.TextPart{Text: fmt.Sprintf(tmpl, summary)}},
	}}, tail...)
	return conv.ArchiveAndTruncate(archivePath, seed...)
}

// fail persists failure_notes.md, sends a failure message to the
// coordinator, and emits node.failed.
func (h *Harnessed) fail(ctx context.Context, n board.Node, nodeDir string, cause error, conv *Conversation) error {
	if agierr.IsCancelled(cause) {
		return h.cancelled(ctx, n)
	}
	h.logger().Error(ctx, "node failed", "node_id", n.ID, "err", cause)
	notesPath := filepath.Join(nodeDir, "failure_notes.md")
	_ = os.WriteFile(notesPath, []byte(renderFailureNotes(n, cause, conv)), 0o644)
	if h.Bus != nil {
		h.Bus.Send(ctx, n.AssignedWorker, bus.Coordinator, fmt.Sprintf("node %s failed: %v", n.ID, cause))
	}
	if h.Log != nil {
		_, _ = h.Log.Emit(ctx, "node.failed", map[string]any{"node_id": n.ID, "error": cause.Error()})
	}
	return cause
}

func (h *Harnessed) cancelled(ctx context.Context, n board.Node) error {
	h.logger().Info(ctx, "node execution cancelled", "node_id", n.ID)
	if h.Log != nil {
		_, _ = h.Log.Emit(ctx, "worker.stopped", map[string]any{"node_id": n.ID})
	}
	return agierr.ErrCancelled
}

func renderFailureNotes(n board.Node, cause error, conv *Conversation) string {
	out := fmt.Sprintf("# failure: %s\n\nerror: %v\n\n## conversation\n\n", n.ID, cause)
	for _, m := range conv.Messages() {
		out += fmt.Sprintf("- **%s**: %s\n", m.Role, m.Text())
	}
	return out
}
