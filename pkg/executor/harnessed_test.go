package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/bus"
	"github.com/wangtian24/agiraph/pkg/model"
	"github.com/wangtian24/agiraph/pkg/provider"
	"github.com/wangtian24/agiraph/pkg/tools"
	"github.com/wangtian24/agiraph/pkg/workerpool"
)

// scriptedAdapter returns one canned model.Response per call, in order.
type scriptedAdapter struct {
	responses []model.Response
	calls     int
}

func (s *scriptedAdapter) FormatTools(defs []model.ToolDef) any        { return nil }
func (s *scriptedAdapter) FormatToolPrompt(defs []model.ToolDef) string { return "" }

func (s *scriptedAdapter) Complete(ctx context.Context, req provider.Request) (model.Response, error) {
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

func (s *scriptedAdapter) FormatToolResult(call model.ToolCall, result string, isError bool) model.Message {
	return model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{model.ToolResultPart{ToolUseID: call.ID, Content: result, IsError: isError}},
	}
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.New()
	r.Register(model.ToolDef{Name: "write_file"}, func(ctx context.Context, tctx *tools.Context, args json.RawMessage) (string, error) {
		return "ok", nil
	})
	r.Register(model.ToolDef{Name: "finish"}, func(ctx context.Context, tctx *tools.Context, args json.RawMessage) (string, error) {
		return "done", nil
	})
	return r
}

// TestHarnessedToolResultOrdering: a single
// assistant message with two tool calls must be followed by both tool
// results, consecutively, in call order, with nothing interleaved, even
// though a human message is already queued for this worker before the
// assistant turn completes.
func TestHarnessedToolResultOrdering(t *testing.T) {
	dir := t.TempDir()
	b := bus.New(nil, func() []string { return []string{"writer"} })
	b.Send(context.Background(), "human", "writer", "hurry up")

	adapter := &scriptedAdapter{responses: []model.Response{
		{ToolCalls: []model.ToolCall{
			{ID: "a", Name: "write_file", Args: json.RawMessage(`{}`)},
			{ID: "b", Name: "write_file", Args: json.RawMessage(`{}`)},
		}},
		{ToolCalls: []model.ToolCall{{ID: "c", Name: "finish", Args: json.RawMessage(`{}`)}}},
	}}

	h := &Harnessed{
		AgentID: "agent-1",
		RunID:   "run-1",
		Adapter: adapter,
		Tools:   newTestRegistry(t),
		Bus:     b,
		NodeDir: func(nodeID string) string { return dir },
	}

	n := board.Node{ID: "n1", Task: "write two files"}
	w := workerpool.Worker{ID: "w1", Name: "writer"}

	err := h.Execute(context.Background(), w, n)
	require.NoError(t, err)

	// Re-check the adjacency invariant on this same call sequence through a
	// fresh Conversation: both results for the two-call turn must append
	// consecutively before any other message, here the human message, can
	// be appended. (Execute itself injects the already-queued message at
	// its first yield point, before the first provider call.)
	c := NewConversation(model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: n.Task}}})
	require.NoError(t, c.AppendAssistant(assistantMessage(adapter.responses[0])))
	require.NoError(t, c.AppendToolResult(adapter.FormatToolResult(model.ToolCall{ID: "a"}, "ok", false)))
	require.NoError(t, c.AppendToolResult(adapter.FormatToolResult(model.ToolCall{ID: "b"}, "ok", false)))
	assert.True(t, c.AllResultsAppended())
	require.NoError(t, c.AppendUser(model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hurry up"}}}))

	// Attempting the human message between the assistant turn and its
	// second tool result must be rejected by the adjacency check.
	c2 := NewConversation()
	require.NoError(t, c2.AppendAssistant(assistantMessage(adapter.responses[0])))
	require.NoError(t, c2.AppendToolResult(adapter.FormatToolResult(model.ToolCall{ID: "a"}, "ok", false)))
	err = c2.AppendUser(model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hurry up"}}})
	assert.Error(t, err)
}

func TestAssistantMessageCarriesRawContentBlocks(t *testing.T) {
	resp := model.Response{
		Text:             "cited answer",
		RawContentBlocks: json.RawMessage(`[{"type":"server_tool_use","id":"st_1"}]`),
	}
	msg := assistantMessage(resp)
	require.NotNil(t, msg.Meta)
	assert.Equal(t, resp.RawContentBlocks, msg.Meta[model.MetaContentBlocks])

	// No opaque blocks, no Meta.
	assert.Nil(t, assistantMessage(model.Response{Text: "plain"}).Meta)
}

func TestHarnessedMaxIterations(t *testing.T) {
	dir := t.TempDir()
	adapter := &scriptedAdapter{}
	// Always returns a tool call for a non-terminal tool, so the loop
	// never naturally stops and must hit the iteration cap.
	for i := 0; i < 3; i++ {
		adapter.responses = append(adapter.responses, model.Response{
			ToolCalls: []model.ToolCall{{ID: "x", Name: "write_file", Args: json.RawMessage(`{}`)}},
		})
	}

	h := &Harnessed{
		Adapter:       adapter,
		Tools:         newTestRegistry(t),
		NodeDir:       func(string) string { return dir },
		MaxIterations: 3,
	}

	n := board.Node{ID: "n2", Task: "loop forever"}
	w := workerpool.Worker{ID: "w2", Name: "looper"}

	err := h.Execute(context.Background(), w, n)
	require.Error(t, err)
	kind, ok := agierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agierr.KindMaxIterations, kind)
}

func TestHarnessedCompactionArchivesBeforeTruncating(t *testing.T) {
	dir := t.TempDir()
	c := NewConversation()
	for i := 0; i < 10; i++ {
		require.NoError(t, c.AppendUser(model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "turn"}}}))
	}

	h := &Harnessed{Compaction: CompactionPolicy{KeepLastTurns: 2, SummaryTemplate: "summary: %s"}}
	require.NoError(t, h.compact(c, dir))

	assert.Len(t, c.Messages(), 3) // 1 summary turn + 2 kept
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".jsonl" {
			found = true
		}
	}
	assert.True(t, found, "expected an archived conversation.archive.*.jsonl file")
}

func TestHarnessedCancellationIsDistinctFromFailure(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := &scriptedAdapter{responses: []model.Response{{Text: "never reached"}}}
	h := &Harnessed{Adapter: adapter, Tools: newTestRegistry(t), NodeDir: func(string) string { return dir }}

	n := board.Node{ID: "n3", Task: "cancelled before start"}
	w := workerpool.Worker{ID: "w3", Name: "cancelled"}

	err := h.Execute(ctx, w, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, agierr.ErrCancelled)
}
