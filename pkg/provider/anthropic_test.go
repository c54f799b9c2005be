package provider

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangtian24/agiraph/pkg/model"
)

// fakeMessages returns a canned SDK message and records the params it saw.
type fakeMessages struct {
	last *sdk.MessageNewParams
	msg  *sdk.Message
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams) (*sdk.Message, error) {
	f.last = &body
	return f.msg, nil
}

func sdkMessage(t *testing.T, raw string) *sdk.Message {
	t.Helper()
	var msg sdk.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return &msg
}

func TestAnthropicCompleteTranslatesResponse(t *testing.T) {
	fake := &fakeMessages{msg: sdkMessage(t, `{
		"content": [
			{"type": "text", "text": "writing now"},
			{"type": "tool_use", "id": "tu_1", "name": "write_file", "input": {"path": "a.md", "content": "x"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 34}
	}`)}
	a := NewAnthropic(fake, AnthropicOptions{DefaultModel: "claude-test", MaxTokens: 1024})

	resp, err := a.Complete(context.Background(), Request{
		System:   "be brief",
		Messages: []model.Message{{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "go"}}}},
		Tools: []model.ToolDef{{
			Name:       "write_file",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "writing now", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "write_file", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"a.md","content":"x"}`, string(resp.ToolCalls[0].Args))
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 34, resp.Usage.OutputTokens)

	// The request carried the system prompt, the tool schema, and the
	// default model.
	require.NotNil(t, fake.last)
	require.Len(t, fake.last.System, 1)
	assert.Equal(t, "be brief", fake.last.System[0].Text)
	require.Len(t, fake.last.Tools, 1)
	assert.Equal(t, sdk.Model("claude-test"), fake.last.Model)
}

func TestAnthropicNativeSearchToolAppended(t *testing.T) {
	fake := &fakeMessages{msg: sdkMessage(t, `{"content":[{"type":"text","text":"ok"}]}`)}
	a := NewAnthropic(fake, AnthropicOptions{
		DefaultModel:        "claude-test",
		MaxTokens:           1024,
		NativeSearch:        true,
		NativeSearchMaxUses: 3,
	})

	_, err := a.Complete(context.Background(), Request{
		Messages: []model.Message{{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "search it"}}}},
		Tools:    []model.ToolDef{{Name: "write_file", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)

	require.NotNil(t, fake.last)
	require.Len(t, fake.last.Tools, 2)
	assert.NotNil(t, fake.last.Tools[1].OfWebSearchTool20250305)
}

func TestAnthropicFormatToolResultShape(t *testing.T) {
	a := NewAnthropic(nil, AnthropicOptions{})
	msg := a.FormatToolResult(model.ToolCall{ID: "tu_9"}, "done", false)

	assert.Equal(t, model.RoleUser, msg.Role)
	require.Len(t, msg.Parts, 1)
	tr, ok := msg.Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "tu_9", tr.ToolUseID)
	assert.Equal(t, "done", tr.Content)
	assert.False(t, tr.IsError)
}

func TestAnthropicCapturesOpaqueContentBlocks(t *testing.T) {
	fake := &fakeMessages{msg: sdkMessage(t, `{
		"content": [
			{"type": "server_tool_use", "id": "st_1", "name": "web_search", "input": {"query": "go schedulers"}},
			{"type": "text", "text": "cited answer"}
		],
		"stop_reason": "end_turn"
	}`)}
	a := NewAnthropic(fake, AnthropicOptions{DefaultModel: "claude-test", MaxTokens: 256})

	resp, err := a.Complete(context.Background(), Request{
		Messages: []model.Message{{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "search it"}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "cited answer", resp.Text)
	require.NotEmpty(t, resp.RawContentBlocks)
	assert.Contains(t, string(resp.RawContentBlocks), "server_tool_use")
}

func TestAnthropicReplaysOpaqueContentBlocks(t *testing.T) {
	fake := &fakeMessages{msg: sdkMessage(t, `{"content":[{"type":"text","text":"ok"}]}`)}
	a := NewAnthropic(fake, AnthropicOptions{DefaultModel: "claude-test", MaxTokens: 256})

	// Raw blocks as a prior turn preserved them; the replay must use these
	// verbatim instead of re-synthesizing from Parts.
	blocks := json.RawMessage(`[
		{"type": "server_tool_use", "id": "st_1", "name": "web_search", "input": {"query": "x"}},
		{"type": "text", "text": "cited answer"}
	]`)
	_, err := a.Complete(context.Background(), Request{
		Messages: []model.Message{{
			Role:  model.RoleAssistant,
			Parts: []model.Part{model.TextPart{Text: "cited answer"}},
			Meta:  map[string]any{model.MetaContentBlocks: blocks},
		}, {
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: "follow up"}},
		}},
	})
	require.NoError(t, err)

	require.NotNil(t, fake.last)
	require.Len(t, fake.last.Messages, 2)
	assert.Len(t, fake.last.Messages[0].Content, 2)

	// After a conversation.jsonl round trip the Meta value arrives as
	// decoded []any rather than json.RawMessage; replay must still work.
	var decoded any
	require.NoError(t, json.Unmarshal(blocks, &decoded))
	_, err = a.Complete(context.Background(), Request{
		Messages: []model.Message{{
			Role:  model.RoleAssistant,
			Parts: []model.Part{model.TextPart{Text: "cited answer"}},
			Meta:  map[string]any{model.MetaContentBlocks: decoded},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, fake.last.Messages[0].Content, 2)
}
