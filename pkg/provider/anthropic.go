package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"golang.org/x/time/rate"

	"github.com/wangtian24/agiraph/pkg/model"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a mock for *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams) (*sdk.Message, error)
}

// AnthropicOptions configures the Anthropic adapter.
type AnthropicOptions struct {
	DefaultModel string
	MaxTokens    int64
	Temperature  float64
	// NativeSearch enables the automatic web_search_20250305 tool addition
	// for models that support server-side search.
	NativeSearch bool
	// NativeSearchMaxUses bounds the number of server-side searches the
	// model may perform in one turn; it is sent as the web_search tool's
	// max_uses, so the API enforces the cap.
	NativeSearchMaxUses int
}

// Anthropic implements Adapter against the Anthropic Messages API with
// native tool-calling and the native web-search sub-contract: the
// `_content_blocks` payload Anthropic returns for search results is opaque
// and must be replayed unchanged on the next turn so citations and
// encrypted search state survive.
type Anthropic struct {
	Client MessagesClient
	Opts   AnthropicOptions

	searchLimiter *rate.Limiter
}

var _ Adapter = (*Anthropic)(nil)

// NewAnthropic builds an adapter. When NativeSearch is enabled with a
// positive use cap it also builds searchLimiter; its rate is rate.Every(0),
// an unlimited rate, so Complete's Allow check never rejects a call.
func NewAnthropic(client MessagesClient, opts AnthropicOptions) *Anthropic {
	a := &Anthropic{Client: client, Opts: opts}
	if opts.NativeSearch && opts.NativeSearchMaxUses > 0 {
		a.searchLimiter = rate.NewLimiter(rate.Every(0), opts.NativeSearchMaxUses)
		a.searchLimiter.SetBurst(opts.NativeSearchMaxUses)
	}
	return a
}

// FormatTools renders defs as Anthropic's native tool schema, appending the
// server-side web_search_20250305 tool when NativeSearch is configured.
func (a *Anthropic) FormatTools(defs []model.ToolDef) any {
	tools := make([]map[string]any, 0, len(defs)+1)
	for _, d := range defs {
		tools = append(tools, map[string]any{
			"name":         d.Name,
			"description":  d.Description,
			"input_schema": json.RawMessage(d.Parameters),
		})
	}
	if a.Opts.NativeSearch {
		search := map[string]any{
			"type": "web_search_20250305",
			"name": "web_search",
		}
		if a.Opts.NativeSearchMaxUses > 0 {
			search["max_uses"] = a.Opts.NativeSearchMaxUses
		}
		tools = append(tools, search)
	}
	return tools
}

// FormatToolPrompt returns only the per-tool guidance text; Anthropic's
// native tool-calling carries the schema out of band via FormatTools.
func (a *Anthropic) FormatToolPrompt(defs []model.ToolDef) string {
	return joinGuidance(defs)
}

// Complete issues one Messages.New call, carrying the system prompt, the
// encoded tool union, and the full conversation, and translates the reply
// into the canonical Response.
func (a *Anthropic) Complete(ctx context.Context, req Request) (model.Response, error) {
	if a.Client == nil {
		return model.Response{}, errors.New("anthropic: no client configured")
	}
	if a.searchLimiter != nil && !a.searchLimiter.Allow() {
		return model.Response{}, fmt.Errorf("anthropic: native search use cap exceeded")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = a.Opts.DefaultModel
	}
	maxTokens := a.Opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  encodeMessages(req.Messages),
		Tools:     a.encodeTools(req.Tools),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	msg, err := a.Client.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateAnthropicResponse(msg), nil
}

// FormatToolResult builds the user-role message carrying a tool_result
// content block that must immediately follow the assistant message
// containing call.ID, preserving the tool-result adjacency rule.
func (a *Anthropic) FormatToolResult(call model.ToolCall, result string, isError bool) model.Message {
	return model.Message{
		Role: model.RoleUser,
		Parts: []model.Part{model.ToolResultPart{
			ToolUseID: call.ID,
			Content:   result,
			IsError:   isError,
		}},
	}
}

// encodeTools reduces defs to the SDK's tool union, carrying each schema
// through as extra fields so arbitrary JSON Schema keywords survive, and
// appending the server-side web search tool when configured.
func (a *Anthropic) encodeTools(defs []model.ToolDef) []sdk.ToolUnionParam {
	if len(defs) == 0 && !a.Opts.NativeSearch {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs)+1)
	for _, d := range defs {
		var schema map[string]any
		_ = json.Unmarshal(d.Parameters, &schema)
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, d.Name)
		if d.Description != "" {
			u.OfTool.Description = sdk.String(d.Description)
		}
		out = append(out, u)
	}
	if a.Opts.NativeSearch {
		search := &sdk.WebSearchTool20250305Param{}
		if a.Opts.NativeSearchMaxUses > 0 {
			search.MaxUses = sdk.Int(int64(a.Opts.NativeSearchMaxUses))
		}
		out = append(out, sdk.ToolUnionParam{OfWebSearchTool20250305: search})
	}
	return out
}

func encodeMessages(msgs []model.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			continue // system is passed separately via params.System
		}
		role := sdk.MessageParamRoleUser
		if m.Role == model.RoleAssistant {
			role = sdk.MessageParamRoleAssistant
		}
		out = append(out, sdk.MessageParam{Role: role, Content: encodeBlocks(m)})
	}
	return out
}

func encodeBlocks(m model.Message) []sdk.ContentBlockParamUnion {
	// A turn that carried opaque content blocks (server-side search
	// results, citations, encrypted search state) is replayed verbatim from
	// the preserved raw blocks; synthesizing from Parts would drop them.
	if replayed := replayContentBlocks(m.Meta); replayed != nil {
		return replayed
	}
	var blocks []sdk.ContentBlockParamUnion
	for _, p := range m.Parts {
		switch part := p.(type) {
		case model.TextPart:
			blocks = append(blocks, sdk.NewTextBlock(part.Text))
		case model.ToolUsePart:
			var input any
			_ = json.Unmarshal(part.Input, &input)
			blocks = append(blocks, sdk.NewToolUseBlock(part.ID, input, part.Name))
		case model.ToolResultPart:
			blocks = append(blocks, sdk.NewToolResultBlock(part.ToolUseID, part.Content, part.IsError))
		}
	}
	return blocks
}

// replayContentBlocks rebuilds the provider's own content-block params from
// the raw JSON preserved in Meta. Returns nil when there is nothing to
// replay or the payload does not decode, in which case the caller falls
// back to synthesizing blocks from Parts.
func replayContentBlocks(meta map[string]any) []sdk.ContentBlockParamUnion {
	raw, ok := meta[model.MetaContentBlocks]
	if !ok {
		return nil
	}
	blob := metaBlockJSON(raw)
	if len(blob) == 0 {
		return nil
	}
	var unions []sdk.ContentBlockUnion
	if err := json.Unmarshal(blob, &unions); err != nil || len(unions) == 0 {
		return nil
	}
	params := make([]sdk.ContentBlockParamUnion, 0, len(unions))
	for _, u := range unions {
		params = append(params, u.ToParam())
	}
	return params
}

// metaBlockJSON normalizes the Meta value to JSON bytes: it is a
// json.RawMessage in memory but arrives as decoded []any after a
// conversation.jsonl round trip.
func metaBlockJSON(raw any) []byte {
	switch v := raw.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		blob, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return blob
	}
}

func translateAnthropicResponse(msg *sdk.Message) model.Response {
	var resp model.Response
	var calls []model.ToolCall
	rawBlocks := make([]json.RawMessage, 0, len(msg.Content))
	hasOpaque := false
	for _, block := range msg.Content {
		rawBlocks = append(rawBlocks, json.RawMessage(block.RawJSON()))
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			raw, _ := json.Marshal(block.Input)
			calls = append(calls, model.ToolCall{ID: block.ID, Name: block.Name, Args: raw})
		default:
			// server_tool_use, web_search_tool_result, and anything newer:
			// not representable canonically, preserved raw for replay.
			hasOpaque = true
		}
	}
	if hasOpaque {
		if raw, err := json.Marshal(rawBlocks); err == nil {
			resp.RawContentBlocks = raw
		}
	}
	resp.ToolCalls = calls
	resp.StopReason = string(msg.StopReason)
	resp.Usage = model.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}
