// Package provider implements the provider adapter layer: each
// adapter reduces the canonical model.ToolDef set to its own native
// tool-calling format (or, for the text-fallback adapter, to prompt text
// plus a call-marker grammar), and normalizes whatever the provider returns
// into a uniform model.Response.
//
// Each adapter holds a narrow interface over just the SDK calls it needs
// (so tests can substitute a mock), keeps request/response translation
// separate from the network call itself, and takes an Options struct for
// per-adapter defaults (model id, max tokens).
package provider

import (
	"context"
	"strings"

	"github.com/wangtian24/agiraph/pkg/model"
)

// Adapter is the provider adapter contract.
type Adapter interface {
	// FormatTools reduces defs to the provider's native tool schema. Native
	// providers return their tool list (OpenAI returns nil when defs is
	// empty); the text-fallback adapter always
	// returns nil (schemas go into the prompt instead, via FormatToolPrompt).
	FormatTools(defs []model.ToolDef) any

	// FormatToolPrompt always returns the per-tool guidance text. For the
	// text-fallback adapter this additionally appends the full JSON Schema
	// and the exact call-marker grammar.
	FormatToolPrompt(defs []model.ToolDef) string

	// Complete issues one provider call and returns the canonical Response.
	Complete(ctx context.Context, req Request) (model.Response, error)

	// FormatToolResult returns the message-chunk shape that must
	// immediately follow the assistant message containing call.ID.
	FormatToolResult(call model.ToolCall, result string, isError bool) model.Message
}

// Request is the provider-agnostic shape of one completion call.
type Request struct {
	System      string
	Messages    []model.Message
	Tools       []model.ToolDef
	Model       string
	MaxTokens   int
	Temperature float64
}

// ToolCallMarkerOpen and ToolCallMarkerClose delimit the text-fallback call
// marker grammar: exactly
// <tool_call>{"name":"...","arguments":{...}}</tool_call>.
const (
	ToolCallMarkerOpen  = "<tool_call>"
	ToolCallMarkerClose = "</tool_call>"
)

// joinGuidance renders the shared "one paragraph of guidance per tool"
// prompt section used by every adapter's FormatToolPrompt.
func joinGuidance(defs []model.ToolDef) string {
	var b strings.Builder
	for _, d := range defs {
		if d.Guidance == "" {
			continue
		}
		b.WriteString("## ")
		b.WriteString(d.Name)
		b.WriteString("\n")
		b.WriteString(d.Guidance)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
