package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wangtian24/agiraph/pkg/model"
)

// TextCompleter is the narrow interface a text-only provider client must
// satisfy for the fallback adapter (e.g. a model with no native tool-use
// support). It receives a fully-rendered prompt (system + tool schemas +
// conversation flattened to text) and returns raw completion text.
type TextCompleter interface {
	CompleteText(ctx context.Context, system, prompt string) (string, error)
}

// TextFallback implements Adapter for providers with no native tool-calling
// support: tool schemas are rendered into the prompt and tool calls are
// recovered by scanning the raw text for the fixed
// <tool_call>...</tool_call> marker grammar.
type TextFallback struct {
	Client TextCompleter
}

var _ Adapter = (*TextFallback)(nil)

// FormatTools always returns nil for the text-fallback adapter: there is no
// native schema payload.
func (TextFallback) FormatTools([]model.ToolDef) any { return nil }

// FormatToolPrompt renders per-tool guidance plus, for text-fallback only,
// the full JSON Schema and the exact call-marker grammar the model must
// emit to invoke a tool.
func (TextFallback) FormatToolPrompt(defs []model.ToolDef) string {
	if len(defs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(joinGuidance(defs))
	b.WriteString("\n\n## Available tools\n\n")
	for _, d := range defs {
		b.WriteString("### ")
		b.WriteString(d.Name)
		b.WriteString("\n")
		b.WriteString(d.Description)
		b.WriteString("\nSchema: ")
		if len(d.Parameters) > 0 {
			b.Write(d.Parameters)
		} else {
			b.WriteString("{}")
		}
		b.WriteString("\n\n")
	}
	b.WriteString("To call a tool, emit exactly:\n")
	b.WriteString(ToolCallMarkerOpen)
	b.WriteString(`{"name":"...","arguments":{...}}`)
	b.WriteString(ToolCallMarkerClose)
	b.WriteString("\n")
	return b.String()
}

// Complete renders the conversation and tool prompt as flat text, calls the
// underlying TextCompleter, and parses the response via ParseResponse.
func (tf TextFallback) Complete(ctx context.Context, req Request) (model.Response, error) {
	if tf.Client == nil {
		return model.Response{}, errors.New("textfallback: no client configured")
	}
	system := req.System
	if toolPrompt := tf.FormatToolPrompt(req.Tools); toolPrompt != "" {
		system = strings.TrimRight(system, "\n") + "\n\n" + toolPrompt
	}
	var body strings.Builder
	for _, m := range req.Messages {
		body.WriteString(string(m.Role))
		body.WriteString(": ")
		body.WriteString(m.Text())
		body.WriteString("\n")
	}
	raw, err := tf.Client.CompleteText(ctx, system, body.String())
	if err != nil {
		return model.Response{}, fmt.Errorf("textfallback: complete: %w", err)
	}
	return ParseResponse(raw), nil
}

// FormatToolResult renders a tool result as a user-role text message; the
// text-fallback grammar has no structured tool-result channel, so the
// result is synthesized as plain text the model reads on the next turn.
func (TextFallback) FormatToolResult(call model.ToolCall, result string, isError bool) model.Message {
	prefix := "Tool result"
	if isError {
		prefix = "Tool error"
	}
	return model.Message{
		Role: model.RoleUser,
		Parts: []model.Part{model.TextPart{
			Text: fmt.Sprintf("[%s for %s]: %s", prefix, call.Name, result),
		}},
	}
}

// markerCall is the exact JSON shape expected inside a <tool_call> marker.
type markerCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseResponse extracts every well-formed <tool_call>...</tool_call>
// marker from raw, strips the markers from the returned text, and ignores
// malformed markers rather than failing the whole turn. Multiple
// markers in one turn are all extracted, in order.
func ParseResponse(raw string) model.Response {
	var calls []model.ToolCall
	var text strings.Builder
	rest := raw
	n := 0
	for {
		start := strings.Index(rest, ToolCallMarkerOpen)
		if start < 0 {
			text.WriteString(rest)
			break
		}
		text.WriteString(rest[:start])
		afterOpen := rest[start+len(ToolCallMarkerOpen):]
		end := strings.Index(afterOpen, ToolCallMarkerClose)
		if end < 0 {
			// Unterminated marker: treat the rest as plain text.
			text.WriteString(rest[start:])
			break
		}
		body := afterOpen[:end]
		rest = afterOpen[end+len(ToolCallMarkerClose):]

		var mc markerCall
		if err := json.Unmarshal([]byte(body), &mc); err == nil && mc.Name != "" {
			n++
			calls = append(calls, model.ToolCall{
				ID:   fmt.Sprintf("fallback-%d", n),
				Name: mc.Name,
				Args: mc.Arguments,
			})
		}
		// Malformed marker bodies are silently skipped.
	}
	return model.Response{
		Text:      strings.TrimSpace(text.String()),
		ToolCalls: calls,
	}
}
