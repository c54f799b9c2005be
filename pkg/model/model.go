// Package model defines the provider-agnostic message and response types
// shared by every provider adapter, the worker executor, and the
// coordinator. Messages are modeled as typed parts (text, tool use, tool
// result, thinking) rather than flattened strings so the assistant-message
// / tool-result adjacency rule in the worker executor can be enforced on
// the structure itself, not by string scanning.
package model

import "encoding/json"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type (
	// Part is a marker interface implemented by all message content blocks.
	Part interface{ isPart() }

	// TextPart is plain text content, the common case for human and system
	// messages and for an assistant's visible reply.
	TextPart struct {
		Text string
	}

	// ThinkingPart carries provider-issued reasoning content. Treated as
	// opaque metadata; the worker executor forwards it but never parses it.
	ThinkingPart struct {
		Text      string
		Signature string
	}

	// ToolUsePart declares a tool invocation requested by the assistant.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart carries the result of a prior tool call, attached to
	// the user-role message that follows the assistant's tool_use parts.
	ToolResultPart struct {
		ToolUseID string
		Content   string
		IsError   bool
	}
)

func (TextPart) isPart()       {}
func (ThinkingPart) isPart()   {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Message is a single turn in a conversation. Parts preserve structure so
// adjacency invariants can be checked directly on a Message slice.
type Message struct {
	Role Role
	Parts []Part
	// Meta carries provider-specific round-tripped metadata, for example the
	// opaque Anthropic native-search content blocks persisted verbatim
	// across turns under MetaContentBlocks.
	Meta map[string]any
}

// Text returns the concatenation of all TextPart content in the message, in
// order. Convenience accessor for callers that only care about the visible
// reply and not tool-call structure.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// ToolUses returns every ToolUsePart in the message, in order.
func (m Message) ToolUses() []ToolUsePart {
	var out []ToolUsePart
	for _, p := range m.Parts {
		if t, ok := p.(ToolUsePart); ok {
			out = append(out, t)
		}
	}
	return out
}

// ToolDef is the canonical, provider-independent tool schema. Every
// provider adapter reduces a slice of ToolDef either to a native
// tool-calling payload or to prompt text plus a call-marker grammar.
type ToolDef struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the tool's input.
	Parameters json.RawMessage
	// Guidance is free-form prose injected into the system prompt (or, for
	// text-fallback, alongside the schema) describing when and how to use
	// the tool. Always included regardless of provider.
	Guidance string
}

// ToolCall is a single invocation requested by the model in a ModelResponse.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Usage reports token accounting for a single provider call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// MetaContentBlocks is the Message.Meta key carrying a provider's raw
// content blocks, preserved verbatim so follow-up turns can replay them.
const MetaContentBlocks = "anthropic_content_blocks"

// Response is the uniform shape every provider adapter normalizes its raw
// API response into.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	// StopReason is provider-specific but surfaced for executor logging
	// (e.g. "end_turn", "tool_use", "max_tokens").
	StopReason string
	// RawContentBlocks is the provider's verbatim content-block array for
	// this turn, set when it contains blocks the canonical shape cannot
	// represent (server-side search results, citations, encrypted search
	// state). Callers attach it to the assistant message's
	// Meta[MetaContentBlocks] so the adapter can replay it unchanged.
	RawContentBlocks json.RawMessage
}
