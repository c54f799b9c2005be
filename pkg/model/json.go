package model

import (
	"encoding/json"
	"fmt"
)

// partEnvelope is the on-the-wire tagged-union encoding for a Part: a
// discriminant Type field plus the part's own fields inlined as a raw
// payload, so conversation.jsonl round-trips the typed Part structure
// instead of collapsing it to a flattened string.
type partEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON renders p as a tagged envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	envelopes := make([]partEnvelope, len(m.Parts))
	for i, p := range m.Parts {
		payload, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		envelopes[i] = partEnvelope{Type: partTypeName(p), Payload: payload}
	}
	return json.Marshal(struct {
		Role  Role           `json:"role"`
		Parts []partEnvelope `json:"parts"`
		Meta  map[string]any `json:"meta,omitempty"`
	}{Role: m.Role, Parts: envelopes, Meta: m.Meta})
}

// UnmarshalJSON reverses MarshalJSON, reconstructing each Part's concrete
// type from its envelope's Type discriminant.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role  Role           `json:"role"`
		Parts []partEnvelope `json:"parts"`
		Meta  map[string]any `json:"meta,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	m.Meta = wire.Meta
	m.Parts = make([]Part, 0, len(wire.Parts))
	for _, env := range wire.Parts {
		p, err := decodePart(env)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}

func partTypeName(p Part) string {
	switch p.(type) {
	case TextPart:
		return "text"
	case ThinkingPart:
		return "thinking"
	case ToolUsePart:
		return "tool_use"
	case ToolResultPart:
		return "tool_result"
	default:
		return "unknown"
	}
}

func decodePart(env partEnvelope) (Part, error) {
	switch env.Type {
	case "text":
		var p TextPart
		return p, json.Unmarshal(env.Payload, &p)
	case "thinking":
		var p ThinkingPart
		return p, json.Unmarshal(env.Payload, &p)
	case "tool_use":
		var p ToolUsePart
		return p, json.Unmarshal(env.Payload, &p)
	case "tool_result":
		var p ToolResultPart
		return p, json.Unmarshal(env.Payload, &p)
	default:
		return nil, fmt.Errorf("model: unknown part type %q", env.Type)
	}
}
