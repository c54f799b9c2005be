package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	orig := Message{
		Role: RoleAssistant,
		Parts: []Part{
			TextPart{Text: "hello"},
			ToolUsePart{ID: "1", Name: "write_file", Input: json.RawMessage(`{"path":"a.md"}`)},
		},
		Meta: map[string]any{"k": "v"},
	}

	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.Equal(t, RoleAssistant, got.Role)
	require.Len(t, got.Parts, 2)
	assert.Equal(t, TextPart{Text: "hello"}, got.Parts[0])
	toolUse, ok := got.Parts[1].(ToolUsePart)
	require.True(t, ok)
	assert.Equal(t, "write_file", toolUse.Name)
	assert.Equal(t, "v", got.Meta["k"])
}

func TestMessageTextConcatenatesTextParts(t *testing.T) {
	m := Message{Parts: []Part{TextPart{Text: "a"}, TextPart{Text: "b"}, ToolUsePart{Name: "x"}}}
	assert.Equal(t, "ab", m.Text())
}
