package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/event"
	"github.com/wangtian24/agiraph/pkg/model"
)

type recordingEmitter struct {
	events []event.Event
}

func (r *recordingEmitter) Emit(_ context.Context, typ event.Type, data map[string]any) (event.Event, error) {
	ev := event.Event{Type: typ, Data: data}
	r.events = append(r.events, ev)
	return ev, nil
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"required"`
}

func TestDispatchEchoSucceeds(t *testing.T) {
	r := New()
	rec := &recordingEmitter{}
	r.Register(model.ToolDef{
		Name:       "echo",
		Parameters: GenerateSchema[echoArgs](),
	}, func(_ context.Context, _ *Context, args json.RawMessage) (string, error) {
		var a echoArgs
		require.NoError(t, json.Unmarshal(args, &a))
		return a.Text, nil
	})

	out, err := r.Dispatch(context.Background(), &Context{Log: rec}, model.ToolCall{
		ID: "1", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	var types []event.Type
	for _, e := range rec.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []event.Type{"tool.called", "tool.result"}, types)
}

func TestDispatchUnknownToolIsToolError(t *testing.T) {
	r := New()
	rec := &recordingEmitter{}
	_, err := r.Dispatch(context.Background(), &Context{Log: rec}, model.ToolCall{Name: "nope"})
	require.Error(t, err)
	kind, ok := agierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agierr.KindToolError, kind)
}

func TestDispatchInvalidArgsRejected(t *testing.T) {
	r := New()
	rec := &recordingEmitter{}
	r.Register(model.ToolDef{
		Name:       "echo",
		Parameters: GenerateSchema[echoArgs](),
	}, func(_ context.Context, _ *Context, args json.RawMessage) (string, error) {
		return "unreachable", nil
	})

	_, err := r.Dispatch(context.Background(), &Context{Log: rec}, model.ToolCall{
		Name: "echo", Args: json.RawMessage(`{}`),
	})
	require.Error(t, err)

	var sawError bool
	for _, e := range rec.events {
		if e.Type == "tool.error" {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := New()
	r.Register(model.ToolDef{Name: "dup"}, func(context.Context, *Context, json.RawMessage) (string, error) {
		return "", nil
	})
	assert.Panics(t, func() {
		r.Register(model.ToolDef{Name: "dup"}, func(context.Context, *Context, json.RawMessage) (string, error) {
			return "", nil
		})
	})
}
