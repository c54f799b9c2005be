package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/bus"
	"github.com/wangtian24/agiraph/pkg/model"
	"github.com/wangtian24/agiraph/pkg/provider"
	"github.com/wangtian24/agiraph/pkg/tools"
	"github.com/wangtian24/agiraph/pkg/workerpool"
)

// scriptedAdapter returns one canned response per Complete call, then
// repeats its last response for any further call (the coordinator's finite
// mode should stop calling it again once finish fires, but a defensive
// fixture avoids an index panic if a test's expectations are wrong).
type scriptedAdapter struct {
	responses []model.Response
	calls     int
}

func (s *scriptedAdapter) FormatTools(defs []model.ToolDef) any        { return nil }
func (s *scriptedAdapter) FormatToolPrompt(defs []model.ToolDef) string { return "" }

func (s *scriptedAdapter) Complete(ctx context.Context, req provider.Request) (model.Response, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i], nil
}

func (s *scriptedAdapter) FormatToolResult(call model.ToolCall, result string, isError bool) model.Message {
	return model.Message{Role: model.RoleUser, Parts: []model.Part{model.ToolResultPart{ToolUseID: call.ID, Content: result, IsError: isError}}}
}

func newFinishOnlyRegistry() *tools.Registry {
	r := tools.New()
	r.Register(model.ToolDef{Name: "finish"}, func(ctx context.Context, tctx *tools.Context, args json.RawMessage) (string, error) {
		return "goal met", nil
	})
	return r
}

func TestCoordinatorFinishSetsCompletedStatus(t *testing.T) {
	b := board.New(nil)
	bs := bus.New(nil, func() []string { return nil })
	pool := workerpool.New(b, fakeExecutor{}, nil, func() string { return "w1" })

	adapter := &scriptedAdapter{responses: []model.Response{
		{ToolCalls: []model.ToolCall{{ID: "1", Name: "finish", Args: json.RawMessage(`{}`)}}},
	}}

	co := New(Coordinator{
		AgentID:      "agent-1",
		RunID:        "run-1",
		Goal:         "say hi",
		Mode:         ModeFinite,
		Adapter:      adapter,
		Tools:        newFinishOnlyRegistry(),
		Board:        b,
		Pool:         pool,
		Bus:          bs,
		TickInterval: 10 * time.Millisecond,
	})
	co.Notify()

	err := co.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, co.Status())
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, w workerpool.Worker, n board.Node) error { return nil }

func TestCoordinatorStopTransitionsToWaitingForHuman(t *testing.T) {
	b := board.New(nil)
	bs := bus.New(nil, func() []string { return nil })
	pool := workerpool.New(b, fakeExecutor{}, nil, func() string { return "w1" })

	co := New(Coordinator{
		AgentID: "agent-1",
		RunID:   "run-1",
		Board:   b,
		Pool:    pool,
		Bus:     bs,
	})

	co.Stop(context.Background())
	assert.Equal(t, StatusWaitingForHuman, co.Status())

	msgs := co.Conversation()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1].Text(), "stop requested")
}

func TestCoordinatorResumeClearsStoppedFlag(t *testing.T) {
	b := board.New(nil)
	bs := bus.New(nil, func() []string { return nil })
	pool := workerpool.New(b, fakeExecutor{}, nil, func() string { return "w1" })

	co := New(Coordinator{Board: b, Pool: pool, Bus: bs})
	co.Stop(context.Background())
	require.True(t, co.stopped)
	co.Resume()
	assert.False(t, co.stopped)
}
