package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/bus"
	"github.com/wangtian24/agiraph/pkg/telemetry"
	"github.com/wangtian24/agiraph/pkg/workerpool"
)

// CCEventKind enumerates the three stream-JSON event kinds the Claude-Code
// variant parses line by line.
type CCEventKind string

const (
	CCEventSystem    CCEventKind = "system"
	CCEventAssistant CCEventKind = "assistant"
	CCEventResult    CCEventKind = "result"
)

// ccEvent is the wire shape of one stream-JSON line. Only the fields the
// bridge forwards are decoded; unknown fields are ignored.
type ccEvent struct {
	Type    CCEventKind     `json:"type"`
	Message json.RawMessage `json:"message"`
	Result  string          `json:"result"`
	IsError bool            `json:"is_error"`
}

// ClaudeCode runs a single subprocess whose stdout is a line-delimited
// stream-JSON transcript. No ReAct loop runs here: the subprocess drives its
// own tool use, and the executor's only job is to translate each event line
// into the node's event log / bus traffic for live frontend progress. It
// implements workerpool.Executor.
type ClaudeCode struct {
	AgentID string
	RunID   string
	Bus     *bus.Bus
	Log     EventEmitter
	Logger  telemetry.Logger
	NodeDir NodeDirResolver
}

var _ workerpool.Executor = (*ClaudeCode)(nil)

// Execute spawns w's agent_command in nodeDir and decodes its stdout as
// newline-delimited stream-JSON, forwarding each event and waiting for a
// "result" event or process exit to determine completion.
func (c *ClaudeCode) Execute(ctx context.Context, w workerpool.Worker, n board.Node) error {
	nodeDir := c.NodeDir(n.ID)
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		return err
	}
	if len(w.AgentCommand) == 0 {
		return agierr.New(agierr.KindConfig, "claude-code worker has no agent_command configured")
	}

	c.logger().Info(ctx, "launching stream-JSON subprocess", "node_id", n.ID, "command", w.AgentCommand[0])
	cmd := exec.CommandContext(ctx, w.AgentCommand[0], w.AgentCommand[1:]...)
	cmd.Dir = nodeDir
	cmd.Stdin = nil
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var finalResult string
	var sawResult bool
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			if c.Log != nil {
				_, _ = c.Log.Emit(ctx, "worker.stopped", map[string]any{"node_id": n.ID})
			}
			return agierr.ErrCancelled
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev ccEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		c.forward(ctx, n, ev)
		if ev.Type == CCEventResult {
			sawResult = true
			finalResult = ev.Result
			if ev.IsError {
				_ = cmd.Wait()
				return c.fail(ctx, n, nodeDir, fmt.Errorf("subprocess reported error result: %s", ev.Result))
			}
		}
	}
	waitErr := cmd.Wait()
	if !sawResult {
		if waitErr != nil {
			return c.fail(ctx, n, nodeDir, fmt.Errorf("subprocess exited without a result event: %w", waitErr))
		}
		return c.fail(ctx, n, nodeDir, fmt.Errorf("subprocess exited without a result event"))
	}
	c.logger().Info(ctx, "stream-JSON subprocess completed", "node_id", n.ID)
	if c.Log != nil {
		_, _ = c.Log.Emit(ctx, "node.completed", map[string]any{"node_id": n.ID, "result": finalResult})
	}
	return nil
}

func (c *ClaudeCode) logger() telemetry.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return telemetry.NewNoopLogger()
}

// forward translates one decoded stream-JSON event into the node's event
// log so the frontend can show live progress.
func (c *ClaudeCode) forward(ctx context.Context, n board.Node, ev ccEvent) {
	if c.Log == nil {
		return
	}
	switch ev.Type {
	case CCEventSystem:
		// The stream's init/system lines have no canonical type of their
		// own; surface them as the subprocess tool starting up.
		_, _ = c.Log.Emit(ctx, "tool.called", map[string]any{"node_id": n.ID, "tool": "claude_code", "stream": "system"})
	case CCEventAssistant:
		_, _ = c.Log.Emit(ctx, "assistant", map[string]any{"node_id": n.ID, "message": string(ev.Message)})
	case CCEventResult:
		_, _ = c.Log.Emit(ctx, "tool.result", map[string]any{"node_id": n.ID, "result": ev.Result, "is_error": ev.IsError})
	}
}

func (c *ClaudeCode) fail(ctx context.Context, n board.Node, nodeDir string, cause error) error {
	c.logger().Error(ctx, "stream-JSON subprocess failed", "node_id", n.ID, "err", cause)
	if c.Bus != nil {
		c.Bus.Send(ctx, n.AssignedWorker, bus.Coordinator, fmt.Sprintf("node %s failed: %v", n.ID, cause))
	}
	if c.Log != nil {
		_, _ = c.Log.Emit(ctx, "node.failed", map[string]any{"node_id": n.ID, "error": cause.Error()})
	}
	return cause
}
