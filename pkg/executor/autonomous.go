package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/bus"
	"github.com/wangtian24/agiraph/pkg/telemetry"
	"github.com/wangtian24/agiraph/pkg/workerpool"
)

// Autonomous runs a node by bridging an external subprocess: it writes the
// task and context to the node dir, spawns the configured agent command with
// the node dir as cwd, and shuttles bus messages through _inbox.md/
// _outbox.md while the process runs. It implements workerpool.Executor.
type Autonomous struct {
	AgentID string
	RunID   string
	Bus     *bus.Bus
	Log     EventEmitter
	Logger  telemetry.Logger
	NodeDir NodeDirResolver
	// PollInterval controls how often the inbox/outbox bridge runs while
	// the subprocess is alive.
	PollInterval time.Duration
	// MaxLifetime bounds how long the subprocess may run before the
	// kernel force-kills it as a safety net.
	MaxLifetime time.Duration
}

var _ workerpool.Executor = (*Autonomous)(nil)

// taskContext is the JSON shape written to _context.json: everything the
// subprocess needs to act without calling back into the kernel.
type taskContext struct {
	NodeID   string   `json:"node_id"`
	AgentID  string   `json:"agent_id"`
	RunID    string   `json:"run_id"`
	WorkerID string   `json:"worker_id"`
	DependsOn []string `json:"depends_on"`
}

// Execute spawns the worker's agent_command in nodeDir, bridges messages
// until _result.md appears or the process exits, then reports the outcome.
func (a *Autonomous) Execute(ctx context.Context, w workerpool.Worker, n board.Node) error {
	nodeDir := a.NodeDir(n.ID)
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		return err
	}

	if err := a.writeLaunchFiles(nodeDir, w, n); err != nil {
		return err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if a.MaxLifetime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.MaxLifetime)
		defer cancel()
	}

	if len(w.AgentCommand) == 0 {
		return agierr.New(agierr.KindConfig, "autonomous worker has no agent_command configured")
	}
	cmd := exec.CommandContext(runCtx, w.AgentCommand[0], w.AgentCommand[1:]...)
	cmd.Dir = nodeDir
	a.logger().Info(ctx, "launching subprocess", "node_id", n.ID, "command", w.AgentCommand[0])
	if err := cmd.Start(); err != nil {
		return a.fail(ctx, n, nodeDir, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	resultPath := filepath.Join(nodeDir, "_result.md")
	ticker := time.NewTicker(a.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			a.bridgeOutbox(ctx, w, n, nodeDir)
			return a.finish(ctx, n, nodeDir, resultPath, waitErr)
		case <-ticker.C:
			a.bridgeInbox(ctx, w, nodeDir)
			a.bridgeOutbox(ctx, w, n, nodeDir)
			if _, err := os.Stat(resultPath); err == nil {
				_ = cmd.Process.Kill()
				<-done
				return a.finish(ctx, n, nodeDir, resultPath, nil)
			}
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
			a.logger().Info(ctx, "subprocess cancelled", "node_id", n.ID)
			if a.Log != nil {
				_, _ = a.Log.Emit(ctx, "worker.stopped", map[string]any{"node_id": n.ID})
			}
			return agierr.ErrCancelled
		}
	}
}

func (a *Autonomous) pollInterval() time.Duration {
	if a.PollInterval > 0 {
		return a.PollInterval
	}
	return 2 * time.Second
}

func (a *Autonomous) writeLaunchFiles(nodeDir string, w workerpool.Worker, n board.Node) error {
	if err := os.WriteFile(filepath.Join(nodeDir, "_task.md"), []byte(n.Task), 0o644); err != nil {
		return err
	}
	tc := taskContext{NodeID: n.ID, AgentID: a.AgentID, RunID: a.RunID, WorkerID: w.ID, DependsOn: n.Dependencies}
	raw, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(nodeDir, "_context.json"), raw, 0o644); err != nil {
		return err
	}
	for _, name := range []string{"_inbox.md", "_outbox.md"} {
		p := filepath.Join(nodeDir, name)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if err := os.WriteFile(p, nil, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

// bridgeInbox drains pending bus messages for this worker and appends them
// to _inbox.md so the subprocess can read them without calling back in.
func (a *Autonomous) bridgeInbox(ctx context.Context, w workerpool.Worker, nodeDir string) {
	if a.Bus == nil {
		return
	}
	msgs := a.Bus.Receive(w.Name)
	if len(msgs) == 0 {
		return
	}
	f, err := os.OpenFile(filepath.Join(nodeDir, "_inbox.md"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	for _, m := range msgs {
		fmt.Fprintf(f, "## from %s\n%s\n\n", m.From, m.Content)
	}
}

// bridgeOutbox reads any new content appended to _outbox.md since the last
// read and forwards it to the coordinator as one bus message; the new
// content is not split into separate blocks. A simple offset file
// (_outbox.offset) tracks how much has already been consumed.
func (a *Autonomous) bridgeOutbox(ctx context.Context, w workerpool.Worker, n board.Node, nodeDir string) {
	if a.Bus == nil {
		return
	}
	path := filepath.Join(nodeDir, "_outbox.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	offsetPath := filepath.Join(nodeDir, "_outbox.offset")
	offset := 0
	if raw, err := os.ReadFile(offsetPath); err == nil {
		fmt.Sscanf(string(raw), "%d", &offset)
	}
	if offset >= len(data) {
		return
	}
	fresh := data[offset:]
	if len(fresh) > 0 {
		a.Bus.Send(ctx, w.Name, bus.Coordinator, string(fresh))
	}
	_ = os.WriteFile(offsetPath, []byte(fmt.Sprintf("%d", len(data))), 0o644)
}

func (a *Autonomous) finish(ctx context.Context, n board.Node, nodeDir, resultPath string, waitErr error) error {
	result, readErr := os.ReadFile(resultPath)
	if readErr != nil {
		if waitErr != nil {
			return a.fail(ctx, n, nodeDir, fmt.Errorf("subprocess exited without a result: %w", waitErr))
		}
		return a.fail(ctx, n, nodeDir, fmt.Errorf("subprocess exited without writing _result.md"))
	}
	a.logger().Info(ctx, "subprocess completed", "node_id", n.ID)
	if a.Log != nil {
		_, _ = a.Log.Emit(ctx, "node.completed", map[string]any{"node_id": n.ID, "result": string(result)})
	}
	return nil
}

func (a *Autonomous) logger() telemetry.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return telemetry.NewNoopLogger()
}

func (a *Autonomous) fail(ctx context.Context, n board.Node, nodeDir string, cause error) error {
	a.logger().Error(ctx, "subprocess node failed", "node_id", n.ID, "err", cause)
	notesPath := filepath.Join(nodeDir, "failure_notes.md")
	_ = os.WriteFile(notesPath, []byte(fmt.Sprintf("# failure: %s\n\nerror: %v\n", n.ID, cause)), 0o644)
	if a.Bus != nil {
		a.Bus.Send(ctx, n.AssignedWorker, bus.Coordinator, fmt.Sprintf("node %s failed: %v", n.ID, cause))
	}
	if a.Log != nil {
		_, _ = a.Log.Emit(ctx, "node.failed", map[string]any{"node_id": n.ID, "error": cause.Error()})
	}
	return cause
}
