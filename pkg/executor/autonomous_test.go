package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/workerpool"
)

// TestAutonomousWritesLaunchFilesAndReadsResult exercises the subprocess
// bridge end to end using a shell one-liner as the "agent_command": it
// should see _task.md/_context.json on disk and, by writing _result.md
// itself, cause Execute to observe completion without waiting on the full
// poll interval.
func TestAutonomousWritesLaunchFilesAndReadsResult(t *testing.T) {
	dir := t.TempDir()
	script := `echo done > _result.md`
	a := &Autonomous{
		AgentID:      "agent-1",
		RunID:        "run-1",
		NodeDir:      func(string) string { return dir },
		PollInterval: 10 * time.Millisecond,
	}
	n := board.Node{ID: "n1", Task: "write a file", Dependencies: []string{"n0"}}
	w := workerpool.Worker{ID: "w1", Name: "sub", AgentCommand: []string{"sh", "-c", script}}

	err := a.Execute(context.Background(), w, n)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "_task.md"))
	assert.FileExists(t, filepath.Join(dir, "_context.json"))
	raw, err := os.ReadFile(filepath.Join(dir, "_context.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"node_id": "n1"`)
	assert.Contains(t, string(raw), `"n0"`)
}

func TestAutonomousMissingAgentCommandFails(t *testing.T) {
	dir := t.TempDir()
	a := &Autonomous{NodeDir: func(string) string { return dir }}
	n := board.Node{ID: "n2", Task: "no command configured"}
	w := workerpool.Worker{ID: "w2", Name: "sub"}

	err := a.Execute(context.Background(), w, n)
	require.Error(t, err)
}

func TestAutonomousFailsWithoutResult(t *testing.T) {
	dir := t.TempDir()
	a := &Autonomous{NodeDir: func(string) string { return dir }, PollInterval: 10 * time.Millisecond}
	n := board.Node{ID: "n3", Task: "exits without writing _result.md"}
	w := workerpool.Worker{ID: "w3", Name: "sub", AgentCommand: []string{"sh", "-c", "true"}}

	err := a.Execute(context.Background(), w, n)
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "failure_notes.md"))
}
