package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/wangtian24/agiraph/pkg/model"
)

// Conversation is an append-only, order-preserving turn log with a built-in
// check for the tool-result adjacency invariant: the assistant
// message containing tool calls must be appended before any tool result,
// and every tool result for that assistant message must be appended
// consecutively and immediately after it, before any other message.
type Conversation struct {
	msgs []model.Message
	// pendingToolIDs tracks outstanding call ids from the most recently
	// appended assistant message that have not yet had a matching tool
	// result appended. Any non-tool-result append while this set is
	// non-empty is an adjacency violation.
	pendingToolIDs map[string]bool
}

// NewConversation starts a conversation with the given seed messages
// (typically none, or a compaction summary).
func NewConversation(seed ...model.Message) *Conversation {
	return &Conversation{msgs: append([]model.Message(nil), seed...)}
}

// Messages returns the full turn slice. Callers must not mutate it.
func (c *Conversation) Messages() []model.Message { return c.msgs }

// AppendAssistant appends an assistant-role message. If it carries tool
// calls, the adjacency tracker is armed so the next append(s) must be
// exactly their tool results.
func (c *Conversation) AppendAssistant(msg model.Message) error {
	if len(c.pendingToolIDs) > 0 {
		return fmt.Errorf("executor: adjacency violation: assistant message appended while %d tool result(s) still pending", len(c.pendingToolIDs))
	}
	c.msgs = append(c.msgs, msg)
	ids := map[string]bool{}
	for _, tu := range msg.ToolUses() {
		ids[tu.ID] = true
	}
	if len(ids) > 0 {
		c.pendingToolIDs = ids
	}
	return nil
}

// AppendToolResult appends a tool-result message that must correspond to one
// of the currently pending tool call ids. Returns an adjacency-violation
// error if called when no tool results are pending, or for an id that was
// not requested by the immediately preceding assistant message.
func (c *Conversation) AppendToolResult(msg model.Message) error {
	if len(c.pendingToolIDs) == 0 {
		return fmt.Errorf("executor: adjacency violation: tool result appended with none pending")
	}
	for _, p := range msg.Parts {
		tr, ok := p.(model.ToolResultPart)
		if !ok {
			continue
		}
		if !c.pendingToolIDs[tr.ToolUseID] {
			return fmt.Errorf("executor: adjacency violation: tool result for unrequested call id %q", tr.ToolUseID)
		}
		delete(c.pendingToolIDs, tr.ToolUseID)
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

// AppendUser appends a plain user-role message (human/system injection at a
// yield point). Fails the same adjacency check as AppendAssistant: a user
// message may never interleave between an assistant's tool calls and their
// results.
func (c *Conversation) AppendUser(msg model.Message) error {
	if len(c.pendingToolIDs) > 0 {
		return fmt.Errorf("executor: adjacency violation: user message appended while %d tool result(s) still pending", len(c.pendingToolIDs))
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

// AllResultsAppended reports whether every tool call in the last assistant
// message has had its result appended; the next yield point may only occur
// once this is true.
func (c *Conversation) AllResultsAppended() bool { return len(c.pendingToolIDs) == 0 }

// ArchiveAndTruncate writes the full pre-compaction conversation to path
// (conversation.archive.N.jsonl, never deleted) and replaces the in-memory
// conversation with seed, for the compaction step.
func (c *Conversation) ArchiveAndTruncate(archivePath string, seed ...model.Message) error {
	if err := writeJSONL(archivePath, c.msgs); err != nil {
		return err
	}
	c.msgs = append([]model.Message(nil), seed...)
	c.pendingToolIDs = nil
	return nil
}

func writeJSONL(path string, msgs []model.Message) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

// AppendJSONL appends msg as one line to the conversation.jsonl file at
// path, creating it if necessary. Used for the coordinator/worker
// conversation logs that must survive process restarts.
func AppendJSONL(ctx context.Context, path string, msg model.Message) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}
