// Package event implements the append-only per-agent event journal and its
// live subscriber fan-out. Every mutation in the runtime (file write, tool
// dispatch, node transition, worker status change, trigger fire) emits a
// typed Event; every Event is both journaled and broadcast to live
// subscribers.
//
// Each subscriber gets a bounded buffer with oldest-event-drop on
// overflow, so a slow WebSocket consumer can never stall emission for
// everyone else; the journal file always retains every event.
package event

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Type is a dotted event type string from the closed set in the runtime's
// external interface surface (agent.*, node.*, worker.*, message.*, tool.*,
// human.*, file.*, memory.*, stage.*, trigger.*).
type Type string

// Event is a single journal entry. Events are totally ordered within one
// agent by Seq; across agents only Ts applies.
type Event struct {
	Type    Type           `json:"type"`
	AgentID string         `json:"agent_id"`
	Ts      time.Time      `json:"ts"`
	Seq     uint64         `json:"seq"`
	Data    map[string]any `json:"data,omitempty"`
}

// Key returns the event's stable dedup identity. Two events with the same
// Key are allowed to both appear (backfill plus live) and must always
// represent the same underlying event; consumers use Key to deduplicate.
func (e Event) Key() string {
	return string(e.Type) + "|" + e.Ts.Format(time.RFC3339Nano)
}

// subBufferSize bounds each subscriber's live channel. Overflow drops the
// oldest still-buffered event for that subscriber only; the journal file
// always retains every event.
const subBufferSize = 256

// Subscription is returned by Subscribe. Call Close to stop receiving
// events and release the channel; Close is idempotent.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Log is an append-only per-agent event journal with live subscriber
// fan-out and an on-disk events.jsonl mirror.
type Log struct {
	agentID string
	path    string // path to events.jsonl

	mu   sync.Mutex
	seq  uint64
	file *os.File

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

type subscription struct {
	log    *Log
	ch     chan Event
	once   sync.Once
	closed bool
}

func (s *subscription) Events() <-chan Event { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.log.subMu.Lock()
		delete(s.log.subs, s)
		s.closed = true
		s.log.subMu.Unlock()
		close(s.ch)
	})
}

// Open opens (creating if necessary) the events.jsonl file for agentID
// under dir and returns a ready Log. The caller owns the returned Log's
// lifecycle and should call Close when the agent is torn down.
func Open(agentID, dir string) (*Log, error) {
	path := filepath.Join(dir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{
		agentID: agentID,
		path:    path,
		file:    f,
		subs:    make(map[*subscription]struct{}),
	}, nil
}

// Close releases the underlying journal file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Emit appends ev to the journal under a monotonically increasing sequence
// number and fans it out to every live subscriber. Emit is synchronous with
// respect to the journal write but never blocks on a slow subscriber: each
// subscriber has its own bounded channel, and a full channel has its oldest
// buffered event dropped to make room for the new one.
func (l *Log) Emit(ctx context.Context, typ Type, data map[string]any) (Event, error) {
	l.mu.Lock()
	l.seq++
	ev := Event{
		Type:    typ,
		AgentID: l.agentID,
		Ts:      time.Now().UTC(),
		Seq:     l.seq,
		Data:    data,
	}
	line, err := json.Marshal(ev)
	if err == nil {
		_, _ = l.file.Write(append(line, '\n'))
	}
	l.mu.Unlock()

	l.fanOut(ev)
	return ev, err
}

func (l *Log) fanOut(ev Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for s := range l.subs {
		select {
		case s.ch <- ev:
		default:
			// Buffer full: drop the oldest buffered event to make room.
			// The journal already has the durable copy.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// Subscribe registers a new live subscriber and returns a Subscription
// whose channel receives every Event emitted after this call.
func (l *Log) Subscribe() Subscription {
	s := &subscription{log: l, ch: make(chan Event, subBufferSize)}
	l.subMu.Lock()
	l.subs[s] = struct{}{}
	l.subMu.Unlock()
	return s
}

// Recent returns up to limit of the most recently emitted events, oldest
// first. A subscriber that calls Recent and then Subscribe may observe
// duplicates at the boundary; dedup on Event.Key() resolves them.
func (l *Log) Recent(limit int) ([]Event, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := splitLines(data)
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]Event, 0, len(lines))
	for _, ln := range lines {
		if len(ln) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(ln, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
