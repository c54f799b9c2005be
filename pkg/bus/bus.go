// Package bus implements the per-recipient message bus from the component
// design: send/broadcast/receive(drain)/peek(non-destructive), reserved
// ids, and default-route-to-coordinator.
//
// Queues are plain in-memory slices under the bus's own mutex; delivery is
// pull-based (participants drain at their yield points), so the bus never
// blocks a sender on a slow recipient.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/wangtian24/agiraph/pkg/event"
)

// Reserved recipient ids.
const (
	Human       = "human"
	Coordinator = "coordinator"
	System      = "system"
	Broadcast   = "*"
)

// Message is a single bus message.
type Message struct {
	From    string
	To      string
	Content string
	Ts      time.Time
}

// Emitter is the subset of *event.Log the bus needs for message.* events.
type Emitter interface {
	Emit(ctx context.Context, typ event.Type, data map[string]any) (event.Event, error)
}

// Bus holds one queue per recipient id.
type Bus struct {
	mu      sync.Mutex
	queues  map[string][]Message
	emit    Emitter
	// live reports which recipient ids currently have a live participant,
	// used to expand broadcast and to decide undeliverable routing.
	live func() []string
}

// New constructs an empty Bus. live is called at broadcast time to get the
// current set of non-sender live participant ids (coordinator plus every
// active worker name); it may be nil, in which case broadcast only reaches
// the coordinator.
func New(emit Emitter, live func() []string) *Bus {
	return &Bus{queues: make(map[string][]Message), emit: emit, live: live}
}

// Send enqueues content from "from" to "to". If to is empty, it defaults to
// Coordinator. Unknown recipients are journaled as message.undeliverable
// and dropped; send itself always emits message.sent unconditionally
// before that check, per the component design ("send emits message.sent
// unconditionally").
func (b *Bus) Send(ctx context.Context, from, to, content string) {
	if to == "" {
		to = Coordinator
	}
	msg := Message{From: from, To: to, Content: content, Ts: time.Now().UTC()}
	b.emitEvent(ctx, "message.sent", msg)

	if !b.knownRecipient(to) {
		b.emitEvent(ctx, "message.undeliverable", msg)
		return
	}
	b.mu.Lock()
	b.queues[to] = append(b.queues[to], msg)
	b.mu.Unlock()
}

// Broadcast delivers content from "from" to every live non-sender
// participant. Exactly one message.sent event is emitted per live
// recipient, so the total event count equals the live participant count.
func (b *Bus) Broadcast(ctx context.Context, from, content string) {
	recipients := b.liveRecipients(from)
	for _, to := range recipients {
		b.Send(ctx, from, to, content)
	}
}

func (b *Bus) liveRecipients(from string) []string {
	base := []string{Coordinator}
	if b.live != nil {
		base = b.live()
	}
	out := make([]string, 0, len(base))
	for _, id := range base {
		if id != from {
			out = append(out, id)
		}
	}
	return out
}

func (b *Bus) knownRecipient(to string) bool {
	switch to {
	case Human, Coordinator, System:
		return true
	}
	if b.live == nil {
		return false
	}
	for _, id := range b.live() {
		if id == to {
			return true
		}
	}
	return false
}

// Receive drains and returns every queued message for recipient. A second,
// immediate call returns an empty slice.
func (b *Bus) Receive(recipient string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.queues[recipient]
	delete(b.queues, recipient)
	return msgs
}

// Peek returns the queued messages for recipient without draining them.
func (b *Bus) Peek(recipient string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.queues[recipient]))
	copy(out, b.queues[recipient])
	return out
}

func (b *Bus) emitEvent(ctx context.Context, typ event.Type, msg Message) {
	if b.emit == nil {
		return
	}
	_, _ = b.emit.Emit(ctx, typ, map[string]any{
		"from":    msg.From,
		"to":      msg.To,
		"content": msg.Content,
	})
}
