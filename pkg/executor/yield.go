// Package executor implements the two worker executor shapes: the
// harnessed ReAct loop and the autonomous subprocess bridge (including its
// Claude-Code stream-JSON specialization), sharing one yield-point
// discipline and cooperative-cancellation contract.
//
// The cooperative pause/resume signalling is a plain channel-and-mutex
// drain; Agiraph has no workflow-replay boundary to cross, so no durable
// signal channels are needed.
package executor

import (
	"context"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/bus"
)

// Yielder drains a recipient's inbox, checks the cooperative stop flag, and
// yields control to the scheduler. It is the concrete implementation of the
// spec's yield_point() abstraction: called both
// before a provider turn and, critically, *between* tool calls only after
// the current assistant/tool-result pair has been fully appended.
type Yielder struct {
	Bus       *bus.Bus
	Recipient string
	// Stopped is polled on every call; when it reports true, Drain returns
	// agierr.ErrCancelled instead of the drained messages.
	Stopped func() bool
}

// Drain pulls every queued message for the yielder's recipient, checks
// cancellation, and returns the messages for the caller to inject as user
// turns. A cancelled yield point returns (nil, agierr.ErrCancelled); callers
// must propagate that error distinctly from any other failure.
func (y Yielder) Drain(ctx context.Context) ([]bus.Message, error) {
	if ctx.Err() != nil {
		return nil, agierr.ErrCancelled
	}
	if y.Stopped != nil && y.Stopped() {
		return nil, agierr.ErrCancelled
	}
	var msgs []bus.Message
	if y.Bus != nil {
		msgs = y.Bus.Receive(y.Recipient)
	}
	if y.Stopped != nil && y.Stopped() {
		return msgs, agierr.ErrCancelled
	}
	return msgs, nil
}
