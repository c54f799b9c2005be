// Package trigger implements the time- and event-driven trigger scheduler
// of the runtime: six trigger kinds (scheduled, delayed, at_time, heartbeat,
// on_event, on_idle) firing one of three actions (wake_agent, run_node,
// send_message), persisted to each agent's triggers.json and re-registered
// on agent startup.
//
// The scheduled kind's cron expressions are driven by robfig/cron's parser
// and Schedule.Next computation; the scheduler only borrows the schedule
// math and runs its own driver goroutines so every kind shares the same
// cancellation and firing path.
package trigger

import (
	"encoding/json"
	"time"
)

// Kind is one of the six trigger kinds.
type Kind string

const (
	KindScheduled Kind = "scheduled"
	KindDelayed   Kind = "delayed"
	KindAtTime    Kind = "at_time"
	KindHeartbeat Kind = "heartbeat"
	KindOnEvent   Kind = "on_event"
	KindOnIdle    Kind = "on_idle"
)

// Status is a trigger's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusExpired Status = "expired"
	StatusFired   Status = "fired"
)

// ActionKind selects what a firing trigger does.
type ActionKind string

const (
	ActionWakeAgent   ActionKind = "wake_agent"
	ActionRunNode     ActionKind = "run_node"
	ActionSendMessage ActionKind = "send_message"
)

// Action is the effect dispatched when a trigger fires. Exactly the fields
// for its Kind are set.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Task    string     `json:"task,omitempty"`    // wake_agent
	NodeID  string     `json:"node_id,omitempty"` // run_node
	To      string     `json:"to,omitempty"`      // send_message
	Content string     `json:"content,omitempty"` // send_message
}

// Metadata carries the per-kind firing parameters. Durations are stored as
// strings ("5m", "30s") so triggers.json stays hand-editable.
type Metadata struct {
	Delay         string            `json:"delay,omitempty"`          // delayed
	At            time.Time         `json:"at,omitempty"`             // at_time
	Cron          string            `json:"cron,omitempty"`           // scheduled
	Interval      string            `json:"interval,omitempty"`       // heartbeat
	EventType     string            `json:"event_type,omitempty"`     // on_event; "node.*" style prefix wildcard
	Filter        map[string]string `json:"filter,omitempty"`         // on_event; matched against Event.Data
	IdleThreshold string            `json:"idle_threshold,omitempty"` // on_idle
}

// Trigger is one registered trigger.
type Trigger struct {
	ID       string   `json:"id"`
	AgentID  string   `json:"agent_id"`
	Kind     Kind     `json:"type"`
	Metadata Metadata `json:"metadata"`
	Action   Action   `json:"action"`
	Status   Status   `json:"status"`
}

// MarshalFile renders triggers as the triggers.json document.
func MarshalFile(triggers []Trigger) ([]byte, error) {
	return json.MarshalIndent(triggers, "", "  ")
}

// UnmarshalFile parses a triggers.json document. An empty or missing file
// parses to no triggers.
func UnmarshalFile(raw []byte) ([]Trigger, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []Trigger
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
