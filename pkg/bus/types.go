// Package bus provides the in-process runtime event stream: a
// multi-subscriber pub/sub bus with filtered subscriptions and full
// replay for late subscribers.
//
// Events are immutable after publish. Fan-out is synchronous in
// subscription order; a subscriber that panics is isolated and the
// remaining subscribers still receive the event. Late subscribers do not
// see past events on Subscribe — they call Replay for catch-up.
package bus

import "time"

// Run lifecycle event types. For any run, run.queued precedes run.started,
// which precedes any run.stream events, which precede exactly one terminal
// event (run.completed, run.failed or run.aborted).
const (
	EventTypeRunQueued    = "run.queued"
	EventTypeRunStarted   = "run.started"
	EventTypeRunStream    = "run.stream"
	EventTypeRunCompleted = "run.completed"
	EventTypeRunFailed    = "run.failed"
	EventTypeRunAborted   = "run.aborted"
)

// Agent and mailbox event types.
const (
	EventTypeAgentSpawned        = "agent.spawned"
	EventTypeAgentMessage        = "agent.message"
	EventTypeMessageAcked        = "agent.message.acked"
	EventTypeMessageNacked       = "agent.message.nacked"
	EventTypeMessageDeadLetter   = "agent.message.dead_letter"
	EventTypeMessageDeduplicated = "agent.message.deduplicated"
)

// Event is the typed envelope carried on the bus. The payload is opaque at
// the bus layer; event producers document its shape per type.
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter is the conjunction of three optional predicates. The zero value
// matches every event.
type Filter struct {
	RunID   string   `json:"run_id,omitempty"`
	AgentID string   `json:"agent_id,omitempty"`
	Types   []string `json:"types,omitempty"`
}

// Matches reports whether the event passes every configured predicate.
func (f Filter) Matches(e Event) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
