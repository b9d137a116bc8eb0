package models

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run lifecycle states. Transitions form queued → running → terminal.
// StatusCancelled is declared for forward compatibility; the kernel never
// produces it.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusAborted, RunStatusCancelled:
		return true
	}
	return false
}

// RunRecord is one invocation of an agent. Lifecycle is owned by the agent
// runtime; everyone else reads copies.
type RunRecord struct {
	RunID       string         `json:"run_id"`
	AgentID     string         `json:"agent_id"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	Depth       int            `json:"depth"`
	Status      RunStatus      `json:"status"`
	Input       string         `json:"input"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy safe for callers to hold.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
