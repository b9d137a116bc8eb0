// Package policy gates kernel operations: execution budgets, spawn budgets
// and messaging rules. All checks are pure reads; denials carry a reason
// string the caller surfaces verbatim.
package policy

import (
	"fmt"

	"github.com/hivekit/hive/pkg/config"
	"github.com/hivekit/hive/pkg/models"
)

// RunStats is the read-only view of run state the engine consults.
// Implemented by the state store.
type RunStats interface {
	ActiveRunCount() int
	ChildRunCount(parentRunID string) int
}

// ProfileReader resolves agent profiles for model resolution.
// Implemented by the state store.
type ProfileReader interface {
	GetProfile(agentID string) *models.AgentProfile
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// ExecuteCheck is the input to CanExecute.
type ExecuteCheck struct {
	AgentID     string
	ParentRunID string
	Depth       int
}

// SpawnCheck is the input to CanSpawn.
type SpawnCheck struct {
	ControllerAgentID string
	ParentRunID       string
}

// MessageCheck is the input to CanMessage.
type MessageCheck struct {
	From  string
	To    string
	Topic string
	RunID string
}

// Engine evaluates budget and messaging policy against live run state.
type Engine struct {
	budget    config.BudgetConfig
	messaging config.MessagingPolicyConfig
	stats     RunStats
	profiles  ProfileReader
}

// New creates a policy engine bound to the given configuration and state.
func New(cfg *config.Config, stats RunStats, profiles ProfileReader) *Engine {
	return &Engine{
		budget:    cfg.Budget,
		messaging: cfg.MessagingPolicy,
		stats:     stats,
		profiles:  profiles,
	}
}

// CanExecute denies when the run would exceed the depth budget or the
// process-wide concurrent run budget.
func (e *Engine) CanExecute(check ExecuteCheck) Decision {
	if check.Depth > e.budget.MaxDepth {
		return deny("run depth %d exceeds max depth %d", check.Depth, e.budget.MaxDepth)
	}
	if active := e.stats.ActiveRunCount(); active >= e.budget.MaxConcurrentRuns {
		return deny("active run budget exhausted: %d of %d runs in flight", active, e.budget.MaxConcurrentRuns)
	}
	return allow()
}

// CanSpawn denies when the parent run has already spawned its full child
// budget.
func (e *Engine) CanSpawn(check SpawnCheck) Decision {
	if check.ParentRunID == "" {
		return allow()
	}
	if children := e.stats.ChildRunCount(check.ParentRunID); children >= e.budget.MaxChildrenPerRun {
		return deny("child budget exhausted for run %s: %d of %d children", check.ParentRunID, children, e.budget.MaxChildrenPerRun)
	}
	return allow()
}

// CanMessage applies, in order: blocked rules, the allowed-topics set, then
// allowed rules. "*" in a rule matches any agent id.
func (e *Engine) CanMessage(check MessageCheck) Decision {
	for _, r := range e.messaging.BlockedRules {
		if ruleMatches(r, check.From, check.To) {
			return deny("messaging blocked by rule %s -> %s", r.From, r.To)
		}
	}
	if len(e.messaging.AllowedTopics) > 0 {
		if check.Topic == "" {
			return deny("a topic is required; allowed topics: %v", e.messaging.AllowedTopics)
		}
		if !contains(e.messaging.AllowedTopics, check.Topic) {
			return deny("topic %q is not in the allowed set %v", check.Topic, e.messaging.AllowedTopics)
		}
	}
	if len(e.messaging.AllowedRules) > 0 {
		for _, r := range e.messaging.AllowedRules {
			if ruleMatches(r, check.From, check.To) {
				return allow()
			}
		}
		return deny("no allowed rule matches %s -> %s", check.From, check.To)
	}
	return allow()
}

// ResolveModel returns the effective model for a run: the requested model
// when given, otherwise the profile's model, otherwise empty (provider
// default).
func (e *Engine) ResolveModel(agentID, requestedModel string) string {
	if requestedModel != "" {
		return requestedModel
	}
	if p := e.profiles.GetProfile(agentID); p != nil {
		return p.Model
	}
	return ""
}

func ruleMatches(r config.MessageRule, from, to string) bool {
	return (r.From == "*" || r.From == from) && (r.To == "*" || r.To == to)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
