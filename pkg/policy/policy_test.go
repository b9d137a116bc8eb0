package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hivekit/hive/pkg/config"
	"github.com/hivekit/hive/pkg/models"
)

type fakeStats struct {
	active   int
	children map[string]int
}

func (f *fakeStats) ActiveRunCount() int { return f.active }
func (f *fakeStats) ChildRunCount(parentRunID string) int {
	return f.children[parentRunID]
}

type fakeProfiles map[string]*models.AgentProfile

func (f fakeProfiles) GetProfile(agentID string) *models.AgentProfile { return f[agentID] }

func newEngine(mutate func(*config.Config), stats *fakeStats, profiles fakeProfiles) *Engine {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	if stats == nil {
		stats = &fakeStats{}
	}
	if profiles == nil {
		profiles = fakeProfiles{}
	}
	return New(cfg, stats, profiles)
}

func TestCanExecute_DepthBudget(t *testing.T) {
	e := newEngine(func(c *config.Config) { c.Budget.MaxDepth = 2 }, nil, nil)

	assert.True(t, e.CanExecute(ExecuteCheck{Depth: 0}).Allowed)
	assert.True(t, e.CanExecute(ExecuteCheck{Depth: 2}).Allowed)

	d := e.CanExecute(ExecuteCheck{Depth: 3})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "depth")
}

func TestCanExecute_ConcurrencyBudget(t *testing.T) {
	stats := &fakeStats{active: 8}
	e := newEngine(nil, stats, nil)

	d := e.CanExecute(ExecuteCheck{})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "budget exhausted")

	stats.active = 7
	assert.True(t, e.CanExecute(ExecuteCheck{}).Allowed)
}

func TestCanSpawn_ChildBudget(t *testing.T) {
	stats := &fakeStats{children: map[string]int{"run-1": 16}}
	e := newEngine(nil, stats, nil)

	assert.True(t, e.CanSpawn(SpawnCheck{ControllerAgentID: "c"}).Allowed, "no parent run means no child budget")

	d := e.CanSpawn(SpawnCheck{ControllerAgentID: "c", ParentRunID: "run-1"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "child budget")

	assert.True(t, e.CanSpawn(SpawnCheck{ControllerAgentID: "c", ParentRunID: "run-2"}).Allowed)
}

func TestCanMessage_RuleOrdering(t *testing.T) {
	tests := []struct {
		name    string
		policy  config.MessagingPolicyConfig
		check   MessageCheck
		allowed bool
	}{
		{
			name:    "no policy allows everything",
			check:   MessageCheck{From: "a", To: "b"},
			allowed: true,
		},
		{
			name: "blocked rule wins",
			policy: config.MessagingPolicyConfig{
				BlockedRules: []config.MessageRule{{From: "a", To: "b"}},
				AllowedRules: []config.MessageRule{{From: "*", To: "*"}},
			},
			check:   MessageCheck{From: "a", To: "b"},
			allowed: false,
		},
		{
			name: "wildcard block source",
			policy: config.MessagingPolicyConfig{
				BlockedRules: []config.MessageRule{{From: "*", To: "quarantined"}},
			},
			check:   MessageCheck{From: "anyone", To: "quarantined"},
			allowed: false,
		},
		{
			name: "allowed topics require a topic",
			policy: config.MessagingPolicyConfig{
				AllowedTopics: []string{"reviews"},
			},
			check:   MessageCheck{From: "a", To: "b"},
			allowed: false,
		},
		{
			name: "topic outside allowed set",
			policy: config.MessagingPolicyConfig{
				AllowedTopics: []string{"reviews"},
			},
			check:   MessageCheck{From: "a", To: "b", Topic: "gossip"},
			allowed: false,
		},
		{
			name: "topic inside allowed set",
			policy: config.MessagingPolicyConfig{
				AllowedTopics: []string{"reviews"},
			},
			check:   MessageCheck{From: "a", To: "b", Topic: "reviews"},
			allowed: true,
		},
		{
			name: "allowed rules deny non-matching pairs",
			policy: config.MessagingPolicyConfig{
				AllowedRules: []config.MessageRule{{From: "controller", To: "*"}},
			},
			check:   MessageCheck{From: "rogue", To: "b"},
			allowed: false,
		},
		{
			name: "allowed rules pass matching pairs",
			policy: config.MessagingPolicyConfig{
				AllowedRules: []config.MessageRule{{From: "controller", To: "*"}},
			},
			check:   MessageCheck{From: "controller", To: "b"},
			allowed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(func(c *config.Config) { c.MessagingPolicy = tt.policy }, nil, nil)
			d := e.CanMessage(tt.check)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestResolveModel(t *testing.T) {
	profiles := fakeProfiles{"coder": {AgentID: "coder", Model: "profile-model"}}
	e := newEngine(nil, nil, profiles)

	assert.Equal(t, "requested", e.ResolveModel("coder", "requested"))
	assert.Equal(t, "profile-model", e.ResolveModel("coder", ""))
	assert.Equal(t, "", e.ResolveModel("unknown", ""))
}
