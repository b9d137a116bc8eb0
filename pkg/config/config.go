// Package config defines the kernel configuration: built-in defaults,
// optional YAML overlay, and validation with actionable messages.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can use human-readable
// strings ("60s", "250ms") or raw nanosecond integers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string or an integer. The integer
// form is tried first: yaml.v3 decodes integer scalars into strings as well,
// so the string branch alone would swallow them and fail in ParseDuration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer, got %q", node.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) { return d.Std().String(), nil }

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	// Addr is the listen address of the HTTP API.
	Addr string `yaml:"addr"`

	// WSWriteTimeout bounds each WebSocket write.
	WSWriteTimeout Duration `yaml:"ws_write_timeout"`

	// ShutdownTimeout is the grace period for in-flight HTTP requests
	// during shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BudgetConfig limits run fan-out.
type BudgetConfig struct {
	// MaxConcurrentRuns caps runs in queued or running state across all agents.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// MaxDepth caps the parent chain length of a run (root run has depth 0).
	MaxDepth int `yaml:"max_depth"`

	// MaxChildrenPerRun caps agents spawned under one parent run.
	MaxChildrenPerRun int `yaml:"max_children_per_run"`
}

// MessageRuntimeConfig tunes the mailbox engine.
type MessageRuntimeConfig struct {
	// MaxAttempts is the default delivery attempt budget per message.
	MaxAttempts int `yaml:"max_attempts"`

	// ReceiveLease is how long a delivered message stays leased before
	// the next receive pass requeues or dead-letters it.
	ReceiveLease Duration `yaml:"receive_lease"`

	// NackRequeueDelay is the default visibility delay applied on nack.
	NackRequeueDelay Duration `yaml:"nack_requeue_delay"`

	// DedupWindow is how long an idempotency key suppresses duplicate sends.
	// Zero disables deduplication.
	DedupWindow Duration `yaml:"dedup_window"`

	// EnforceTopicPartitionOrder serializes delivery per topic. When false,
	// each send gets a unique partition so deliveries do not block each other.
	EnforceTopicPartitionOrder *bool `yaml:"enforce_topic_partition_order"`
}

// TopicPartitionOrder reports the effective EnforceTopicPartitionOrder
// value (nil means enabled).
func (c MessageRuntimeConfig) TopicPartitionOrder() bool {
	return c.EnforceTopicPartitionOrder == nil || *c.EnforceTopicPartitionOrder
}

// InjectionConfig controls loop-boundary message injection.
type InjectionConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	ReceiveLimit int      `yaml:"receive_limit"`
	Lease        Duration `yaml:"lease"`
}

// IsEnabled reports whether injection is on (nil means enabled).
func (c InjectionConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// AutoDispatchConfig controls the wake-on-message loop.
type AutoDispatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Debounce Duration `yaml:"debounce"`

	// ReceiveLimit caps the messages an auto-dispatch run drains per loop
	// boundary, replacing InjectionConfig.ReceiveLimit for those runs.
	ReceiveLimit int `yaml:"receive_limit"`

	// Lease is the in-flight lease for auto-dispatch receives. Zero means
	// use MessageRuntimeConfig.ReceiveLease.
	Lease Duration `yaml:"lease"`

	// SkipIfAgentRunning reschedules the dispatch instead of executing when
	// the recipient already has a queued or running run.
	SkipIfAgentRunning *bool `yaml:"skip_if_agent_running"`
}

// SkipRunning reports the effective SkipIfAgentRunning value (nil means on).
func (c AutoDispatchConfig) SkipRunning() bool {
	return c.SkipIfAgentRunning == nil || *c.SkipIfAgentRunning
}

// SemanticRoutingConfig controls intent-based routing. The weights are
// tuning knobs; the defaults reproduce the scorer's reference behavior.
type SemanticRoutingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MinScore       float64 `yaml:"min_score"`
	PreferBindings *bool   `yaml:"prefer_bindings"`

	// SubstringWeight scores a keyword found as a substring of the query.
	SubstringWeight float64 `yaml:"substring_weight"`

	// TokenWeight scores a keyword found as a whole query token.
	TokenWeight float64 `yaml:"token_weight"`

	// LoadPenalty is subtracted from the score per active run of a candidate.
	LoadPenalty float64 `yaml:"load_penalty"`
}

// BindingsPreferred reports the effective PreferBindings value (nil means on).
func (c SemanticRoutingConfig) BindingsPreferred() bool {
	return c.PreferBindings == nil || *c.PreferBindings
}

// MessageRule is a from/to pair; "*" matches any agent id.
type MessageRule struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// MessagingPolicyConfig restricts who may message whom and on which topics.
// Evaluation order: blocked rules, then allowed topics, then allowed rules.
type MessagingPolicyConfig struct {
	AllowedTopics []string      `yaml:"allowed_topics"`
	AllowedRules  []MessageRule `yaml:"allowed_rules"`
	BlockedRules  []MessageRule `yaml:"blocked_rules"`
}

// Config is the complete kernel configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Budget          BudgetConfig          `yaml:"budget"`
	MessageRuntime  MessageRuntimeConfig  `yaml:"message_runtime"`
	Injection       InjectionConfig       `yaml:"injection"`
	AutoDispatch    AutoDispatchConfig    `yaml:"auto_dispatch"`
	SemanticRouting SemanticRoutingConfig `yaml:"semantic_routing"`
	MessagingPolicy MessagingPolicyConfig `yaml:"messaging_policy"`

	// DefaultAgent is the router's last-resort target. Empty means routing
	// fails when nothing else matches.
	DefaultAgent string `yaml:"default_agent"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			WSWriteTimeout:  Duration(10 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Budget: BudgetConfig{
			MaxConcurrentRuns: 8,
			MaxDepth:          4,
			MaxChildrenPerRun: 16,
		},
		MessageRuntime: MessageRuntimeConfig{
			MaxAttempts:      3,
			ReceiveLease:     Duration(60 * time.Second),
			NackRequeueDelay: Duration(5 * time.Second),
			DedupWindow:      Duration(60 * time.Second),
		},
		Injection: InjectionConfig{
			ReceiveLimit: 10,
			Lease:        Duration(15 * time.Second),
		},
		AutoDispatch: AutoDispatchConfig{
			Debounce:     Duration(250 * time.Millisecond),
			ReceiveLimit: 10,
		},
		SemanticRouting: SemanticRoutingConfig{
			MinScore:        0.2,
			SubstringWeight: 1.0,
			TokenWeight:     0.6,
			LoadPenalty:     0.05,
		},
	}
}
