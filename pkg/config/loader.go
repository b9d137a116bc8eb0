package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: built-in defaults overlaid with
// the YAML file at path (if path is non-empty), then validated. Keys absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		slog.Info("Loaded configuration overlay", "path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would break kernel
// invariants. Messages name the offending key and the constraint.
func (c *Config) Validate() error {
	if c.Budget.MaxConcurrentRuns < 1 {
		return fmt.Errorf("budget.max_concurrent_runs must be >= 1, got %d", c.Budget.MaxConcurrentRuns)
	}
	if c.Budget.MaxDepth < 0 {
		return fmt.Errorf("budget.max_depth must be >= 0, got %d", c.Budget.MaxDepth)
	}
	if c.Budget.MaxChildrenPerRun < 0 {
		return fmt.Errorf("budget.max_children_per_run must be >= 0, got %d", c.Budget.MaxChildrenPerRun)
	}
	if c.MessageRuntime.MaxAttempts < 1 {
		return fmt.Errorf("message_runtime.max_attempts must be >= 1, got %d", c.MessageRuntime.MaxAttempts)
	}
	if c.MessageRuntime.ReceiveLease <= 0 {
		return fmt.Errorf("message_runtime.receive_lease must be positive, got %s", c.MessageRuntime.ReceiveLease.Std())
	}
	if c.MessageRuntime.NackRequeueDelay < 0 {
		return fmt.Errorf("message_runtime.nack_requeue_delay must be >= 0, got %s", c.MessageRuntime.NackRequeueDelay.Std())
	}
	if c.MessageRuntime.DedupWindow < 0 {
		return fmt.Errorf("message_runtime.dedup_window must be >= 0, got %s", c.MessageRuntime.DedupWindow.Std())
	}
	if c.Injection.ReceiveLimit < 1 {
		return fmt.Errorf("injection.receive_limit must be >= 1, got %d", c.Injection.ReceiveLimit)
	}
	if c.Injection.Lease <= 0 {
		return fmt.Errorf("injection.lease must be positive, got %s", c.Injection.Lease.Std())
	}
	if c.AutoDispatch.Debounce <= 0 {
		return fmt.Errorf("auto_dispatch.debounce must be positive, got %s", c.AutoDispatch.Debounce.Std())
	}
	if c.AutoDispatch.ReceiveLimit < 1 {
		return fmt.Errorf("auto_dispatch.receive_limit must be >= 1, got %d", c.AutoDispatch.ReceiveLimit)
	}
	if c.SemanticRouting.MinScore < 0 || c.SemanticRouting.MinScore > 1 {
		return fmt.Errorf("semantic_routing.min_score must be in [0,1], got %g", c.SemanticRouting.MinScore)
	}
	for i, r := range c.MessagingPolicy.AllowedRules {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("messaging_policy.allowed_rules[%d]: from and to are required (use \"*\" for any)", i)
		}
	}
	for i, r := range c.MessagingPolicy.BlockedRules {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("messaging_policy.blocked_rules[%d]: from and to are required (use \"*\" for any)", i)
		}
	}
	return nil
}
