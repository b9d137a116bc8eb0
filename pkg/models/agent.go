// Package models defines the shared data model of the orchestration kernel:
// agent profiles, run records, route bindings and inter-agent messages.
// Every mutable collection of these entities is owned by pkg/store; other
// packages only ever see copies.
package models

// Provider is the LLM backend an agent talks to. The kernel never calls it
// directly — it is handed to the agent factory when a run starts.
type Provider interface {
	// Generate produces a model response for the given request. The request
	// and response shapes are owned by the integrating application; the
	// kernel treats them as opaque.
	Generate(request any) (any, error)
}

// ToolRegistry holds the tools available to an agent inside its loop.
type ToolRegistry interface {
	HasTool(name string) bool
	Register(tools []Tool)
}

// Tool is a named capability an agent can invoke from its loop.
type Tool struct {
	Name        string
	Description string
	Handler     func(input map[string]any) (any, error)
}

// MemoryManager is the optional long-lived memory attached to an agent.
type MemoryManager interface {
	Initialize() error
	Close() error
}

// Capabilities describes what an agent is good at. The router's semantic
// scorer matches request intents against these fields.
type Capabilities struct {
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Domains  []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	Tools    []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Summary  string   `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// AgentLimits are per-agent execution limits. Zero values fall back to the
// engine defaults at execution time.
type AgentLimits struct {
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	MaxLoops   int `json:"max_loops,omitempty" yaml:"max_loops,omitempty"`
	TimeoutMs  int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// AgentProfile is the registration record for one agent. Profiles are
// created by RegisterAgent and mutated only by re-registering; they are
// never destroyed for the lifetime of the process.
type AgentProfile struct {
	AgentID      string            `json:"agent_id"`
	Role         string            `json:"role,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Model        string            `json:"model,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Limits       AgentLimits       `json:"limits,omitempty"`
	Thinking     bool              `json:"thinking,omitempty"`
	PlanMode     bool              `json:"plan_mode,omitempty"`
	Capabilities Capabilities      `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Collaborator handles. Not serialized; wired programmatically.
	Provider Provider      `json:"-"`
	Tools    ToolRegistry  `json:"-"`
	Memory   MemoryManager `json:"-"`

	// DisableMessaging opts the agent out of the messaging tool set.
	DisableMessaging bool `json:"disable_messaging,omitempty"`
}

// Clone returns a copy safe to hand outside the store. Collaborator handles
// are shared (they are not kernel-owned state); maps and slices are copied.
func (p *AgentProfile) Clone() *AgentProfile {
	if p == nil {
		return nil
	}
	out := *p
	out.Capabilities.Keywords = append([]string(nil), p.Capabilities.Keywords...)
	out.Capabilities.Domains = append([]string(nil), p.Capabilities.Domains...)
	out.Capabilities.Tools = append([]string(nil), p.Capabilities.Tools...)
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
