package models

// Binding maps request attributes to an agent with a priority. Lower
// priority values are matched first.
type Binding struct {
	BindingID    string            `json:"binding_id"`
	AgentID      string            `json:"agent_id"`
	Priority     int               `json:"priority"`
	Enabled      *bool             `json:"enabled,omitempty"`
	Channel      string            `json:"channel,omitempty"`
	Account      string            `json:"account,omitempty"`
	ThreadPrefix string            `json:"thread_prefix,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsEnabled reports whether the binding participates in matching.
// Nil means enabled.
func (b *Binding) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Clone returns a copy safe for callers to hold.
func (b *Binding) Clone() *Binding {
	if b == nil {
		return nil
	}
	out := *b
	if b.Enabled != nil {
		v := *b.Enabled
		out.Enabled = &v
	}
	if b.Metadata != nil {
		out.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
