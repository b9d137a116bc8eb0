// Package router resolves external requests to an agent id. Resolution
// order: sticky session, then semantic scoring (when enabled and the request
// carries an intent), then binding match, then the configured default agent.
// Every non-sticky decision pins the sticky key so later requests in the
// same conversation hit the same agent.
package router

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/hivekit/hive/pkg/config"
	"github.com/hivekit/hive/pkg/models"
	"github.com/hivekit/hive/pkg/store"
)

// ErrNoRoute is returned when no sticky mapping, binding, semantic hit or
// default agent resolves the request.
var ErrNoRoute = errors.New("no route: no binding matched and no default agent configured")

// Routing decision reasons.
const (
	ReasonSticky   = "sticky"
	ReasonBinding  = "binding"
	ReasonSemantic = "semantic"
	ReasonDefault  = "default"
)

// Request describes an inbound external request.
type Request struct {
	Channel  string         `json:"channel,omitempty"`
	Account  string         `json:"account,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	Intent   string         `json:"intent,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// StickyKey overrides the derived channel:account:thread key.
	StickyKey string `json:"sticky_key,omitempty"`
}

// Decision is the routing outcome.
type Decision struct {
	AgentID       string  `json:"agent_id"`
	Reason        string  `json:"reason"`
	StickyKey     string  `json:"sticky_key"`
	BindingID     string  `json:"binding_id,omitempty"`
	SemanticScore float64 `json:"semantic_score,omitempty"`
}

// Router matches requests against the state store's bindings and profiles.
type Router struct {
	cfg          config.SemanticRoutingConfig
	defaultAgent string
	state        *store.Store
}

// New creates a router over the given state.
func New(cfg *config.Config, state *store.Store) *Router {
	return &Router{
		cfg:          cfg.SemanticRouting,
		defaultAgent: cfg.DefaultAgent,
		state:        state,
	}
}

// Route resolves the request to an agent.
func (r *Router) Route(req Request) (Decision, error) {
	key := stickyKey(req)

	if agentID, ok := r.state.StickyAgent(key); ok {
		return Decision{AgentID: agentID, Reason: ReasonSticky, StickyKey: key}, nil
	}

	matched := r.matchBindings(req)

	if query := semanticQuery(req); r.cfg.Enabled && query != "" {
		if d, ok := r.routeSemantic(query, matched); ok {
			d.StickyKey = key
			r.state.SetSticky(key, d.AgentID)
			return d, nil
		}
	}

	if len(matched) > 0 {
		d := Decision{AgentID: matched[0].AgentID, Reason: ReasonBinding, StickyKey: key, BindingID: matched[0].BindingID}
		r.state.SetSticky(key, d.AgentID)
		return d, nil
	}

	if r.defaultAgent != "" {
		d := Decision{AgentID: r.defaultAgent, Reason: ReasonDefault, StickyKey: key}
		r.state.SetSticky(key, d.AgentID)
		return d, nil
	}

	return Decision{}, ErrNoRoute
}

// stickyKey builds the session key: an explicit override, or
// channel:account:thread with "*" for missing parts.
func stickyKey(req Request) string {
	if req.StickyKey != "" {
		return req.StickyKey
	}
	part := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	return fmt.Sprintf("%s:%s:%s", part(req.Channel), part(req.Account), part(req.ThreadID))
}

// matchBindings returns enabled bindings whose selectors accept the request,
// in ascending priority order.
func (r *Router) matchBindings(req Request) []*models.Binding {
	var matched []*models.Binding
	for _, b := range r.state.ListBindings() {
		if !b.IsEnabled() {
			continue
		}
		if b.Channel != "" && b.Channel != req.Channel {
			continue
		}
		if b.Account != "" && b.Account != req.Account {
			continue
		}
		if b.ThreadPrefix != "" && !strings.HasPrefix(req.ThreadID, b.ThreadPrefix) {
			continue
		}
		matched = append(matched, b)
	}
	return matched
}

// semanticQuery extracts the routing intent from the request: the explicit
// Intent field, or the first intent-carrying metadata key.
func semanticQuery(req Request) string {
	if req.Intent != "" {
		return req.Intent
	}
	for _, key := range []string{"semanticQuery", "query", "task", "objective", "message", "input"} {
		if v, ok := req.Metadata[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// routeSemantic scores candidates against the query and returns the best
// one when it clears the minimum score. Candidates are the matched binding
// agents when bindings are preferred and non-empty, otherwise every
// registered agent. Ties keep the first candidate (iteration order is
// stable: binding priority order, or profile id order).
func (r *Router) routeSemantic(query string, matched []*models.Binding) (Decision, bool) {
	type candidate struct {
		agentID   string
		bindingID string
	}
	var candidates []candidate
	if r.cfg.BindingsPreferred() && len(matched) > 0 {
		seen := make(map[string]bool)
		for _, b := range matched {
			if seen[b.AgentID] {
				continue
			}
			seen[b.AgentID] = true
			candidates = append(candidates, candidate{agentID: b.AgentID, bindingID: b.BindingID})
		}
	} else {
		for _, p := range r.state.ListProfiles() {
			candidates = append(candidates, candidate{agentID: p.AgentID})
		}
	}
	if len(candidates) == 0 {
		return Decision{}, false
	}

	loweredQuery := strings.ToLower(query)
	queryTokens := tokenize(loweredQuery)

	best := Decision{SemanticScore: -1}
	for _, c := range candidates {
		score := r.score(c.agentID, loweredQuery, queryTokens)
		if score > best.SemanticScore {
			best = Decision{
				AgentID:       c.agentID,
				Reason:        ReasonSemantic,
				BindingID:     c.bindingID,
				SemanticScore: score,
			}
		}
	}
	if best.SemanticScore < r.cfg.MinScore {
		return Decision{}, false
	}
	return best, true
}

// score computes the normalized keyword score of one agent minus its load
// penalty, clamped at zero.
func (r *Router) score(agentID, loweredQuery string, queryTokens map[string]bool) float64 {
	keywords := r.keywordsFor(agentID)
	if len(keywords) == 0 {
		return 0
	}

	var raw float64
	for kw := range keywords {
		switch {
		case strings.Contains(loweredQuery, kw):
			raw += r.cfg.SubstringWeight
		case queryTokens[kw]:
			raw += r.cfg.TokenWeight
		}
	}

	score := raw / float64(len(keywords))
	score -= r.cfg.LoadPenalty * float64(r.state.ActiveRunCountForAgent(agentID))
	if score < 0 {
		score = 0
	}
	return score
}

// keywordsFor collects the lowercased keyword set of an agent: its id, role,
// its bindings' selectors, and its declared capabilities.
func (r *Router) keywordsFor(agentID string) map[string]bool {
	keywords := make(map[string]bool)
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			keywords[s] = true
		}
	}

	add(agentID)
	if p := r.state.GetProfile(agentID); p != nil {
		add(p.Role)
		for _, kw := range p.Capabilities.Keywords {
			add(kw)
		}
		for _, kw := range p.Capabilities.Domains {
			add(kw)
		}
		for _, kw := range p.Capabilities.Tools {
			add(kw)
		}
		add(p.Capabilities.Summary)
	}
	for _, b := range r.state.ListBindings() {
		if b.AgentID != agentID {
			continue
		}
		add(b.Channel)
		add(b.Account)
		add(b.ThreadPrefix)
	}
	return keywords
}

// tokenize splits on runs of anything that is not a letter or digit. CJK
// characters are letters, so unsegmented CJK text stays one token and is
// matched by the substring rule instead.
func tokenize(s string) map[string]bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]bool, len(fields))
	for _, f := range fields {
		tokens[f] = true
	}
	return tokens
}
