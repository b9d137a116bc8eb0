// Package store is the authoritative in-memory state of the kernel: agent
// profiles, run records, route bindings, sticky sessions, the session→agent
// index, and the per-agent mailboxes.
//
// The store exclusively owns every mutable collection. All return values are
// copies; callers can never mutate internal state through them. Top-level
// registries share one RWMutex; each agent's mailbox has its own lock so
// mailbox traffic for different agents does not contend.
package store

import (
	"sort"
	"sync"

	"github.com/hivekit/hive/pkg/models"
)

// Store holds all kernel state for the process lifetime.
type Store struct {
	mu        sync.RWMutex
	profiles  map[string]*models.AgentProfile
	runs      map[string]*models.RunRecord
	bindings  map[string]*models.Binding
	sticky    map[string]string
	sessions  map[string]string // session id → agent id
	mailboxes map[string]*mailbox
}

// New creates an empty store.
func New() *Store {
	return &Store{
		profiles:  make(map[string]*models.AgentProfile),
		runs:      make(map[string]*models.RunRecord),
		bindings:  make(map[string]*models.Binding),
		sticky:    make(map[string]string),
		sessions:  make(map[string]string),
		mailboxes: make(map[string]*mailbox),
	}
}

// --- Agent profiles ---

// SaveProfile stores a copy of the profile, replacing any previous
// registration under the same agent id.
func (s *Store) SaveProfile(p *models.AgentProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.AgentID] = p.Clone()
}

// GetProfile returns a copy of the profile, or nil if unknown.
func (s *Store) GetProfile(agentID string) *models.AgentProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[agentID].Clone()
}

// ListProfiles returns copies of all profiles sorted by agent id, so
// iteration order (and therefore router tie-breaking) is stable.
func (s *Store) ListProfiles() []*models.AgentProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AgentProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// --- Runs ---

// SaveRun stores a copy of the run record.
func (s *Store) SaveRun(r *models.RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunID] = r.Clone()
}

// GetRun returns a copy of the run record, or nil if unknown.
func (s *Store) GetRun(runID string) *models.RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[runID].Clone()
}

// UpdateRun applies mutate to the stored record under the store lock.
// Returns false if the run is unknown.
func (s *Store) UpdateRun(runID string, mutate func(*models.RunRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false
	}
	mutate(r)
	return true
}

// ActiveRunCount returns the number of runs in queued or running state
// across all agents.
func (s *Store) ActiveRunCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		if r.Status == models.RunStatusQueued || r.Status == models.RunStatusRunning {
			n++
		}
	}
	return n
}

// ActiveRunCountForAgent returns the number of queued or running runs for
// one agent. The router uses this as its load signal.
func (s *Store) ActiveRunCountForAgent(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		if r.AgentID == agentID && (r.Status == models.RunStatusQueued || r.Status == models.RunStatusRunning) {
			n++
		}
	}
	return n
}

// HasActiveRunForAgent reports whether the agent has any queued or running run.
func (s *Store) HasActiveRunForAgent(agentID string) bool {
	return s.ActiveRunCountForAgent(agentID) > 0
}

// ChildRuns returns copies of all runs whose parent is parentRunID, sorted
// by creation time then run id.
func (s *Store) ChildRuns(parentRunID string) []*models.RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.RunRecord
	for _, r := range s.runs {
		if r.ParentRunID == parentRunID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// ChildRunCount returns the number of runs spawned under a parent run.
func (s *Store) ChildRunCount(parentRunID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		if r.ParentRunID == parentRunID {
			n++
		}
	}
	return n
}

// --- Route bindings ---

// SaveBinding stores a copy of the binding.
func (s *Store) SaveBinding(b *models.Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.BindingID] = b.Clone()
}

// GetBinding returns a copy of the binding, or nil if unknown.
func (s *Store) GetBinding(bindingID string) *models.Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindings[bindingID].Clone()
}

// DeleteBinding removes a binding. Returns whether it existed.
func (s *Store) DeleteBinding(bindingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bindings[bindingID]
	delete(s.bindings, bindingID)
	return ok
}

// ListBindings returns copies of all bindings sorted by ascending priority,
// then binding id for stability.
func (s *Store) ListBindings() []*models.Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].BindingID < out[j].BindingID
	})
	return out
}

// --- Sticky sessions ---

// StickyAgent returns the agent bound to a sticky key.
func (s *Store) StickyAgent(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agentID, ok := s.sticky[key]
	return agentID, ok
}

// SetSticky binds a sticky key to an agent. No eviction: the mapping lives
// for the process lifetime.
func (s *Store) SetSticky(key, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky[key] = agentID
}

// DeleteSticky removes a sticky mapping. Returns whether it existed.
func (s *Store) DeleteSticky(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sticky[key]
	delete(s.sticky, key)
	return ok
}

// --- Session index ---

// SetSessionAgent records which agent owns a conversation session. The
// runtime maintains this whenever a run starts; messaging tools resolve the
// calling agent through it.
func (s *Store) SetSessionAgent(sessionID, agentID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = agentID
}

// AgentForSession resolves a session id to its owning agent.
func (s *Store) AgentForSession(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agentID, ok := s.sessions[sessionID]
	return agentID, ok
}
