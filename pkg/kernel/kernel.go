// Package kernel is the orchestration façade. It composes the event bus,
// state store, policy engine, router and agent runtime into one API:
// register agents, route requests, execute and spawn runs, send and manage
// inter-agent mail, and optionally wake recipients via auto-dispatch.
package kernel

import (
	"errors"
	"fmt"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/hivekit/hive/pkg/bus"
	"github.com/hivekit/hive/pkg/config"
	"github.com/hivekit/hive/pkg/models"
	"github.com/hivekit/hive/pkg/policy"
	"github.com/hivekit/hive/pkg/router"
	"github.com/hivekit/hive/pkg/runtime"
	"github.com/hivekit/hive/pkg/store"
	"github.com/hivekit/hive/pkg/tools"
)

// Sentinel errors. Runtime sentinels (ErrAgentNotFound, ErrRunNotFound) pass
// through unchanged so callers match one set.
var (
	ErrPolicyDenied   = errors.New("policy denied")
	ErrInvalidProfile = errors.New("invalid agent profile")
	ErrInvalidMessage = errors.New("invalid message")
)

// Option customizes kernel construction.
type Option func(*Kernel)

// WithDispatchInputBuilder replaces the default auto-dispatch run input with
// one built from the triggering message.
func WithDispatchInputBuilder(build func(Trigger) string) Option {
	return func(k *Kernel) { k.dispatchInput = build }
}

// Kernel owns all orchestration state and subsystems for one process.
type Kernel struct {
	cfg     *config.Config
	bus     *bus.Bus
	state   *store.Store
	policy  *policy.Engine
	router  *router.Router
	runtime *runtime.Runtime
	toolset *tools.MessagingToolSet

	dispatcher    *dispatcher
	dispatchInput func(Trigger) string
}

// New wires a kernel from configuration and the caller's agent factory.
// When auto-dispatch is enabled in the configuration its loop starts
// immediately.
func New(cfg *config.Config, factory runtime.AgentFactory, opts ...Option) *Kernel {
	k := &Kernel{
		cfg:   cfg,
		bus:   bus.New(),
		state: store.New(),
	}
	k.policy = policy.New(cfg, k.state, k.state)
	k.router = router.New(cfg, k.state)
	k.runtime = runtime.New(cfg, k.state, k.bus, factory)
	k.toolset = tools.NewMessagingToolSet(k, k.state)

	for _, opt := range opts {
		opt(k)
	}

	k.dispatcher = newDispatcher(k)
	k.dispatcher.start()
	return k
}

// Bus exposes the event bus for external subscribers (the API layer, tests).
func (k *Kernel) Bus() *bus.Bus { return k.bus }

// State exposes the state store for read-mostly collaborators.
func (k *Kernel) State() *store.Store { return k.state }

// Close stops the auto-dispatch loop and aborts live agents. Idempotent.
func (k *Kernel) Close() {
	k.dispatcher.stop()
	k.runtime.Close()
}

// --- Agents ---

// RegisterAgent persists an agent profile, attaching the messaging tool set
// to its tool registry unless messaging is disabled or the registry already
// carries send_message. Returns the stored profile.
func (k *Kernel) RegisterAgent(profile *models.AgentProfile) (*models.AgentProfile, error) {
	if profile == nil || profile.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidProfile)
	}
	if !profile.DisableMessaging && profile.Tools != nil && !profile.Tools.HasTool("send_message") {
		profile.Tools.Register(k.toolset.Tools())
	}
	k.state.SaveProfile(profile)
	return k.state.GetProfile(profile.AgentID), nil
}

// RegisterBinding persists a route binding. The binding id is generated when
// empty.
func (k *Kernel) RegisterBinding(b *models.Binding) (*models.Binding, error) {
	if b == nil || b.AgentID == "" {
		return nil, fmt.Errorf("%w: binding needs an agent id", ErrInvalidProfile)
	}
	if b.BindingID == "" {
		b.BindingID = uuid.New().String()
	}
	k.state.SaveBinding(b)
	return k.state.GetBinding(b.BindingID), nil
}

// --- Routing and execution ---

// Route resolves a request to an agent.
func (k *Kernel) Route(req router.Request) (router.Decision, error) {
	return k.router.Route(req)
}

// RouteAndExecute routes the request and executes the chosen agent with the
// routing context recorded in the run metadata.
func (k *Kernel) RouteAndExecute(req router.Request, input string) (*runtime.RunHandle, router.Decision, error) {
	decision, err := k.router.Route(req)
	if err != nil {
		return nil, router.Decision{}, err
	}
	handle, err := k.Execute(runtime.Command{
		AgentID: decision.AgentID,
		Input:   input,
		Metadata: map[string]any{
			"routeDecision": decision,
			"routeRequest":  req,
		},
	})
	if err != nil {
		return nil, decision, err
	}
	return handle, decision, nil
}

// Execute gates the command through policy, resolves its depth and model,
// and hands it to the runtime. Depth is parent.depth+1 when the parent run is
// known, 0 for roots, and 1 when the named parent is missing.
func (k *Kernel) Execute(cmd runtime.Command) (*runtime.RunHandle, error) {
	if k.state.GetProfile(cmd.AgentID) == nil {
		return nil, fmt.Errorf("%w: %s", runtime.ErrAgentNotFound, cmd.AgentID)
	}

	cmd.Depth = 0
	if cmd.ParentRunID != "" {
		if parent := k.state.GetRun(cmd.ParentRunID); parent != nil {
			cmd.Depth = parent.Depth + 1
		} else {
			cmd.Depth = 1
		}
	}

	if d := k.policy.CanExecute(policy.ExecuteCheck{
		AgentID:     cmd.AgentID,
		ParentRunID: cmd.ParentRunID,
		Depth:       cmd.Depth,
	}); !d.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrPolicyDenied, d.Reason)
	}

	cmd.Model = k.policy.ResolveModel(cmd.AgentID, cmd.Model)
	return k.runtime.Execute(cmd)
}

// Abort requests a best-effort abort of a run.
func (k *Kernel) Abort(runID string) error { return k.runtime.Abort(runID) }

// RunStatus returns a copy of the run record.
func (k *Kernel) RunStatus(runID string) (*models.RunRecord, error) {
	return k.runtime.Status(runID)
}

// Stream subscribes a listener to one run's events.
func (k *Kernel) Stream(runID string, listener func(bus.Event)) func() {
	return k.runtime.Stream(runID, listener)
}

// --- Spawn ---

// SpawnCommand derives a child agent from a controller.
type SpawnCommand struct {
	ControllerAgentID string
	ParentRunID       string

	// Profile carries the child's overrides. Unset fields inherit from the
	// controller; an empty AgentID gets a generated one.
	Profile models.AgentProfile
}

// Spawn registers a child agent derived from the controller's profile and
// publishes agent.spawned. The child inherits prompt, model, limits and
// collaborator handles unless the command overrides them.
func (k *Kernel) Spawn(cmd SpawnCommand) (*models.AgentProfile, error) {
	controller := k.state.GetProfile(cmd.ControllerAgentID)
	if controller == nil {
		return nil, fmt.Errorf("%w: %s", runtime.ErrAgentNotFound, cmd.ControllerAgentID)
	}

	if d := k.policy.CanSpawn(policy.SpawnCheck{
		ControllerAgentID: cmd.ControllerAgentID,
		ParentRunID:       cmd.ParentRunID,
	}); !d.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrPolicyDenied, d.Reason)
	}

	child := cmd.Profile
	if child.AgentID == "" {
		child.AgentID = fmt.Sprintf("%s-%s", cmd.ControllerAgentID, uuid.New().String()[:8])
	}
	if err := mergo.Merge(&child, controller); err != nil {
		return nil, fmt.Errorf("deriving child profile: %w", err)
	}
	// A child never resumes the controller's conversation.
	child.SessionID = cmd.Profile.SessionID
	if child.Metadata == nil {
		child.Metadata = make(map[string]string)
	}
	child.Metadata["spawned_by"] = cmd.ControllerAgentID
	if cmd.ParentRunID != "" {
		child.Metadata["parent_run_id"] = cmd.ParentRunID
	}

	registered, err := k.RegisterAgent(&child)
	if err != nil {
		return nil, err
	}
	k.bus.Publish(bus.Event{
		Type:    bus.EventTypeAgentSpawned,
		RunID:   cmd.ParentRunID,
		AgentID: registered.AgentID,
		Payload: map[string]any{
			"agentId":           registered.AgentID,
			"controllerAgentId": cmd.ControllerAgentID,
		},
	})
	return registered, nil
}

// --- Introspection ---

// RunNode is one node of a run tree.
type RunNode struct {
	Run      *models.RunRecord `json:"run"`
	Children []*RunNode        `json:"children,omitempty"`
}

// BuildRunGraph returns the tree of runs rooted at rootRunID.
func (k *Kernel) BuildRunGraph(rootRunID string) (*RunNode, error) {
	root := k.state.GetRun(rootRunID)
	if root == nil {
		return nil, fmt.Errorf("%w: %s", runtime.ErrRunNotFound, rootRunID)
	}
	return k.buildNode(root), nil
}

func (k *Kernel) buildNode(run *models.RunRecord) *RunNode {
	node := &RunNode{Run: run}
	for _, child := range k.state.ChildRuns(run.RunID) {
		node.Children = append(node.Children, k.buildNode(child))
	}
	return node
}

// MailboxCounters is the per-agent mailbox depth snapshot.
type MailboxCounters struct {
	Queued       int `json:"queued"`
	InFlight     int `json:"in_flight"`
	DeadLettered int `json:"dead_lettered"`
}

// Counters is the kernel health snapshot consumed by /healthz.
type Counters struct {
	ActiveRuns     int                        `json:"active_runs"`
	Agents         int                        `json:"agents"`
	BusSubscribers int                        `json:"bus_subscribers"`
	Mailboxes      map[string]MailboxCounters `json:"mailboxes,omitempty"`
}

// Counters returns a point-in-time health snapshot.
func (k *Kernel) Counters() Counters {
	c := Counters{
		ActiveRuns:     k.state.ActiveRunCount(),
		Agents:         len(k.state.ListProfiles()),
		BusSubscribers: k.bus.SubscriberCount(),
		Mailboxes:      make(map[string]MailboxCounters),
	}
	for _, agentID := range k.state.MailboxAgents() {
		queued, inFlight, dead := k.state.MailboxCounts(agentID)
		c.Mailboxes[agentID] = MailboxCounters{Queued: queued, InFlight: inFlight, DeadLettered: dead}
	}
	return c
}
