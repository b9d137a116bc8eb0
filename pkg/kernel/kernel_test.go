package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivekit/hive/pkg/bus"
	"github.com/hivekit/hive/pkg/config"
	"github.com/hivekit/hive/pkg/models"
	"github.com/hivekit/hive/pkg/router"
	"github.com/hivekit/hive/pkg/runtime"
)

// echoAgent completes immediately, echoing its input. Agents listed in
// harness.blocking instead park until released.
type echoAgent struct {
	agentID string
	h       *kernelHarness
}

func (a *echoAgent) ExecuteWithResult(ctx context.Context, input string) (*runtime.Result, error) {
	a.h.mu.Lock()
	block := a.h.blocking[a.agentID]
	a.h.mu.Unlock()
	if block != nil {
		<-block
	}
	return &runtime.Result{Status: runtime.ResultCompleted, FinalMessage: "echo: " + input}, nil
}

func (a *echoAgent) Abort()            {}
func (a *echoAgent) Close() error      { return nil }
func (a *echoAgent) SessionID() string { return "sess-" + a.agentID }

type kernelHarness struct {
	k *Kernel

	mu       sync.Mutex
	started  map[string]int           // agent id → factory invocations
	inputs   map[string][]string      // agent id → run inputs
	blocking map[string]chan struct{} // agents that park until the channel closes
	events   []bus.Event
}

func newKernelHarness(t *testing.T, mutate func(*config.Config), opts ...Option) *kernelHarness {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	h := &kernelHarness{
		started:  make(map[string]int),
		inputs:   make(map[string][]string),
		blocking: make(map[string]chan struct{}),
	}
	factory := func(o runtime.AgentOptions) (runtime.Agent, error) {
		h.mu.Lock()
		h.started[o.Profile.AgentID]++
		h.mu.Unlock()
		return &echoAgent{agentID: o.Profile.AgentID, h: h}, nil
	}
	h.k = New(cfg, factory, opts...)
	t.Cleanup(h.k.Close)
	h.k.Bus().Subscribe(bus.Filter{}, func(e bus.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	return h
}

func (h *kernelHarness) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.k.RegisterAgent(&models.AgentProfile{AgentID: id})
		require.NoError(t, err)
	}
}

func (h *kernelHarness) eventsOfType(eventType string) []bus.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []bus.Event
	for _, e := range h.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (h *kernelHarness) startCount(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started[agentID]
}

func (h *kernelHarness) waitTerminal(t *testing.T, runID string) *models.RunRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := h.k.RunStatus(runID)
		return err == nil && rec.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)
	rec, err := h.k.RunStatus(runID)
	require.NoError(t, err)
	return rec
}

// Two sends with the same idempotency key inside the window collapse into
// one delivered message carrying the first payload.
func TestSendMessage_DedupWithinWindow(t *testing.T) {
	h := newKernelHarness(t, nil)
	h.register(t, "a", "b")

	first, err := h.k.SendMessage(&models.Message{
		From: "a", To: "b", Topic: "t1", IdempotencyKey: "k1",
		Payload: map[string]any{"n": 1},
	})
	require.NoError(t, err)

	second, err := h.k.SendMessage(&models.Message{
		From: "a", To: "b", Topic: "t1", IdempotencyKey: "k1",
		Payload: map[string]any{"n": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, second.MessageID)

	delivered := h.k.ReceiveMailbox("b", 10, 0)
	require.Len(t, delivered, 1)
	assert.Equal(t, 1, delivered[0].Payload["n"])

	assert.Len(t, h.eventsOfType(bus.EventTypeAgentMessage), 1)
	deduped := h.eventsOfType(bus.EventTypeMessageDeduplicated)
	require.Len(t, deduped, 1)
	assert.Equal(t, first.MessageID, deduped[0].Payload["messageId"])
}

func TestSendMessage_TopicInferredFromPayload(t *testing.T) {
	h := newKernelHarness(t, nil)
	h.register(t, "a", "b")

	sent, err := h.k.SendMessage(&models.Message{
		From: "a", To: "b",
		Payload: map[string]any{"topic": "reviews", "idempotencyKey": "ik-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "reviews", sent.Topic)
	assert.Equal(t, "reviews", sent.PartitionKey)
	assert.Equal(t, "ik-1", sent.IdempotencyKey)
}

// With topic order enforced, a second message on the same topic stays queued
// behind the first; a different topic delivers immediately.
func TestSendMessage_TopicPartitionOrder(t *testing.T) {
	h := newKernelHarness(t, nil)
	h.register(t, "a", "b")

	m1, err := h.k.SendMessage(&models.Message{From: "a", To: "b", Topic: "A", Payload: map[string]any{"i": 1}})
	require.NoError(t, err)
	_, err = h.k.SendMessage(&models.Message{From: "a", To: "b", Topic: "A", Payload: map[string]any{"i": 2}})
	require.NoError(t, err)
	m3, err := h.k.SendMessage(&models.Message{From: "a", To: "b", Topic: "B", Payload: map[string]any{"i": 3}})
	require.NoError(t, err)

	delivered := h.k.ReceiveMailbox("b", 10, 0)
	require.Len(t, delivered, 2)
	assert.Equal(t, m1.MessageID, delivered[0].MessageID)
	assert.Equal(t, m3.MessageID, delivered[1].MessageID)
}

func TestSendMessage_UnorderedTopicsGetUniquePartitions(t *testing.T) {
	off := false
	h := newKernelHarness(t, func(c *config.Config) {
		c.MessageRuntime.EnforceTopicPartitionOrder = &off
	})
	h.register(t, "a", "b")

	for i := 0; i < 3; i++ {
		_, err := h.k.SendMessage(&models.Message{From: "a", To: "b", Topic: "A"})
		require.NoError(t, err)
	}
	delivered := h.k.ReceiveMailbox("b", 10, 0)
	assert.Len(t, delivered, 3, "unique partitions never block each other")
}

// Retry to DLQ and requeue with attempt reset (store semantics through the
// kernel surface, with the events the store cannot publish itself).
func TestNack_RetryToDeadLetterAndRequeue(t *testing.T) {
	h := newKernelHarness(t, nil)
	h.register(t, "a", "b")

	sent, err := h.k.SendMessage(&models.Message{From: "a", To: "b", MaxAttempts: 2})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		delivered := h.k.ReceiveMailbox("b", 1, 0)
		require.Len(t, delivered, 1)
		assert.Equal(t, attempt, delivered[0].Attempt)
		h.k.NackMailbox("b", sent.MessageID, "handler failed", 0)
	}

	assert.Empty(t, h.k.ReceiveMailbox("b", 10, 0))
	dlq := h.k.ListDeadLetters("b", 0)
	require.Len(t, dlq, 1)
	assert.Equal(t, models.MessageStatusDeadLetter, dlq[0].Status)

	require.Len(t, h.eventsOfType(bus.EventTypeMessageNacked), 1)
	require.Len(t, h.eventsOfType(bus.EventTypeMessageDeadLetter), 1)

	requeued := h.k.RequeueDeadLetter("b", sent.MessageID, 0, true)
	require.NotNil(t, requeued)
	assert.Equal(t, 0, requeued.Attempt)

	delivered := h.k.ReceiveMailbox("b", 1, 0)
	require.Len(t, delivered, 1)
	assert.Equal(t, 1, delivered[0].Attempt)
}

func TestAckMailbox_PublishesEvent(t *testing.T) {
	h := newKernelHarness(t, nil)
	h.register(t, "a", "b")

	sent, err := h.k.SendMessage(&models.Message{From: "a", To: "b"})
	require.NoError(t, err)
	require.Len(t, h.k.ReceiveMailbox("b", 1, 0), 1)

	assert.True(t, h.k.AckMailbox("b", sent.MessageID))
	assert.False(t, h.k.AckMailbox("b", sent.MessageID), "double ack is a no-op")
	assert.Len(t, h.eventsOfType(bus.EventTypeMessageAcked), 1)
}

// Property 8: denied operations leave no trace.
func TestPolicyGating(t *testing.T) {
	h := newKernelHarness(t, func(c *config.Config) {
		c.Budget.MaxConcurrentRuns = 0
		c.MessagingPolicy.BlockedRules = []config.MessageRule{{From: "a", To: "b"}}
	})
	h.register(t, "a", "b")

	_, err := h.k.Execute(runtime.Command{AgentID: "a", Input: "x"})
	assert.ErrorIs(t, err, ErrPolicyDenied)
	assert.Equal(t, 0, h.k.State().ActiveRunCount())
	assert.Empty(t, h.eventsOfType(bus.EventTypeRunQueued))

	_, err = h.k.SendMessage(&models.Message{From: "a", To: "b"})
	assert.ErrorIs(t, err, ErrPolicyDenied)
	assert.Empty(t, h.k.ReceiveMailbox("b", 10, 0))
	assert.Empty(t, h.eventsOfType(bus.EventTypeAgentMessage))
}

func TestExecute_DepthFromParent(t *testing.T) {
	h := newKernelHarness(t, func(c *config.Config) { c.Budget.MaxDepth = 1 })
	h.register(t, "a")

	root, err := h.k.Execute(runtime.Command{AgentID: "a", Input: "root"})
	require.NoError(t, err)
	rootRec := h.waitTerminal(t, root.RunID)
	assert.Equal(t, 0, rootRec.Depth)

	child, err := h.k.Execute(runtime.Command{AgentID: "a", ParentRunID: root.RunID})
	require.NoError(t, err)
	childRec := h.waitTerminal(t, child.RunID)
	assert.Equal(t, 1, childRec.Depth)

	// Depth 2 exceeds the budget.
	_, err = h.k.Execute(runtime.Command{AgentID: "a", ParentRunID: child.RunID})
	assert.ErrorIs(t, err, ErrPolicyDenied)

	// A missing parent still counts as one level below a root.
	orphan, err := h.k.Execute(runtime.Command{AgentID: "a", ParentRunID: "gone"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.waitTerminal(t, orphan.RunID).Depth)
}

func TestExecute_UnknownAgent(t *testing.T) {
	h := newKernelHarness(t, nil)
	_, err := h.k.Execute(runtime.Command{AgentID: "ghost"})
	assert.ErrorIs(t, err, runtime.ErrAgentNotFound)
}

func TestRouteAndExecute_RecordsDecision(t *testing.T) {
	h := newKernelHarness(t, func(c *config.Config) { c.DefaultAgent = "a" })
	h.register(t, "a")

	handle, decision, err := h.k.RouteAndExecute(router.Request{Channel: "web", ThreadID: "th-1"}, "do it")
	require.NoError(t, err)
	assert.Equal(t, "a", decision.AgentID)

	rec := h.waitTerminal(t, handle.RunID)
	assert.Equal(t, models.RunStatusCompleted, rec.Status)
	assert.Equal(t, "echo: do it", rec.Output)
	require.NotNil(t, rec.Metadata["routeDecision"])
}

func TestSpawn_InheritanceAndOverride(t *testing.T) {
	h := newKernelHarness(t, nil)
	_, err := h.k.RegisterAgent(&models.AgentProfile{
		AgentID:      "controller",
		Model:        "base-model",
		SystemPrompt: "you coordinate work",
		Limits:       models.AgentLimits{MaxLoops: 12},
	})
	require.NoError(t, err)

	child, err := h.k.Spawn(SpawnCommand{
		ControllerAgentID: "controller",
		Profile: models.AgentProfile{
			Role:  "worker",
			Model: "small-model",
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, child.AgentID)
	assert.NotEqual(t, "controller", child.AgentID)
	assert.Equal(t, "small-model", child.Model, "override wins")
	assert.Equal(t, "you coordinate work", child.SystemPrompt, "prompt inherited")
	assert.Equal(t, 12, child.Limits.MaxLoops, "limits inherited")
	assert.Equal(t, "controller", child.Metadata["spawned_by"])

	spawned := h.eventsOfType(bus.EventTypeAgentSpawned)
	require.Len(t, spawned, 1)
	assert.Equal(t, child.AgentID, spawned[0].AgentID)
	assert.Equal(t, "controller", spawned[0].Payload["controllerAgentId"])
}

func TestSpawn_ChildBudget(t *testing.T) {
	h := newKernelHarness(t, func(c *config.Config) { c.Budget.MaxChildrenPerRun = 1 })
	h.register(t, "controller")

	root, err := h.k.Execute(runtime.Command{AgentID: "controller"})
	require.NoError(t, err)
	h.waitTerminal(t, root.RunID)

	// One child run exists under root; the budget of one is spent.
	child, err := h.k.Execute(runtime.Command{AgentID: "controller", ParentRunID: root.RunID})
	require.NoError(t, err)
	h.waitTerminal(t, child.RunID)

	_, err = h.k.Spawn(SpawnCommand{ControllerAgentID: "controller", ParentRunID: root.RunID})
	assert.ErrorIs(t, err, ErrPolicyDenied)

	// Spawning without a parent run is not budgeted.
	_, err = h.k.Spawn(SpawnCommand{ControllerAgentID: "controller"})
	assert.NoError(t, err)
}

func TestBuildRunGraph(t *testing.T) {
	h := newKernelHarness(t, nil)
	h.register(t, "a")

	root, err := h.k.Execute(runtime.Command{AgentID: "a"})
	require.NoError(t, err)
	h.waitTerminal(t, root.RunID)
	c1, err := h.k.Execute(runtime.Command{AgentID: "a", ParentRunID: root.RunID})
	require.NoError(t, err)
	h.waitTerminal(t, c1.RunID)
	c2, err := h.k.Execute(runtime.Command{AgentID: "a", ParentRunID: c1.RunID})
	require.NoError(t, err)
	h.waitTerminal(t, c2.RunID)

	graph, err := h.k.BuildRunGraph(root.RunID)
	require.NoError(t, err)
	assert.Equal(t, root.RunID, graph.Run.RunID)
	require.Len(t, graph.Children, 1)
	assert.Equal(t, c1.RunID, graph.Children[0].Run.RunID)
	require.Len(t, graph.Children[0].Children, 1)
	assert.Equal(t, c2.RunID, graph.Children[0].Children[0].Run.RunID)

	_, err = h.k.BuildRunGraph("missing")
	assert.ErrorIs(t, err, runtime.ErrRunNotFound)
}

type fakeRegistry struct {
	mu    sync.Mutex
	tools map[string]models.Tool
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{tools: make(map[string]models.Tool)} }

func (f *fakeRegistry) HasTool(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tools[name]
	return ok
}

func (f *fakeRegistry) Register(ts []models.Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range ts {
		f.tools[t.Name] = t
	}
}

func TestRegisterAgent_AttachesMessagingTools(t *testing.T) {
	h := newKernelHarness(t, nil)

	registry := newFakeRegistry()
	_, err := h.k.RegisterAgent(&models.AgentProfile{AgentID: "coder", Tools: registry})
	require.NoError(t, err)
	for _, name := range []string{"send_message", "receive_messages", "ack_messages",
		"nack_message", "list_dead_letters", "requeue_dead_letter"} {
		assert.True(t, registry.HasTool(name), name)
	}

	// Re-registering does not re-attach.
	before := len(registry.tools)
	_, err = h.k.RegisterAgent(&models.AgentProfile{AgentID: "coder", Tools: registry})
	require.NoError(t, err)
	assert.Equal(t, before, len(registry.tools))

	// Messaging opt-out leaves the registry alone.
	optOut := newFakeRegistry()
	_, err = h.k.RegisterAgent(&models.AgentProfile{AgentID: "quiet", Tools: optOut, DisableMessaging: true})
	require.NoError(t, err)
	assert.False(t, optOut.HasTool("send_message"))

	_, err = h.k.RegisterAgent(&models.AgentProfile{})
	assert.ErrorIs(t, err, ErrInvalidProfile)
}
