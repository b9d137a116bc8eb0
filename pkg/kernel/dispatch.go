package kernel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hivekit/hive/pkg/bus"
	"github.com/hivekit/hive/pkg/runtime"
)

// defaultDispatchInput is the run input when no input builder is configured.
// It tells the woken agent what to do with its mailbox, in order.
const defaultDispatchInput = "You have pending inter-agent messages. " +
	"Call receive_messages to fetch them, handle each one, " +
	"then ack_messages for the messages you processed and nack_message for any you could not. " +
	"If deliveries keep failing, inspect list_dead_letters."

// Trigger records the agent.message event that scheduled a dispatch. With
// coalescing only the most recent trigger per recipient survives.
type Trigger struct {
	AgentID   string
	MessageID string
	From      string
	Topic     string
	At        time.Time
}

// dispatcher wakes message recipients: each agent.message event schedules a
// debounced execute of the recipient, coalescing bursts into one run.
type dispatcher struct {
	k *Kernel

	mu          sync.Mutex
	timers      map[string]*time.Timer
	triggers    map[string]Trigger
	inFlight    map[string]bool
	unsubscribe func()
	closed      bool
}

func newDispatcher(k *Kernel) *dispatcher {
	return &dispatcher{
		k:        k,
		timers:   make(map[string]*time.Timer),
		triggers: make(map[string]Trigger),
		inFlight: make(map[string]bool),
	}
}

// start subscribes to agent.message events. No-op when auto-dispatch is
// disabled.
func (d *dispatcher) start() {
	if !d.k.cfg.AutoDispatch.Enabled {
		return
	}
	d.unsubscribe = d.k.bus.Subscribe(
		bus.Filter{Types: []string{bus.EventTypeAgentMessage}}, d.onMessage)
}

// stop cancels all timers and drops pending triggers. Idempotent.
func (d *dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	for agentID, timer := range d.timers {
		timer.Stop()
		delete(d.timers, agentID)
	}
	d.triggers = make(map[string]Trigger)
	d.inFlight = make(map[string]bool)
}

// onMessage records the latest trigger for the recipient and (re)schedules
// the debounce timer. N events inside the debounce window collapse into one
// dispatch.
func (d *dispatcher) onMessage(e bus.Event) {
	agentID := e.AgentID
	if agentID == "" {
		return
	}
	messageID, _ := e.Payload["messageId"].(string)
	from, _ := e.Payload["from"].(string)
	topic, _ := e.Payload["topic"].(string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.triggers[agentID] = Trigger{
		AgentID:   agentID,
		MessageID: messageID,
		From:      from,
		Topic:     topic,
		At:        e.Timestamp,
	}
	d.schedule(agentID, d.k.cfg.AutoDispatch.Debounce.Std())
}

// schedule arms or rearms the recipient's one-shot timer. Caller holds d.mu.
func (d *dispatcher) schedule(agentID string, delay time.Duration) {
	if timer, ok := d.timers[agentID]; ok {
		timer.Reset(delay)
		return
	}
	d.timers[agentID] = time.AfterFunc(delay, func() { d.fire(agentID) })
}

// fire runs one dispatch attempt for the recipient.
func (d *dispatcher) fire(agentID string) {
	debounce := d.k.cfg.AutoDispatch.Debounce.Std()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	trigger, ok := d.triggers[agentID]
	if !ok {
		delete(d.timers, agentID)
		d.mu.Unlock()
		return
	}
	if d.k.cfg.AutoDispatch.SkipRunning() && d.k.state.HasActiveRunForAgent(agentID) {
		d.schedule(agentID, debounce)
		d.mu.Unlock()
		return
	}
	if d.inFlight[agentID] {
		d.mu.Unlock()
		return
	}
	d.inFlight[agentID] = true
	delete(d.timers, agentID)
	d.mu.Unlock()

	input := defaultDispatchInput
	if d.k.dispatchInput != nil {
		input = d.k.dispatchInput(trigger)
	}

	_, err := d.k.Execute(runtime.Command{
		AgentID: agentID,
		Input:   input,
		Metadata: map[string]any{
			"autoDispatch":     true,
			"triggerMessageId": trigger.MessageID,
		},
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[agentID] = false
	if d.closed {
		return
	}
	if err != nil {
		slog.Warn("Auto-dispatch failed", "agent_id", agentID, "error", err)
		d.k.bus.Publish(bus.Event{
			Type:    bus.EventTypeRunFailed,
			AgentID: agentID,
			Payload: map[string]any{"error": "auto-dispatch failed: " + err.Error()},
		})
		d.schedule(agentID, debounce)
		return
	}
	// A trigger recorded while the execute was in progress is newer than the
	// one just dispatched; keep it and reschedule so it gets its own run.
	if cur, ok := d.triggers[agentID]; ok {
		if cur == trigger {
			delete(d.triggers, agentID)
		} else {
			d.schedule(agentID, debounce)
		}
	}
}
