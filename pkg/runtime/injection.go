package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hivekit/hive/pkg/bus"
	"github.com/hivekit/hive/pkg/models"
)

// injectionHeader prefixes the structured block appended to the agent's next
// request.
const injectionHeader = "Inter-agent messages injected at loop boundary:"

// injectionAckMode marks acks performed by the hook, as opposed to explicit
// tool or API acks.
const injectionAckMode = "in-loop-injection"

// injectedMessage is the wire shape of one message inside the injected block.
type injectedMessage struct {
	MessageID     string         `json:"messageId"`
	FromAgentID   string         `json:"fromAgentId"`
	Topic         string         `json:"topic,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// loopBoundaryHook builds the injection hook for one run. At each loop
// boundary it drains up to the configured limit from the agent's mailbox,
// appends the messages as a structured user block, and acks them. On any
// failure every delivered message is nacked with no requeue delay; nothing
// escapes into the agent loop.
//
// Auto-dispatch runs exist to drain the mailbox, so they receive with the
// auto-dispatch limit and lease instead of the injection ones; a zero
// auto-dispatch lease falls back to the runtime receive lease.
func (r *Runtime) loopBoundaryHook(agentID, runID string, autoDispatch bool) LoopBoundaryHook {
	return func(appendUserMessage AppendUserMessage) {
		if !r.cfg.Injection.IsEnabled() {
			return
		}
		limit := r.cfg.Injection.ReceiveLimit
		lease := r.cfg.Injection.Lease.Std()
		if autoDispatch {
			limit = r.cfg.AutoDispatch.ReceiveLimit
			lease = r.cfg.AutoDispatch.Lease.Std()
			if lease <= 0 {
				lease = r.cfg.MessageRuntime.ReceiveLease.Std()
			}
		}
		delivered := r.state.Receive(agentID, time.Now(), limit, lease)
		if len(delivered) == 0 {
			return
		}

		if err := r.injectAndAck(agentID, runID, delivered, appendUserMessage); err != nil {
			slog.Warn("Loop-boundary injection failed, nacking delivered messages",
				"run_id", runID, "agent_id", agentID, "count", len(delivered), "error", err)
			for _, msg := range delivered {
				r.nackInjected(agentID, runID, msg, err)
			}
		}
	}
}

// injectAndAck appends the block and acks each message, publishing
// agent.message.acked per success. Panics from appendUserMessage are
// converted to errors so the caller can roll back.
func (r *Runtime) injectAndAck(agentID, runID string, delivered []*models.Message, appendUserMessage AppendUserMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("injection panicked: %v", p)
		}
	}()

	block := make([]injectedMessage, 0, len(delivered))
	for _, msg := range delivered {
		block = append(block, injectedMessage{
			MessageID:     msg.MessageID,
			FromAgentID:   msg.From,
			Topic:         msg.Topic,
			CorrelationID: msg.CorrelationID,
			Payload:       msg.Payload,
		})
	}
	encoded, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("encoding injected messages: %w", err)
	}
	appendUserMessage(injectionHeader + "\n" + string(encoded))

	for _, msg := range delivered {
		if !r.state.Ack(agentID, msg.MessageID) {
			return fmt.Errorf("message %s was no longer in flight at ack", msg.MessageID)
		}
		r.bus.Publish(bus.Event{
			Type:    bus.EventTypeMessageAcked,
			RunID:   runID,
			AgentID: agentID,
			Payload: map[string]any{
				"messageId": msg.MessageID,
				"from":      msg.From,
				"mode":      injectionAckMode,
			},
		})
	}
	return nil
}

// nackInjected returns one delivered message to the queue (or the DLQ when
// its budget is spent) and publishes the matching event. Messages already
// acked before the failure are no-ops here.
func (r *Runtime) nackInjected(agentID, runID string, msg *models.Message, cause error) {
	res := r.state.Nack(agentID, msg.MessageID, cause.Error(), 0, time.Now())
	switch {
	case res.DeadLettered:
		r.bus.Publish(bus.Event{
			Type:    bus.EventTypeMessageDeadLetter,
			RunID:   runID,
			AgentID: agentID,
			Payload: map[string]any{"messageId": msg.MessageID, "error": cause.Error()},
		})
	case res.Requeued:
		r.bus.Publish(bus.Event{
			Type:    bus.EventTypeMessageNacked,
			RunID:   runID,
			AgentID: agentID,
			Payload: map[string]any{"messageId": msg.MessageID, "error": cause.Error()},
		})
	}
}
