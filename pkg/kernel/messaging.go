package kernel

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hivekit/hive/pkg/bus"
	"github.com/hivekit/hive/pkg/models"
	"github.com/hivekit/hive/pkg/policy"
	"github.com/hivekit/hive/pkg/store"
)

func policyMessageCheck(msg *models.Message, topic string) policy.MessageCheck {
	return policy.MessageCheck{From: msg.From, To: msg.To, Topic: topic, RunID: msg.RunID}
}

// SendMessage enqueues an inter-agent message. Topic and idempotency key are
// taken from the explicit fields or inferred from the payload; duplicate
// sends inside the dedup window return the existing message unchanged.
func (k *Kernel) SendMessage(msg *models.Message) (*models.Message, error) {
	if msg == nil || msg.From == "" || msg.To == "" {
		return nil, fmt.Errorf("%w: from and to are required", ErrInvalidMessage)
	}
	now := time.Now()

	topic := msg.Topic
	if topic == "" {
		topic, _ = msg.Payload["topic"].(string)
	}
	idempotencyKey := msg.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey, _ = msg.Payload["idempotencyKey"].(string)
	}

	dedupWindow := k.cfg.MessageRuntime.DedupWindow.Std()
	if idempotencyKey != "" && dedupWindow > 0 {
		if existing := k.state.FindMessageByIdempotency(msg.To, idempotencyKey, now); existing != nil {
			k.bus.Publish(bus.Event{
				Type:    bus.EventTypeMessageDeduplicated,
				RunID:   msg.RunID,
				AgentID: msg.To,
				Payload: map[string]any{
					"messageId":      existing.MessageID,
					"idempotencyKey": idempotencyKey,
					"from":           msg.From,
				},
			})
			return existing, nil
		}
	}

	if d := k.policy.CanMessage(policyMessageCheck(msg, topic)); !d.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrPolicyDenied, d.Reason)
	}

	send := msg.Clone()
	send.Topic = topic
	send.IdempotencyKey = idempotencyKey
	send.Timestamp = now
	if send.MaxAttempts <= 0 {
		send.MaxAttempts = k.cfg.MessageRuntime.MaxAttempts
	}
	if send.PartitionKey == "" {
		send.PartitionKey = k.partitionKeyFor(topic)
	}

	stored := k.state.Enqueue(send, now)
	if idempotencyKey != "" && dedupWindow > 0 {
		k.state.SaveIdempotency(msg.To, idempotencyKey, stored.MessageID, now.Add(dedupWindow), now)
	}

	k.bus.Publish(bus.Event{
		Type:    bus.EventTypeAgentMessage,
		RunID:   stored.RunID,
		AgentID: stored.To,
		Payload: map[string]any{
			"messageId":    stored.MessageID,
			"from":         stored.From,
			"to":           stored.To,
			"topic":        stored.Topic,
			"partitionKey": stored.PartitionKey,
		},
	})
	return stored, nil
}

// partitionKeyFor serializes per topic when topic order is enforced;
// otherwise each send gets its own partition so deliveries never block each
// other.
func (k *Kernel) partitionKeyFor(topic string) string {
	if k.cfg.MessageRuntime.TopicPartitionOrder() {
		if topic == "" {
			return models.DefaultPartitionKey
		}
		return topic
	}
	base := topic
	if base == "" {
		base = models.DefaultPartitionKey
	}
	return fmt.Sprintf("%s:%s", base, uuid.New().String()[:8])
}

// ReceiveMailbox delivers up to limit messages for the agent. A non-positive
// lease falls back to the configured receive lease.
func (k *Kernel) ReceiveMailbox(agentID string, limit int, lease time.Duration) []*models.Message {
	if lease <= 0 {
		lease = k.cfg.MessageRuntime.ReceiveLease.Std()
	}
	return k.state.Receive(agentID, time.Now(), limit, lease)
}

// AckMailbox acknowledges one in-flight message and publishes
// agent.message.acked. Returns false for unknown or not-in-flight ids.
func (k *Kernel) AckMailbox(agentID, messageID string) bool {
	if !k.state.Ack(agentID, messageID) {
		return false
	}
	k.bus.Publish(bus.Event{
		Type:    bus.EventTypeMessageAcked,
		AgentID: agentID,
		Payload: map[string]any{"messageId": messageID},
	})
	return true
}

// NackMailbox negatively acknowledges one in-flight message. A negative
// requeueDelay falls back to the configured nack delay. Publishes
// agent.message.nacked or agent.message.dead_letter per the outcome.
func (k *Kernel) NackMailbox(agentID, messageID, errMsg string, requeueDelay time.Duration) store.NackResult {
	if requeueDelay < 0 {
		requeueDelay = k.cfg.MessageRuntime.NackRequeueDelay.Std()
	}
	res := k.state.Nack(agentID, messageID, errMsg, requeueDelay, time.Now())
	switch {
	case res.DeadLettered:
		k.bus.Publish(bus.Event{
			Type:    bus.EventTypeMessageDeadLetter,
			AgentID: agentID,
			Payload: map[string]any{"messageId": messageID, "error": errMsg},
		})
	case res.Requeued:
		k.bus.Publish(bus.Event{
			Type:    bus.EventTypeMessageNacked,
			AgentID: agentID,
			Payload: map[string]any{"messageId": messageID, "error": errMsg},
		})
	}
	return res
}

// ListDeadLetters returns up to limit quarantined messages for the agent.
func (k *Kernel) ListDeadLetters(agentID string, limit int) []*models.Message {
	return k.state.ListDeadLetters(agentID, limit)
}

// RequeueDeadLetter moves a DLQ message back into the queue as a new logical
// attempt. Returns nil when the message is not dead-lettered.
func (k *Kernel) RequeueDeadLetter(agentID, messageID string, delay time.Duration, resetAttempts bool) *models.Message {
	return k.state.RequeueDeadLetter(agentID, messageID, delay, resetAttempts, time.Now())
}

// DrainMailbox discards the agent's queued and in-flight messages.
func (k *Kernel) DrainMailbox(agentID string) store.DrainResult {
	return k.state.DrainMailbox(agentID)
}
