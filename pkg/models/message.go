package models

import "time"

// MessageStatus represents the delivery state of an inter-agent message.
type MessageStatus string

// Message delivery states. queued ↔ in_flight → {acked, dead_letter};
// acked and dead_letter are terminal (a dead-lettered message can be
// recreated in the queue via requeue, which is a new logical attempt).
const (
	MessageStatusQueued     MessageStatus = "queued"
	MessageStatusInFlight   MessageStatus = "in_flight"
	MessageStatusAcked      MessageStatus = "acked"
	MessageStatusDeadLetter MessageStatus = "dead_letter"
)

// DefaultPartitionKey is used when a message carries neither an explicit
// partition key nor a topic.
const DefaultPartitionKey = "__default__"

// Message is one inter-agent mailbox message. PartitionSeq is assigned at
// enqueue and is monotonically increasing per (To, PartitionKey); delivery
// within a partition follows PartitionSeq order with at most one message in
// flight at a time.
type Message struct {
	MessageID      string         `json:"message_id"`
	Timestamp      time.Time      `json:"timestamp"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	Payload        map[string]any `json:"payload,omitempty"`
	Topic          string         `json:"topic,omitempty"`
	PartitionKey   string         `json:"partition_key"`
	PartitionSeq   uint64         `json:"partition_seq"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	VisibleAt      time.Time      `json:"visible_at"`
	LeaseUntil     *time.Time     `json:"lease_until,omitempty"`
	Status         MessageStatus  `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	RunID          string         `json:"run_id,omitempty"`
}

// Clone returns a copy safe to hand to callers. The payload map is copied
// one level deep; nested values are shared (callers treat payloads as
// read-only by convention).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.LeaseUntil != nil {
		t := *m.LeaseUntil
		out.LeaseUntil = &t
	}
	if m.Payload != nil {
		out.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			out.Payload[k] = v
		}
	}
	return &out
}
