// Package tools exposes the kernel's messaging operations as agent tools.
// Every tool call carries a sessionId; the calling agent is resolved through
// the store's session index, which the runtime maintains as runs start.
package tools

import (
	"errors"
	"fmt"
	"time"

	"github.com/hivekit/hive/pkg/models"
	"github.com/hivekit/hive/pkg/store"
)

// ErrNoSession is returned when a tool call carries no sessionId or the
// session is not bound to an agent.
var ErrNoSession = errors.New("no agent session for tool call")

// Messenger is the slice of the kernel the tool set drives.
type Messenger interface {
	SendMessage(msg *models.Message) (*models.Message, error)
	ReceiveMailbox(agentID string, limit int, lease time.Duration) []*models.Message
	AckMailbox(agentID, messageID string) bool
	NackMailbox(agentID, messageID, errMsg string, requeueDelay time.Duration) store.NackResult
	ListDeadLetters(agentID string, limit int) []*models.Message
	RequeueDeadLetter(agentID, messageID string, delay time.Duration, resetAttempts bool) *models.Message
}

// SessionResolver maps a conversation session to its owning agent.
type SessionResolver interface {
	AgentForSession(sessionID string) (string, bool)
}

// MessagingToolSet builds the six messaging tools around a kernel.
type MessagingToolSet struct {
	kernel   Messenger
	sessions SessionResolver
}

// NewMessagingToolSet creates the tool set.
func NewMessagingToolSet(kernel Messenger, sessions SessionResolver) *MessagingToolSet {
	return &MessagingToolSet{kernel: kernel, sessions: sessions}
}

// Tools returns the tool definitions for registration into an agent's tool
// registry.
func (t *MessagingToolSet) Tools() []models.Tool {
	return []models.Tool{
		{
			Name:        "send_message",
			Description: "Send a message to another agent's mailbox. Input: toAgentId, payload, topic?, idempotencyKey?, correlationId?, runId?.",
			Handler:     t.sendMessage,
		},
		{
			Name:        "receive_messages",
			Description: "Receive pending messages from your mailbox. Input: limit?, leaseMs?.",
			Handler:     t.receiveMessages,
		},
		{
			Name:        "ack_messages",
			Description: "Acknowledge processed messages. Input: messageIds (array).",
			Handler:     t.ackMessages,
		},
		{
			Name:        "nack_message",
			Description: "Reject one message for redelivery. Input: messageId, error?, requeueDelayMs?.",
			Handler:     t.nackMessage,
		},
		{
			Name:        "list_dead_letters",
			Description: "List messages that exhausted their delivery attempts. Input: limit?.",
			Handler:     t.listDeadLetters,
		},
		{
			Name:        "requeue_dead_letter",
			Description: "Move a dead-lettered message back into the queue. Input: messageId, delayMs?, resetAttempts?.",
			Handler:     t.requeueDeadLetter,
		},
	}
}

// callerAgent resolves the invoking agent from the sessionId in the input.
func (t *MessagingToolSet) callerAgent(input map[string]any) (string, error) {
	sessionID, _ := input["sessionId"].(string)
	if sessionID == "" {
		return "", fmt.Errorf("%w: sessionId is required", ErrNoSession)
	}
	agentID, ok := t.sessions.AgentForSession(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: session %s is not bound to an agent", ErrNoSession, sessionID)
	}
	return agentID, nil
}

func (t *MessagingToolSet) sendMessage(input map[string]any) (any, error) {
	from, err := t.callerAgent(input)
	if err != nil {
		return nil, err
	}
	to, _ := input["toAgentId"].(string)
	if to == "" {
		return nil, errors.New("toAgentId is required")
	}
	payload, _ := input["payload"].(map[string]any)
	msg := &models.Message{
		From:           from,
		To:             to,
		Payload:        payload,
		Topic:          stringArg(input, "topic"),
		IdempotencyKey: stringArg(input, "idempotencyKey"),
		CorrelationID:  stringArg(input, "correlationId"),
		RunID:          stringArg(input, "runId"),
	}
	return t.kernel.SendMessage(msg)
}

func (t *MessagingToolSet) receiveMessages(input map[string]any) (any, error) {
	agentID, err := t.callerAgent(input)
	if err != nil {
		return nil, err
	}
	limit := intArg(input, "limit", 10)
	lease := time.Duration(intArg(input, "leaseMs", 0)) * time.Millisecond
	return t.kernel.ReceiveMailbox(agentID, limit, lease), nil
}

// ackMessages acks each id and partitions the result into acked and
// notFound.
func (t *MessagingToolSet) ackMessages(input map[string]any) (any, error) {
	agentID, err := t.callerAgent(input)
	if err != nil {
		return nil, err
	}
	ids, err := stringSliceArg(input, "messageIds")
	if err != nil {
		return nil, err
	}
	acked := make([]string, 0, len(ids))
	notFound := make([]string, 0)
	for _, id := range ids {
		if t.kernel.AckMailbox(agentID, id) {
			acked = append(acked, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return map[string]any{"acked": acked, "notFound": notFound}, nil
}

func (t *MessagingToolSet) nackMessage(input map[string]any) (any, error) {
	agentID, err := t.callerAgent(input)
	if err != nil {
		return nil, err
	}
	messageID := stringArg(input, "messageId")
	if messageID == "" {
		return nil, errors.New("messageId is required")
	}
	delay := time.Duration(-1)
	if _, ok := input["requeueDelayMs"]; ok {
		delay = time.Duration(intArg(input, "requeueDelayMs", 0)) * time.Millisecond
	}
	return t.kernel.NackMailbox(agentID, messageID, stringArg(input, "error"), delay), nil
}

func (t *MessagingToolSet) listDeadLetters(input map[string]any) (any, error) {
	agentID, err := t.callerAgent(input)
	if err != nil {
		return nil, err
	}
	return t.kernel.ListDeadLetters(agentID, intArg(input, "limit", 0)), nil
}

func (t *MessagingToolSet) requeueDeadLetter(input map[string]any) (any, error) {
	agentID, err := t.callerAgent(input)
	if err != nil {
		return nil, err
	}
	messageID := stringArg(input, "messageId")
	if messageID == "" {
		return nil, errors.New("messageId is required")
	}
	delay := time.Duration(intArg(input, "delayMs", 0)) * time.Millisecond
	reset, _ := input["resetAttempts"].(bool)
	msg := t.kernel.RequeueDeadLetter(agentID, messageID, delay, reset)
	if msg == nil {
		return nil, fmt.Errorf("message %s is not in the dead letter queue", messageID)
	}
	return msg, nil
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// intArg reads an integer argument. JSON decoders hand numbers over as
// float64, so both are accepted.
func intArg(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func stringSliceArg(input map[string]any, key string) ([]string, error) {
	raw, ok := input[key].([]any)
	if !ok {
		if typed, ok := input[key].([]string); ok {
			return typed, nil
		}
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}
