package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivekit/hive/pkg/models"
)

// leaseExpiredReason is recorded on messages dead-lettered because their
// lease expired with no attempt budget left.
const leaseExpiredReason = "lease expired after max attempts"

// NackResult reports the outcome of a negative acknowledgement.
type NackResult struct {
	Requeued     bool            `json:"requeued"`
	DeadLettered bool            `json:"dead_lettered"`
	Message      *models.Message `json:"message,omitempty"`
}

// DrainResult reports what a mailbox drain removed.
type DrainResult struct {
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
}

type idempotencyEntry struct {
	messageID string
	expiresAt time.Time
}

// mailbox is the per-recipient message state. One canonical *models.Message
// per message moves between queue, inFlight and dlq; index keeps a handle to
// every message ever enqueued so terminal statuses stay observable.
type mailbox struct {
	mu           sync.Mutex
	queue        []*models.Message
	inFlight     map[string]*models.Message
	dlq          []*models.Message
	index        map[string]*models.Message
	idempotency  map[string]idempotencyEntry
	partitionSeq map[string]uint64
}

func newMailbox() *mailbox {
	return &mailbox{
		inFlight:     make(map[string]*models.Message),
		index:        make(map[string]*models.Message),
		idempotency:  make(map[string]idempotencyEntry),
		partitionSeq: make(map[string]uint64),
	}
}

// mailboxFor returns the recipient's mailbox, creating it on first use.
func (s *Store) mailboxFor(agentID string) *mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[agentID]
	if !ok {
		mb = newMailbox()
		s.mailboxes[agentID] = mb
	}
	return mb
}

// insertOrdered places msg into the queue before the first queued message of
// the same partition with a higher sequence, preserving per-partition
// sequence order. Across partitions any order is acceptable.
func (mb *mailbox) insertOrdered(msg *models.Message) {
	for i, cur := range mb.queue {
		if cur.PartitionKey == msg.PartitionKey && cur.PartitionSeq > msg.PartitionSeq {
			mb.queue = append(mb.queue, nil)
			copy(mb.queue[i+1:], mb.queue[i:])
			mb.queue[i] = msg
			return
		}
	}
	mb.queue = append(mb.queue, msg)
}

// Enqueue assigns identity and partition position to the message and places
// it in the recipient's queue. Fields the caller already set (message id,
// visibility, max attempts) are kept. Returns a copy of the stored message.
func (s *Store) Enqueue(msg *models.Message, now time.Time) *models.Message {
	mb := s.mailboxFor(msg.To)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	stored := msg.Clone()
	if stored.MessageID == "" {
		stored.MessageID = uuid.New().String()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = now
	}
	if stored.VisibleAt.IsZero() {
		stored.VisibleAt = now
	}
	if stored.PartitionKey == "" {
		if stored.Topic != "" {
			stored.PartitionKey = stored.Topic
		} else {
			stored.PartitionKey = models.DefaultPartitionKey
		}
	}
	stored.Status = models.MessageStatusQueued
	stored.LeaseUntil = nil

	mb.partitionSeq[stored.PartitionKey]++
	stored.PartitionSeq = mb.partitionSeq[stored.PartitionKey]

	mb.insertOrdered(stored)
	mb.index[stored.MessageID] = stored
	return stored.Clone()
}

// Receive delivers up to limit eligible messages, honoring per-partition
// ordering and mutual exclusion. It first requeues or dead-letters expired
// in-flight messages, then walks the queue: a partition with an in-flight or
// not-yet-visible message blocks everything behind it in that partition.
// Delivered messages transition to in_flight with attempt+1 and a lease of
// leaseFor. Returned messages are copies.
func (s *Store) Receive(agentID string, now time.Time, limit int, leaseFor time.Duration) []*models.Message {
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.reclaimExpired(now)

	blocked := make(map[string]bool, len(mb.inFlight))
	for _, m := range mb.inFlight {
		blocked[m.PartitionKey] = true
	}

	var delivered []*models.Message
	kept := mb.queue[:0]
	for i, msg := range mb.queue {
		if blocked[msg.PartitionKey] {
			kept = append(kept, msg)
			continue
		}
		if msg.VisibleAt.After(now) {
			// Nothing behind it in this partition may jump ahead.
			blocked[msg.PartitionKey] = true
			kept = append(kept, msg)
			continue
		}
		if limit >= 0 && len(delivered) == limit {
			kept = append(kept, mb.queue[i:]...)
			break
		}
		if msg.Attempt+1 > msg.MaxAttempts {
			// Exhausted before delivery; does not count toward the limit.
			mb.deadLetter(msg, msg.LastError)
			continue
		}
		msg.Status = models.MessageStatusInFlight
		msg.Attempt++
		lease := now.Add(leaseFor)
		msg.LeaseUntil = &lease
		mb.inFlight[msg.MessageID] = msg
		blocked[msg.PartitionKey] = true
		delivered = append(delivered, msg.Clone())
	}
	mb.queue = kept

	return delivered
}

// reclaimExpired requeues or dead-letters every in-flight message whose
// lease has passed. Called under the mailbox lock at the top of Receive;
// there is no separate timer.
func (mb *mailbox) reclaimExpired(now time.Time) {
	for id, msg := range mb.inFlight {
		if msg.LeaseUntil == nil || msg.LeaseUntil.After(now) {
			continue
		}
		delete(mb.inFlight, id)
		if msg.Attempt >= msg.MaxAttempts {
			mb.deadLetter(msg, leaseExpiredReason)
			continue
		}
		msg.Status = models.MessageStatusQueued
		msg.LeaseUntil = nil
		msg.VisibleAt = now
		mb.insertOrdered(msg)
	}
}

// deadLetter moves a message to the DLQ with a terminal status.
func (mb *mailbox) deadLetter(msg *models.Message, reason string) {
	msg.Status = models.MessageStatusDeadLetter
	msg.LeaseUntil = nil
	if reason != "" {
		msg.LastError = reason
	}
	mb.dlq = append(mb.dlq, msg)
}

// Ack marks an in-flight message as terminally acknowledged. Returns false
// when no matching in-flight message exists.
func (s *Store) Ack(agentID, messageID string) bool {
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	msg, ok := mb.inFlight[messageID]
	if !ok {
		return false
	}
	delete(mb.inFlight, messageID)
	msg.Status = models.MessageStatusAcked
	msg.LeaseUntil = nil
	return true
}

// Nack returns an in-flight message to the queue with a visibility delay,
// or dead-letters it when its attempt budget is spent. The zero NackResult
// means the message was not in flight.
func (s *Store) Nack(agentID, messageID, errMsg string, requeueDelay time.Duration, now time.Time) NackResult {
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	msg, ok := mb.inFlight[messageID]
	if !ok {
		return NackResult{}
	}
	delete(mb.inFlight, messageID)
	msg.LastError = errMsg

	if msg.Attempt >= msg.MaxAttempts {
		mb.deadLetter(msg, errMsg)
		return NackResult{DeadLettered: true, Message: msg.Clone()}
	}

	msg.Status = models.MessageStatusQueued
	msg.LeaseUntil = nil
	msg.VisibleAt = now.Add(requeueDelay)
	mb.insertOrdered(msg)
	return NackResult{Requeued: true, Message: msg.Clone()}
}

// ListDeadLetters returns copies of up to limit dead-lettered messages in
// the order they were quarantined. limit <= 0 means all.
func (s *Store) ListDeadLetters(agentID string, limit int) []*models.Message {
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	n := len(mb.dlq)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*models.Message, 0, n)
	for _, msg := range mb.dlq[:n] {
		out = append(out, msg.Clone())
	}
	return out
}

// RequeueDeadLetter moves a DLQ message back to the queue as a new logical
// attempt, visible after delay. resetAttempts restores the full attempt
// budget. Returns nil when the message is not in the DLQ.
func (s *Store) RequeueDeadLetter(agentID, messageID string, delay time.Duration, resetAttempts bool, now time.Time) *models.Message {
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for i, msg := range mb.dlq {
		if msg.MessageID != messageID {
			continue
		}
		mb.dlq = append(mb.dlq[:i], mb.dlq[i+1:]...)
		msg.Status = models.MessageStatusQueued
		msg.VisibleAt = now.Add(delay)
		msg.LeaseUntil = nil
		msg.LastError = ""
		if resetAttempts {
			msg.Attempt = 0
		}
		mb.insertOrdered(msg)
		return msg.Clone()
	}
	return nil
}

// DrainMailbox discards all queued and in-flight messages for an agent.
// Late acks or nacks for drained messages become no-ops. The DLQ is kept.
func (s *Store) DrainMailbox(agentID string) DrainResult {
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	res := DrainResult{Queued: len(mb.queue), InFlight: len(mb.inFlight)}
	mb.queue = nil
	mb.inFlight = make(map[string]*models.Message)
	return res
}

// GetMessage returns a copy of any message known to the recipient's mailbox
// (queued, in flight, acked or dead-lettered), or nil.
func (s *Store) GetMessage(agentID, messageID string) *models.Message {
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.index[messageID].Clone()
}

// MailboxCounts returns the queued, in-flight and dead-letter depths for an
// agent. Consumed by the health endpoint.
func (s *Store) MailboxCounts(agentID string) (queued, inFlight, deadLettered int) {
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue), len(mb.inFlight), len(mb.dlq)
}

// MailboxAgents returns the ids of all agents with a mailbox, sorted.
func (s *Store) MailboxAgents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.mailboxes))
	for id := range s.mailboxes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SaveIdempotency records key → messageID for the recipient until expiresAt,
// sweeping expired entries first.
func (s *Store) SaveIdempotency(agentID, key, messageID string, expiresAt, now time.Time) {
	if key == "" {
		return
	}
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for k, e := range mb.idempotency {
		if !e.expiresAt.After(now) {
			delete(mb.idempotency, k)
		}
	}
	mb.idempotency[key] = idempotencyEntry{messageID: messageID, expiresAt: expiresAt}
}

// FindMessageByIdempotency returns a copy of the message indexed under the
// key, or nil when the key is unknown or its entry has expired.
func (s *Store) FindMessageByIdempotency(agentID, key string, now time.Time) *models.Message {
	if key == "" {
		return nil
	}
	mb := s.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, ok := mb.idempotency[key]
	if !ok || !e.expiresAt.After(now) {
		return nil
	}
	return mb.index[e.messageID].Clone()
}
