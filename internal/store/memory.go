package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// InMemoryStore keeps everything in process memory. Every value crossing its
// boundary is copied, so callers never share state with the store.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.ConversationState
	queue         map[string]QueueItem
	deadLetters   []DeadLetter
	outbox        map[string]*OutboxMessage
	outboxOrder   []string
	dedup         map[string]*DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.ConversationState),
		queue:         make(map[string]QueueItem),
		outbox:        make(map[string]*OutboxMessage),
		dedup:         make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) PersistConversation(_ context.Context, state *models.ConversationState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("persist conversation: state with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[state.ID] = state.Clone()
	return nil
}

func (s *InMemoryStore) LoadConversation(_ context.Context, id string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (s *InMemoryStore) SaveQueueItem(_ context.Context, item QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.Event = item.Event.Clone()
	s.queue[item.QueueID] = item
	return nil
}

func (s *InMemoryStore) DeleteQueueItem(_ context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, queueID)
	return nil
}

func (s *InMemoryStore) ListQueueItems(_ context.Context) ([]QueueItem, error) {
	s.mu.RLock()
	items := make([]QueueItem, 0, len(s.queue))
	for _, item := range s.queue {
		item.Event = item.Event.Clone()
		items = append(items, item)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].NextAttempt.Equal(items[j].NextAttempt) {
			return items[i].NextAttempt.Before(items[j].NextAttempt)
		}
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

func (s *InMemoryStore) SaveDeadLetter(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl.Event = dl.Event.Clone()
	for i := range s.deadLetters {
		if s.deadLetters[i].QueueID == dl.QueueID {
			s.deadLetters[i] = dl
			return nil
		}
	}
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *InMemoryStore) ListDeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.RLock()
	out := make([]DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		dl.Event = dl.Event.Clone()
		out = append(out, dl)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(_ context.Context, webhookName, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, id := range s.outboxOrder {
			m := s.outbox[id]
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusFailed {
				return m.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	m := &OutboxMessage{
		ID:          util.NewDeliveryID(),
		WebhookName: webhookName,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	s.outboxOrder = append(s.outboxOrder, m.ID)
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for _, id := range s.outboxOrder {
		if limit > 0 && len(out) >= limit {
			break
		}
		m := s.outbox[id]
		if m.Status != OutboxStatusQueued {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		lockedAt := now.UTC()
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = lockedAt
		out = append(out, copyOutbox(m))
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(_ context.Context, id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.Attempts++
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		next := nextAttemptAt.UTC()
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) AbandonOutboxMessage(_ context.Context, id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetOutboxMessage(_ context.Context, id string) (*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	c := copyOutbox(m)
	return &c, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	fn(m)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func copyOutbox(m *OutboxMessage) OutboxMessage {
	c := *m
	if m.NextAttemptAt != nil {
		t := *m.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if m.LockedAt != nil {
		t := *m.LockedAt
		c.LockedAt = &t
	}
	return c
}

func (s *InMemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok && rec.ProcessedAt != nil {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, Source: source, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}
