// Package store provides storage backends for LeadPipe.
//
// It defines the persistence boundary used by the conversation manager, the
// durable queue, the dead-letter store, the webhook egress outbox and the
// inbound dedup table, with in-memory, SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// ConversationStore is the persistence boundary of the conversation manager.
// Implementations must store a snapshot: later mutation of the value passed to
// PersistConversation must not affect what LoadConversation returns.
type ConversationStore interface {
	PersistConversation(ctx context.Context, state *models.ConversationState) error
	// LoadConversation returns nil, nil when the id is unknown.
	LoadConversation(ctx context.Context, id string) (*models.ConversationState, error)
}

// QueueItem is one pending event of the message queue.
type QueueItem struct {
	QueueID     string       `json:"queueId"`
	Event       models.Event `json:"event"`
	RetryCount  int          `json:"retryCount"`
	NextAttempt time.Time    `json:"nextAttempt"`
	LastError   string       `json:"lastError,omitempty"`
	Seq         int64        `json:"seq"`
	EnqueuedAt  time.Time    `json:"enqueuedAt"`
}

// QueueRepo persists pending queue items so they survive a restart.
type QueueRepo interface {
	// SaveQueueItem inserts or replaces the item with the same QueueID.
	SaveQueueItem(ctx context.Context, item QueueItem) error
	DeleteQueueItem(ctx context.Context, queueID string) error
	// ListQueueItems returns all pending items ordered by NextAttempt, then Seq.
	ListQueueItems(ctx context.Context) ([]QueueItem, error)
}

// DeadLetter is an event that exhausted its retries.
type DeadLetter struct {
	QueueID   string       `json:"queueId"`
	Event     models.Event `json:"event"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"lastError"`
	FailedAt  time.Time    `json:"failedAt"`
}

// DeadLetterRepo keeps events the queue gave up on.
type DeadLetterRepo interface {
	SaveDeadLetter(ctx context.Context, dl DeadLetter) error
	// ListDeadLetters returns the most recent dead letters first. limit <= 0 means all.
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// Store is the union of every repository a backend provides.
type Store interface {
	ConversationStore
	QueueRepo
	DeadLetterRepo
	OutboxRepo
	DedupRepo
	Close() error
}
