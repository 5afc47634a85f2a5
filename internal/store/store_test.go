package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres store tests")
	}
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	require.NoError(t, err)
	_, err = s.db.Exec(`TRUNCATE conversations, queue_items, dead_letters, outbox_messages, inbound_dedup`)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs fn against every backend available in this environment.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, newTestPostgresStore(t)) })
}

func sampleState(id string) *models.ConversationState {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.ConversationState{
		ID:                id,
		Status:            models.ConversationStatusActive,
		StartTime:         now,
		LastUpdateTime:    now,
		LeadInfo:          &models.LeadInfo{Name: "Ada", Interests: []string{"pricing"}},
		ExtractedEntities: map[string]any{"budget": "10k"},
		History: []models.ConversationMessage{
			{ID: "msg_1", Role: models.RoleUser, Content: "hi", Timestamp: now},
		},
		Metadata: models.ConversationMetadata{Source: "web", Channel: "chat"},
	}
}

func sampleEvent(id string) models.Event {
	return models.Event{
		ID:             id,
		Type:           models.EventConversationMessageReceived,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		ConversationID: "conv-1",
		Payload:        map[string]any{"content": "hello"},
	}
}

func TestStore_Conversation_PersistAndLoad(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		state := sampleState("conv-1")
		require.NoError(t, s.PersistConversation(ctx, state))

		// mutating the caller's copy must not leak into the store
		state.ExtractedEntities["budget"] = "changed"
		state.LeadInfo.Interests[0] = "changed"

		loaded, err := s.LoadConversation(ctx, "conv-1")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "10k", loaded.ExtractedEntities["budget"])
		assert.Equal(t, []string{"pricing"}, loaded.LeadInfo.Interests)
		assert.Equal(t, models.ConversationStatusActive, loaded.Status)
		assert.Equal(t, "web", loaded.Metadata.Source)
		require.Len(t, loaded.History, 1)
		assert.Equal(t, "hi", loaded.History[0].Content)
		assert.True(t, loaded.StartTime.Equal(state.StartTime))

		state = sampleState("conv-1")
		state.Status = models.ConversationStatusCompleted
		require.NoError(t, s.PersistConversation(ctx, state))
		loaded, err = s.LoadConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, models.ConversationStatusCompleted, loaded.Status)
	})
}

func TestStore_Conversation_LoadMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		loaded, err := s.LoadConversation(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})
}

func TestStore_Conversation_RejectsEmptyID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		assert.Error(t, s.PersistConversation(context.Background(), &models.ConversationState{}))
	})
}

func TestStore_Queue_SaveListDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)

		items := []QueueItem{
			{QueueID: "q_c", Event: sampleEvent("e3"), NextAttempt: base.Add(time.Second), Seq: 3, EnqueuedAt: base},
			{QueueID: "q_a", Event: sampleEvent("e1"), NextAttempt: base, Seq: 1, EnqueuedAt: base},
			{QueueID: "q_b", Event: sampleEvent("e2"), NextAttempt: base, Seq: 2, EnqueuedAt: base},
		}
		for _, item := range items {
			require.NoError(t, s.SaveQueueItem(ctx, item))
		}

		listed, err := s.ListQueueItems(ctx)
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, "q_a", listed[0].QueueID)
		assert.Equal(t, "q_b", listed[1].QueueID)
		assert.Equal(t, "q_c", listed[2].QueueID)
		assert.Equal(t, "hello", listed[0].Event.Payload["content"])

		// upsert keeps one row per queue id
		updated := items[1]
		updated.RetryCount = 2
		updated.LastError = "boom"
		updated.NextAttempt = base.Add(2 * time.Second)
		require.NoError(t, s.SaveQueueItem(ctx, updated))

		listed, err = s.ListQueueItems(ctx)
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, "q_b", listed[0].QueueID)
		assert.Equal(t, "q_a", listed[2].QueueID)
		assert.Equal(t, 2, listed[2].RetryCount)
		assert.Equal(t, "boom", listed[2].LastError)

		require.NoError(t, s.DeleteQueueItem(ctx, "q_a"))
		require.NoError(t, s.DeleteQueueItem(ctx, "q_unknown"))
		listed, err = s.ListQueueItems(ctx)
		require.NoError(t, err)
		assert.Len(t, listed, 2)
	})
}

func TestStore_DeadLetters_NewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i, id := range []string{"q_1", "q_2", "q_3"} {
			require.NoError(t, s.SaveDeadLetter(ctx, DeadLetter{
				QueueID:   id,
				Event:     sampleEvent("e-" + id),
				Attempts:  4,
				LastError: "handler failed",
				FailedAt:  base.Add(time.Duration(i) * time.Second),
			}))
		}

		all, err := s.ListDeadLetters(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "q_3", all[0].QueueID)
		assert.Equal(t, 4, all[0].Attempts)
		assert.Equal(t, models.EventConversationMessageReceived, all[0].Event.Type)

		limited, err := s.ListDeadLetters(ctx, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "q_2", limited[1].QueueID)
	})
}

func TestStore_OutboxRepo_EnqueueAndClaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueOutboxMessage(ctx, "crm", "conversation.ended", `{"id":"e1"}`, "")
		require.NoError(t, err)
		require.NotEmpty(t, id)

		claimed, err := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, id, claimed[0].ID)
		assert.Equal(t, "crm", claimed[0].WebhookName)
		assert.Equal(t, OutboxStatusSending, claimed[0].Status)
		assert.Equal(t, `{"id":"e1"}`, claimed[0].PayloadJSON)

		// claimed messages are not claimed twice
		again, err := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestStore_OutboxRepo_DedupeKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id1, err := s.EnqueueOutboxMessage(ctx, "crm", "kind", `{}`, "dedupe-1")
		require.NoError(t, err)
		id2, err := s.EnqueueOutboxMessage(ctx, "crm", "kind", `{}`, "dedupe-1")
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		require.NoError(t, s.MarkOutboxMessageSent(ctx, id1))
		id3, err := s.EnqueueOutboxMessage(ctx, "crm", "kind", `{}`, "dedupe-1")
		require.NoError(t, err)
		assert.NotEqual(t, id1, id3, "a sent message no longer blocks its dedupe key")
	})
}

func TestStore_OutboxRepo_MarkSent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueOutboxMessage(ctx, "crm", "kind", `{}`, "")
		require.NoError(t, err)
		_, err = s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
		require.NoError(t, err)
		require.NoError(t, s.MarkOutboxMessageSent(ctx, id))

		msg, err := s.GetOutboxMessage(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, OutboxStatusSent, msg.Status)
		assert.Equal(t, 1, msg.Attempts)
		assert.Nil(t, msg.LockedAt)
	})
}

func TestStore_OutboxRepo_FailAndRetry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueOutboxMessage(ctx, "crm", "kind", `{}`, "")
		require.NoError(t, err)
		_, err = s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
		require.NoError(t, err)

		next := time.Now().Add(time.Hour)
		require.NoError(t, s.FailOutboxMessage(ctx, id, "503 from receiver", next))

		msg, err := s.GetOutboxMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusQueued, msg.Status)
		assert.Equal(t, 1, msg.Attempts)
		assert.Equal(t, "503 from receiver", msg.LastError)

		due, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, due, "not due until next attempt")

		due, err = s.ClaimDueOutboxMessages(ctx, next.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})
}

func TestStore_OutboxRepo_Abandon(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueOutboxMessage(ctx, "crm", "kind", `{}`, "")
		require.NoError(t, err)
		require.NoError(t, s.AbandonOutboxMessage(ctx, id, "gave up"))

		msg, err := s.GetOutboxMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusFailed, msg.Status)
		assert.Equal(t, "gave up", msg.LastError)

		due, err := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestStore_OutboxRepo_RequeueStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueOutboxMessage(ctx, "crm", "kind", `{}`, "")
		require.NoError(t, err)
		_, err = s.ClaimDueOutboxMessages(ctx, time.Now().Add(-10*time.Minute), 10)
		require.NoError(t, err)

		n, err := s.RequeueStaleSendingMessages(ctx, time.Now().Add(-5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		msg, err := s.GetOutboxMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusQueued, msg.Status)
	})
}

func TestStore_OutboxRepo_GetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		msg, err := s.GetOutboxMessage(context.Background(), "dlv_missing")
		require.NoError(t, err)
		assert.Nil(t, msg)
	})
}

func TestStore_DedupRepo_Basic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		dup, err := s.IsDuplicate(ctx, "delivery-1")
		require.NoError(t, err)
		assert.False(t, dup)

		isNew, err := s.RecordInbound(ctx, "delivery-1", "crm")
		require.NoError(t, err)
		assert.True(t, isNew)

		dup, err = s.IsDuplicate(ctx, "delivery-1")
		require.NoError(t, err)
		assert.True(t, dup)

		require.NoError(t, s.MarkProcessed(ctx, "delivery-1"))

		isNew, err = s.RecordInbound(ctx, "delivery-1", "crm")
		require.NoError(t, err)
		assert.False(t, isNew)
	})
}

func TestStore_DedupRepo_UnprocessedIsReclaimed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		isNew, err := s.RecordInbound(ctx, "delivery-2", "crm")
		require.NoError(t, err)
		require.True(t, isNew)

		// Never marked processed, so a redelivery claims the record again.
		isNew, err = s.RecordInbound(ctx, "delivery-2", "crm")
		require.NoError(t, err)
		assert.True(t, isNew)

		require.NoError(t, s.MarkProcessed(ctx, "delivery-2"))
		isNew, err = s.RecordInbound(ctx, "delivery-2", "crm")
		require.NoError(t, err)
		assert.False(t, isNew)
	})
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"":                                 BackendMemory,
		":memory:":                         BackendMemory,
		"postgres://u:p@localhost/leads":   BackendPostgres,
		"postgresql://localhost/leads":     BackendPostgres,
		"host=localhost dbname=leads":      BackendPostgres,
		"/var/lib/leadpipe/state.db":       BackendSQLite,
		"file:/tmp/leadpipe.db?cache=shared": BackendSQLite,
	}
	for dsn, want := range cases {
		assert.Equal(t, want, DetectDSNType(dsn), "dsn %q", dsn)
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	s, err := Open(WithDSN(""))
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = Open(WithDSN(filepath.Join(t.TempDir(), "open.db")))
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLiteStore{}, s)
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &sqlStore{postgres: true}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &sqlStore{}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}
