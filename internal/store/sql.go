package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with '?' placeholders and rebound for Postgres.
type sqlStore struct {
	db       *sql.DB
	name     string
	postgres bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "backend", s.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "backend", s.name, "error", err)
	}
	return err
}

// --- conversations ---

// PersistConversation upserts the JSON snapshot of state.
func (s *sqlStore) PersistConversation(ctx context.Context, state *models.ConversationState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("persist conversation: state with id is required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("persist conversation %s: marshal: %w", state.ID, err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO conversations (id, status, state_json, start_time, last_update_time)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			state_json = excluded.state_json,
			last_update_time = excluded.last_update_time`,
		state.ID, string(state.Status), string(data), state.StartTime.UTC(), state.LastUpdateTime.UTC(),
	)
	if err != nil {
		slog.Error("Store.PersistConversation failed", "backend", s.name, "conversationID", state.ID, "error", err)
		return fmt.Errorf("persist conversation %s: %w", state.ID, err)
	}
	slog.Debug("Store.PersistConversation succeeded", "backend", s.name, "conversationID", state.ID, "status", state.Status)
	return nil
}

// LoadConversation returns the stored snapshot, or nil when absent.
func (s *sqlStore) LoadConversation(ctx context.Context, id string) (*models.ConversationState, error) {
	var data []byte
	err := s.queryRow(ctx, `SELECT state_json FROM conversations WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("Store.LoadConversation not found", "backend", s.name, "conversationID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("Store.LoadConversation failed", "backend", s.name, "conversationID", id, "error", err)
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	var state models.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("load conversation %s: unmarshal: %w", id, err)
	}
	if state.ExtractedEntities == nil {
		state.ExtractedEntities = map[string]any{}
	}
	if state.History == nil {
		state.History = []models.ConversationMessage{}
	}
	return &state, nil
}

// --- queue ---

// SaveQueueItem upserts a pending queue item.
func (s *sqlStore) SaveQueueItem(ctx context.Context, item QueueItem) error {
	data, err := json.Marshal(item.Event)
	if err != nil {
		return fmt.Errorf("save queue item %s: marshal event: %w", item.QueueID, err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO queue_items (queue_id, event_json, retry_count, next_attempt_at, last_error, seq, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (queue_id) DO UPDATE SET
			retry_count = excluded.retry_count,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error,
			seq = excluded.seq`,
		item.QueueID, string(data), item.RetryCount, item.NextAttempt.UTC(), nilIfEmpty(item.LastError), item.Seq, item.EnqueuedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save queue item %s: %w", item.QueueID, err)
	}
	return nil
}

// DeleteQueueItem removes a queue item. Deleting an unknown id is not an error.
func (s *sqlStore) DeleteQueueItem(ctx context.Context, queueID string) error {
	if _, err := s.exec(ctx, `DELETE FROM queue_items WHERE queue_id = ?`, queueID); err != nil {
		return fmt.Errorf("delete queue item %s: %w", queueID, err)
	}
	return nil
}

// ListQueueItems returns every pending item in dispatch order.
func (s *sqlStore) ListQueueItems(ctx context.Context) ([]QueueItem, error) {
	rows, err := s.query(ctx,
		`SELECT queue_id, event_json, retry_count, next_attempt_at, last_error, seq, enqueued_at
		 FROM queue_items ORDER BY next_attempt_at ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var data []byte
		var lastError sql.NullString
		if err := rows.Scan(&item.QueueID, &data, &item.RetryCount, &item.NextAttempt, &lastError, &item.Seq, &item.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if err := json.Unmarshal(data, &item.Event); err != nil {
			return nil, fmt.Errorf("decode queue item %s: %w", item.QueueID, err)
		}
		item.LastError = lastError.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

// --- dead letters ---

// SaveDeadLetter records an exhausted event.
func (s *sqlStore) SaveDeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("save dead letter %s: marshal event: %w", dl.QueueID, err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO dead_letters (queue_id, event_type, conversation_id, event_json, attempts, last_error, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (queue_id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			failed_at = excluded.failed_at`,
		dl.QueueID, string(dl.Event.Type), nilIfEmpty(dl.Event.ConversationID), string(data), dl.Attempts, dl.LastError, dl.FailedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save dead letter %s: %w", dl.QueueID, err)
	}
	slog.Warn("Store.SaveDeadLetter: event dead-lettered", "backend", s.name, "queueID", dl.QueueID, "eventType", dl.Event.Type, "attempts", dl.Attempts)
	return nil
}

// ListDeadLetters returns dead letters, newest first.
func (s *sqlStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	q := `SELECT queue_id, event_json, attempts, last_error, failed_at FROM dead_letters ORDER BY failed_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var data []byte
		if err := rows.Scan(&dl.QueueID, &data, &dl.Attempts, &dl.LastError, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(data, &dl.Event); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", dl.QueueID, err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// --- outbox ---

// EnqueueOutboxMessage inserts a queued delivery, honouring dedupeKey.
func (s *sqlStore) EnqueueOutboxMessage(ctx context.Context, webhookName, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.queryRow(ctx,
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("Store.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.NewDeliveryID()
	now := time.Now().UTC()
	_, err := s.exec(ctx,
		`INSERT INTO outbox_messages (id, webhook_name, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, webhookName, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("Store.EnqueueOutboxMessage", "backend", s.name, "id", id, "webhook", webhookName, "kind", kind)
	return id, nil
}

const outboxColumns = `id, webhook_name, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// ClaimDueOutboxMessages moves due deliveries to sending inside one transaction.
func (s *sqlStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages: begin: %w", err)
	}
	defer tx.Rollback()

	q := `SELECT ` + outboxColumns + ` FROM outbox_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`
	if s.postgres {
		q += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := tx.QueryContext(ctx, s.rebind(q), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}

	lockedAt := now.UTC()
	for i := range msgs {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`),
			lockedAt, lockedAt, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &lockedAt
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due outbox messages: commit: %w", err)
	}
	return msgs, nil
}

// MarkOutboxMessageSent marks a delivery as sent.
func (s *sqlStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	if _, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = 'sent', attempts = attempts + 1, locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

// FailOutboxMessage requeues a delivery for a later attempt.
func (s *sqlStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

// AbandonOutboxMessage marks a delivery permanently failed.
func (s *sqlStore) AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error {
	if _, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("abandon outbox message failed: %w", err)
	}
	return nil
}

// RequeueStaleSendingMessages resets deliveries stuck in sending.
func (s *sqlStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("Store.RequeueStaleSendingMessages", "backend", s.name, "requeued", n)
	}
	return int(n), nil
}

// GetOutboxMessage loads a single delivery.
func (s *sqlStore) GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	rows, err := s.query(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get outbox message %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	m, err := scanOutboxMessage(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.WebhookName, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// --- inbound dedup ---

// IsDuplicate reports whether a delivery id was already recorded.
func (s *sqlStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.queryRow(ctx, `SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

// RecordInbound records a delivery id; false means it was already processed.
// A record left unprocessed by a failed hand-off is claimed again.
func (s *sqlStore) RecordInbound(ctx context.Context, messageID, source string) (bool, error) {
	result, err := s.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, source, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET source = excluded.source, received_at = excluded.received_at
		 WHERE inbound_dedup.processed_at IS NULL`,
		messageID, source, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkProcessed stamps processed_at for a delivery id.
func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := s.exec(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID,
	); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
