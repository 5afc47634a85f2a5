// Package conversation owns the lifecycle of lead conversations.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

const (
	// DefaultActiveTTL is how long an untouched conversation stays in memory.
	DefaultActiveTTL = 30 * time.Minute
	// DefaultMaxActive bounds the in-memory active set.
	DefaultMaxActive = 10000
)

// errUnchanged lets a mutate callback finish without persisting.
var errUnchanged = errors.New("conversation unchanged")

// Option configures a Manager.
type Option func(*Manager)

// WithActiveTTL sets the idle time after which a conversation leaves memory.
// Zero disables expiry.
func WithActiveTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithMaxActive bounds the number of conversations held in memory.
func WithMaxActive(n int) Option {
	return func(m *Manager) { m.maxActive = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// CreateOptions describes a new conversation. Source and Channel are required.
type CreateOptions struct {
	LeadInfo *models.LeadInfo
	Source   string
	Channel  string
	AgentID  string
}

// NewMessage is the input of AddMessage.
type NewMessage struct {
	// ID is optional. When set, appending a message whose ID is already in
	// the history is a no-op that returns the stored message, which makes
	// redelivered events safe to replay.
	ID      string
	Role    models.MessageRole
	Content string
}

// StateUpdate is a partial update. Nil or empty fields leave the current
// value untouched; maps and structs are merged key by key.
type StateUpdate struct {
	Status            models.ConversationStatus
	LeadInfo          *models.LeadInfo
	ExtractedEntities map[string]any
	Metadata          *models.ConversationMetadata
}

// Manager is the single writer of conversation state. Mutations of one
// conversation are serialized; different conversations proceed in parallel.
// Every mutation is persisted before it returns, so the active set is only a
// cache.
type Manager struct {
	store     store.ConversationStore
	locks     *keyedMutex
	active    *activeSet
	ttl       time.Duration
	maxActive int
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager creates a Manager persisting through st.
func NewManager(st store.ConversationStore, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		locks:     newKeyedMutex(),
		ttl:       DefaultActiveTTL,
		maxActive: DefaultMaxActive,
		now:       time.Now,
		logger:    slog.Default().With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.active = newActiveSet(m.ttl, m.maxActive, m.now)
	return m
}

// CreateConversation starts a new active conversation. An empty id is
// replaced with a generated one.
func (m *Manager) CreateConversation(ctx context.Context, id string, opts CreateOptions) (*models.ConversationState, error) {
	if opts.Source == "" || opts.Channel == "" {
		return nil, models.NewError(models.CodeInvalidInput, "source and channel are required")
	}
	if id == "" {
		id = uuid.NewString()
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	existing, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, models.NewError(models.CodeConflict, "conversation %s already exists", id)
	}

	now := m.now()
	state := &models.ConversationState{
		ID:                id,
		Status:            models.ConversationStatusActive,
		StartTime:         now,
		LastUpdateTime:    now,
		LeadInfo:          opts.LeadInfo.Clone(),
		ExtractedEntities: map[string]any{},
		History:           []models.ConversationMessage{},
		Metadata: models.ConversationMetadata{
			Source:  opts.Source,
			Channel: opts.Channel,
			AgentID: opts.AgentID,
		},
	}
	if err := m.persist(ctx, state); err != nil {
		return nil, err
	}
	m.active.put(id, state)

	m.logger.Info("Manager.CreateConversation: conversation created", "conversationID", id, "source", opts.Source, "channel", opts.Channel)
	return state.Clone(), nil
}

// GetConversation returns a copy of the conversation, from memory first and
// then from the store. It returns nil, nil when the id is unknown.
func (m *Manager) GetConversation(ctx context.Context, id string) (*models.ConversationState, error) {
	return m.lockedLoad(ctx, id)
}

// AddMessage appends a message to the history and returns the stored copy.
func (m *Manager) AddMessage(ctx context.Context, id string, msg NewMessage) (*models.ConversationMessage, error) {
	if !msg.Role.IsValid() {
		return nil, models.NewError(models.CodeInvalidInput, "invalid message role %q", msg.Role)
	}
	var stored models.ConversationMessage
	_, err := m.mutate(ctx, id, func(state *models.ConversationState, now time.Time) error {
		if msg.ID != "" {
			for _, existing := range state.History {
				if existing.ID == msg.ID {
					stored = existing
					return errUnchanged
				}
			}
		}
		msgID := msg.ID
		if msgID == "" {
			msgID = util.NewMessageID()
		}
		stored = models.ConversationMessage{
			ID:        msgID,
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: now,
		}
		state.History = append(state.History, stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Manager.AddMessage: message appended", "conversationID", id, "role", msg.Role, "messageID", stored.ID)
	return &stored, nil
}

// UpdateConversationState merges update into the conversation.
func (m *Manager) UpdateConversationState(ctx context.Context, id string, update StateUpdate) (*models.ConversationState, error) {
	if update.Status != "" && !update.Status.IsValid() {
		return nil, models.NewError(models.CodeInvalidInput, "invalid status %q", update.Status)
	}
	state, err := m.mutate(ctx, id, func(state *models.ConversationState, _ time.Time) error {
		if update.Status != "" {
			if err := checkTransition(state.Status, update.Status); err != nil {
				return err
			}
			state.Status = update.Status
		}
		if update.LeadInfo != nil {
			state.LeadInfo = state.LeadInfo.Merge(update.LeadInfo)
		}
		if update.ExtractedEntities != nil {
			if state.ExtractedEntities == nil {
				state.ExtractedEntities = map[string]any{}
			}
			for k, v := range models.CloneEntities(update.ExtractedEntities) {
				state.ExtractedEntities[k] = v
			}
		}
		state.Metadata = state.Metadata.Merge(update.Metadata)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Manager.UpdateConversationState: state updated", "conversationID", id, "status", state.Status)
	return state, nil
}

// EndConversation moves the conversation to a terminal status and removes it
// from the active set. reason must be completed, handoff or error; details
// become the handoff reason or the error details respectively.
func (m *Manager) EndConversation(ctx context.Context, id string, reason models.ConversationStatus, details string) (*models.ConversationState, error) {
	if !reason.IsTerminal() {
		return nil, models.NewError(models.CodeInvalidInput, "%q is not a terminal status", reason)
	}
	state, err := m.mutate(ctx, id, func(state *models.ConversationState, _ time.Time) error {
		if err := checkTransition(state.Status, reason); err != nil {
			return err
		}
		state.Status = reason
		switch reason {
		case models.ConversationStatusHandoff:
			state.Metadata.HandoffReason = details
		case models.ConversationStatusError:
			state.Metadata.ErrorDetails = details
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Manager.EndConversation: conversation ended", "conversationID", id, "reason", reason)
	return state, nil
}

// GetConversationContext projects the conversation for AI gateway calls.
func (m *Manager) GetConversationContext(ctx context.Context, id string) (*models.ConversationContext, error) {
	state, err := m.lockedLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, notFound(id)
	}
	c := state.Context()
	return &c, nil
}

// IsActive reports whether id is currently held in memory.
func (m *Manager) IsActive(id string) bool {
	return m.active.contains(id)
}

// ActiveCount returns the number of conversations held in memory.
func (m *Manager) ActiveCount() int {
	return m.active.size()
}

// mutate runs fn on a working copy under the conversation lock, persists the
// result and refreshes the active set. Terminal conversations are dropped
// from memory.
func (m *Manager) mutate(ctx context.Context, id string, fn func(state *models.ConversationState, now time.Time) error) (*models.ConversationState, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	state, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, notFound(id)
	}

	now := m.now()
	if err := fn(state, now); err != nil {
		if errors.Is(err, errUnchanged) {
			return state.Clone(), nil
		}
		return nil, err
	}
	state.LastUpdateTime = now
	if err := m.persist(ctx, state); err != nil {
		return nil, err
	}

	if state.Status.IsTerminal() {
		m.active.remove(id)
	} else {
		m.active.put(id, state)
	}
	return state.Clone(), nil
}

// lockedLoad is load for readers. A cache miss refills the active set, so it
// must not interleave with a mutate on the same id.
func (m *Manager) lockedLoad(ctx context.Context, id string) (*models.ConversationState, error) {
	if state, ok := m.active.get(id); ok {
		return state, nil
	}
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.load(ctx, id)
}

// load reads through the active set. Callers hold the conversation lock.
func (m *Manager) load(ctx context.Context, id string) (*models.ConversationState, error) {
	if state, ok := m.active.get(id); ok {
		return state, nil
	}
	state, err := m.store.LoadConversation(ctx, id)
	if err != nil {
		m.logger.Error("Manager.load: store lookup failed", "conversationID", id, "error", err)
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if state == nil {
		return nil, nil
	}
	if !state.Status.IsTerminal() {
		m.active.put(id, state)
	}
	return state.Clone(), nil
}

func (m *Manager) persist(ctx context.Context, state *models.ConversationState) error {
	if err := m.store.PersistConversation(ctx, state); err != nil {
		m.logger.Error("Manager.persist: store write failed", "conversationID", state.ID, "error", err)
		return fmt.Errorf("persist conversation %s: %w", state.ID, err)
	}
	return nil
}

// checkTransition rejects leaving a terminal status. Re-asserting the same
// status is allowed.
func checkTransition(from, to models.ConversationStatus) error {
	if from.IsTerminal() && from != to {
		return &models.Error{
			Code:      models.CodeInvalidTransition,
			Message:   fmt.Sprintf("cannot move conversation from %s to %s", from, to),
			Timestamp: time.Now(),
		}
	}
	return nil
}

func notFound(id string) error {
	return models.NewError(models.CodeConversationNotFound, "conversation %s not found", id)
}
