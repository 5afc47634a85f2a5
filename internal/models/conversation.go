// Package models defines the core data structures for LeadPipe.
//
// It includes conversation state, events, AI-service contracts and the typed
// error shared across the orchestration components.
package models

import (
	"maps"
	"slices"
	"time"
)

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	ConversationStatusActive    ConversationStatus = "active"
	ConversationStatusPaused    ConversationStatus = "paused"
	ConversationStatusCompleted ConversationStatus = "completed"
	ConversationStatusHandoff   ConversationStatus = "handoff"
	ConversationStatusError     ConversationStatus = "error"
)

// IsValid reports whether s is a known status.
func (s ConversationStatus) IsValid() bool {
	switch s {
	case ConversationStatusActive, ConversationStatusPaused, ConversationStatusCompleted,
		ConversationStatusHandoff, ConversationStatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed out of s.
func (s ConversationStatus) IsTerminal() bool {
	return s == ConversationStatusCompleted || s == ConversationStatusHandoff || s == ConversationStatusError
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// IsValid reports whether r is a known role.
func (r MessageRole) IsValid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// ConversationMessage is one entry of a conversation history. Immutable once appended.
type ConversationMessage struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// LeadInfo holds what is known about the lead behind a conversation.
type LeadInfo struct {
	Name               string   `json:"name,omitempty" yaml:"name,omitempty"`
	Email              string   `json:"email,omitempty" yaml:"email,omitempty"`
	Phone              string   `json:"phone,omitempty" yaml:"phone,omitempty"`
	Interests          []string `json:"interests,omitempty" yaml:"interests,omitempty"`
	QualificationScore *float64 `json:"qualificationScore,omitempty" yaml:"qualificationScore,omitempty"`
}

// Clone returns a deep copy of l. A nil receiver returns nil.
func (l *LeadInfo) Clone() *LeadInfo {
	if l == nil {
		return nil
	}
	c := *l
	c.Interests = slices.Clone(l.Interests)
	if l.QualificationScore != nil {
		score := *l.QualificationScore
		c.QualificationScore = &score
	}
	return &c
}

// Merge overlays the non-zero fields of update onto a copy of l.
func (l *LeadInfo) Merge(update *LeadInfo) *LeadInfo {
	merged := l.Clone()
	if merged == nil {
		merged = &LeadInfo{}
	}
	if update == nil {
		return merged
	}
	if update.Name != "" {
		merged.Name = update.Name
	}
	if update.Email != "" {
		merged.Email = update.Email
	}
	if update.Phone != "" {
		merged.Phone = update.Phone
	}
	if update.Interests != nil {
		merged.Interests = slices.Clone(update.Interests)
	}
	if update.QualificationScore != nil {
		score := *update.QualificationScore
		merged.QualificationScore = &score
	}
	return merged
}

// ConversationMetadata records where a conversation came from and how it ended.
type ConversationMetadata struct {
	Source        string `json:"source"`
	Channel       string `json:"channel"`
	AgentID       string `json:"agentId,omitempty"`
	HandoffReason string `json:"handoffReason,omitempty"`
	ErrorDetails  string `json:"errorDetails,omitempty"`
}

// Merge overlays the non-empty fields of update onto m.
func (m ConversationMetadata) Merge(update *ConversationMetadata) ConversationMetadata {
	if update == nil {
		return m
	}
	if update.Source != "" {
		m.Source = update.Source
	}
	if update.Channel != "" {
		m.Channel = update.Channel
	}
	if update.AgentID != "" {
		m.AgentID = update.AgentID
	}
	if update.HandoffReason != "" {
		m.HandoffReason = update.HandoffReason
	}
	if update.ErrorDetails != "" {
		m.ErrorDetails = update.ErrorDetails
	}
	return m
}

// ConversationState is the full tracked state of one conversation with a lead.
type ConversationState struct {
	ID                string                `json:"id"`
	Status            ConversationStatus    `json:"status"`
	StartTime         time.Time             `json:"startTime"`
	LastUpdateTime    time.Time             `json:"lastUpdateTime"`
	LeadInfo          *LeadInfo             `json:"leadInfo,omitempty"`
	ExtractedEntities map[string]any        `json:"extractedEntities"`
	History           []ConversationMessage `json:"history"`
	Metadata          ConversationMetadata  `json:"metadata"`
}

// Clone returns a deep copy so that callers can never mutate stored state.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	c.LeadInfo = s.LeadInfo.Clone()
	c.ExtractedEntities = CloneEntities(s.ExtractedEntities)
	c.History = slices.Clone(s.History)
	if c.History == nil {
		c.History = []ConversationMessage{}
	}
	return &c
}

// Context projects the state into the read-only view passed to AI services.
func (s *ConversationState) Context() ConversationContext {
	c := s.Clone()
	return ConversationContext{
		ConversationID:    c.ID,
		LeadInfo:          c.LeadInfo,
		ExtractedEntities: c.ExtractedEntities,
		History:           c.History,
	}
}

// ConversationContext is the read-only projection of a conversation handed to
// the service gateway. It is never persisted.
type ConversationContext struct {
	ConversationID    string                `json:"conversationId"`
	LeadInfo          *LeadInfo             `json:"leadInfo,omitempty"`
	ExtractedEntities map[string]any        `json:"extractedEntities"`
	History           []ConversationMessage `json:"history"`
}

// CloneEntities deep-copies an entity map. Nested maps and slices produced by
// JSON decoding are copied as well.
func CloneEntities(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneEntities(t)
	case []any:
		c := make([]any, len(t))
		for i := range t {
			c[i] = cloneValue(t[i])
		}
		return c
	case []string:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}
