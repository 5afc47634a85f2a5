package models

import (
	"fmt"
	"time"
)

// EventType is the closed set of event kinds that flow through the bus and queue.
type EventType string

const (
	EventConversationStarted         EventType = "conversation.started"
	EventConversationMessageReceived EventType = "conversation.message.received"
	EventConversationMessageSent     EventType = "conversation.message.sent"
	EventConversationHandoff         EventType = "conversation.handoff"
	EventConversationEnded           EventType = "conversation.ended"
	EventEntityExtracted             EventType = "entity.extracted"
	EventFollowUpSuggested           EventType = "follow_up.suggested"
	EventFollowUpScheduled           EventType = "follow_up.scheduled"
	EventFollowUpSent                EventType = "follow_up.sent"
	EventFollowUpCompleted           EventType = "follow_up.completed"
	EventErrorService                EventType = "error.service"
	EventErrorProcessing             EventType = "error.processing"
)

// AllEventTypes lists every valid event type in declaration order.
var AllEventTypes = []EventType{
	EventConversationStarted,
	EventConversationMessageReceived,
	EventConversationMessageSent,
	EventConversationHandoff,
	EventConversationEnded,
	EventEntityExtracted,
	EventFollowUpSuggested,
	EventFollowUpScheduled,
	EventFollowUpSent,
	EventFollowUpCompleted,
	EventErrorService,
	EventErrorProcessing,
}

// IsValid reports whether t belongs to the closed enumeration.
func (t EventType) IsValid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// EventMetadata carries tracing information about an event.
type EventMetadata struct {
	Source        string `json:"source,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Event is an immutable, typed record of something that happened.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	ConversationID string         `json:"conversationId,omitempty"`
	Payload        map[string]any `json:"payload"`
	Metadata       *EventMetadata `json:"metadata,omitempty"`
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Clone returns a copy whose payload and metadata are not shared with e.
func (e Event) Clone() Event {
	c := e
	c.Payload = CloneEntities(e.Payload)
	if e.Metadata != nil {
		md := *e.Metadata
		c.Metadata = &md
	}
	return c
}
