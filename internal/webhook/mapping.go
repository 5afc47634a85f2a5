package webhook

import "github.com/BTreeMap/LeadPipe/internal/models"

// Built-in webhook sources.
const (
	SourceVoicePlatform      = "voice_platform"
	SourceWorkflowAutomation = "workflow_automation"
)

// defaultMappings is the built-in dispatch table: webhook name, then the
// external event type, to the internal event type. Anything not listed maps
// to conversation.message.received.
func defaultMappings() map[string]map[string]models.EventType {
	return map[string]map[string]models.EventType{
		SourceVoicePlatform: {
			"call.started":            models.EventConversationStarted,
			"call.ended":              models.EventConversationEnded,
			"transcription.available": models.EventConversationMessageReceived,
		},
		SourceWorkflowAutomation: {
			"follow_up.sent":      models.EventFollowUpSent,
			"follow_up.completed": models.EventFollowUpCompleted,
		},
	}
}

// RegisterMapping adds or replaces one row of the dispatch table.
func (h *Handler) RegisterMapping(webhookName, externalType string, eventType models.EventType) error {
	if !eventType.IsValid() {
		return models.NewError(models.CodeInvalidInput, "unknown event type %q", eventType)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mappings[webhookName] == nil {
		h.mappings[webhookName] = make(map[string]models.EventType)
	}
	h.mappings[webhookName][externalType] = eventType
	h.logger.Debug("Handler.RegisterMapping: mapping registered", "webhook", webhookName, "externalType", externalType, "eventType", eventType)
	return nil
}

// MapEventType resolves the internal event type for an external one.
func (h *Handler) MapEventType(webhookName, externalType string) models.EventType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.mappings[webhookName][externalType]; ok {
		return t
	}
	return models.EventConversationMessageReceived
}
