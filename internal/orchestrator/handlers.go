package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/conversation"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	defaultChannel       = "voice"
	defaultHandoffReason = "handoff requested"
)

// Entity keys written by the handlers.
const (
	EntityAnalysisSummary    = "analysis_summary"
	EntityNextSteps          = "next_steps"
	EntityLastFollowUpStatus = "last_follow_up_status"
	EntityLastFollowUpAt     = "last_follow_up_at"
)

func (o *Orchestrator) handleStarted(ctx context.Context, evt models.Event) error {
	if evt.ConversationID == "" {
		return models.NewError(models.CodeInvalidInput, "%s event without conversation id", evt.Type)
	}
	p := viewOf(evt)
	_, err := o.create(ctx, evt, p)
	return err
}

// create starts a conversation from an event. An existing conversation is
// returned unchanged so that replays are harmless.
func (o *Orchestrator) create(ctx context.Context, evt models.Event, p payload) (*models.ConversationState, error) {
	channel := p.str(channelPaths...)
	if channel == "" {
		channel = defaultChannel
	}
	state, err := o.conversations.CreateConversation(ctx, evt.ConversationID, conversation.CreateOptions{
		LeadInfo: p.lead(),
		Source:   sourceOf(evt),
		Channel:  channel,
		AgentID:  p.str("agentId", "agent.id"),
	})
	if hasCode(err, models.CodeConflict) {
		o.logger.Debug("Orchestrator.create: conversation already exists", "conversationID", evt.ConversationID)
		return o.conversations.GetConversation(ctx, evt.ConversationID)
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("Orchestrator.create: conversation started", "conversationID", state.ID, "source", state.Metadata.Source, "channel", state.Metadata.Channel)
	return state, nil
}

func (o *Orchestrator) handleMessageReceived(ctx context.Context, evt models.Event) error {
	if evt.ConversationID == "" {
		return models.NewError(models.CodeInvalidInput, "%s event without conversation id", evt.Type)
	}
	p := viewOf(evt)
	text := p.str(textPaths...)
	if text == "" {
		o.logger.Debug("Orchestrator.handleMessageReceived: no text in payload, skipping", "eventID", evt.ID, "conversationID", evt.ConversationID)
		return nil
	}

	state, err := o.conversations.GetConversation(ctx, evt.ConversationID)
	if err != nil {
		return err
	}
	if state == nil {
		if state, err = o.create(ctx, evt, p); err != nil {
			return err
		}
	}

	// Message ids derive from the event id so a retried event does not append
	// its turn twice.
	role := p.role()
	if _, err := o.conversations.AddMessage(ctx, state.ID, conversation.NewMessage{ID: messageID(evt, "in"), Role: role, Content: text}); err != nil {
		return err
	}
	if role != models.RoleUser || state.Status.IsTerminal() || state.Status == models.ConversationStatusPaused {
		return nil
	}

	convCtx, err := o.conversations.GetConversationContext(ctx, state.ID)
	if err != nil {
		return err
	}
	resp, err := o.ai.GenerateResponse(ctx, *convCtx, text, o.providers()...)
	if err != nil {
		return o.serviceError(ctx, evt, "generate response", err)
	}

	reply, err := o.conversations.AddMessage(ctx, state.ID, conversation.NewMessage{ID: messageID(evt, "reply"), Role: models.RoleAssistant, Content: resp.Message.Content})
	if err != nil {
		return err
	}
	if len(resp.ExtractedEntities) > 0 {
		update := conversation.StateUpdate{
			ExtractedEntities: resp.ExtractedEntities,
			LeadInfo:          leadFromEntities(resp.ExtractedEntities),
		}
		if _, err := o.conversations.UpdateConversationState(ctx, state.ID, update); err != nil {
			return err
		}
	}

	sent := map[string]any{"message": *reply}
	if resp.Sentiment != "" {
		sent["sentiment"] = resp.Sentiment
	}
	if resp.ConfidenceScore != nil {
		sent["confidenceScore"] = *resp.ConfidenceScore
	}
	errs := []error{o.emit(ctx, evt, models.EventConversationMessageSent, sent)}
	if len(resp.ExtractedEntities) > 0 {
		errs = append(errs, o.emit(ctx, evt, models.EventEntityExtracted, map[string]any{"entities": resp.ExtractedEntities}))
	}
	for _, action := range resp.SuggestedActions {
		errs = append(errs, o.emit(ctx, evt, models.EventFollowUpSuggested, map[string]any{
			"type":        action.Type,
			"description": action.Description,
			"data":        action.Data,
		}))
	}

	o.deliverReply(ctx, state, reply.Content)
	return errors.Join(errs...)
}

// messageID names the history entry an event produces. Events without an id
// get a fresh message id.
func messageID(evt models.Event, suffix string) string {
	if evt.ID == "" {
		return ""
	}
	return evt.ID + ":" + suffix
}

// deliverReply texts the reply to the lead when the conversation's channel
// has a reply service. Failures are logged; the reply is already recorded.
func (o *Orchestrator) deliverReply(ctx context.Context, state *models.ConversationState, body string) {
	svc, ok := o.replies[state.Metadata.Channel]
	if !ok {
		return
	}
	if state.LeadInfo == nil || state.LeadInfo.Phone == "" {
		o.logger.Warn("Orchestrator.deliverReply: no lead phone, reply not delivered", "conversationID", state.ID, "channel", state.Metadata.Channel)
		return
	}
	sid, err := svc.SendMessage(ctx, state.LeadInfo.Phone, body)
	if err != nil {
		o.logger.Error("Orchestrator.deliverReply: send failed", "conversationID", state.ID, "channel", state.Metadata.Channel, "error", err)
		return
	}
	o.logger.Debug("Orchestrator.deliverReply: reply delivered", "conversationID", state.ID, "sid", sid)
}

func (o *Orchestrator) handleHandoff(ctx context.Context, evt models.Event) error {
	if evt.ConversationID == "" {
		return models.NewError(models.CodeInvalidInput, "%s event without conversation id", evt.Type)
	}
	reason := viewOf(evt).str(reasonPaths...)
	if reason == "" {
		reason = defaultHandoffReason
	}
	_, err := o.conversations.EndConversation(ctx, evt.ConversationID, models.ConversationStatusHandoff, reason)
	if errors.Is(err, models.ErrInvalidTransition) {
		o.logger.Warn("Orchestrator.handleHandoff: conversation already ended", "conversationID", evt.ConversationID, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	o.logger.Info("Orchestrator.handleHandoff: conversation handed off", "conversationID", evt.ConversationID, "reason", reason)
	return nil
}

func (o *Orchestrator) handleEnded(ctx context.Context, evt models.Event) error {
	if evt.ConversationID == "" {
		return models.NewError(models.CodeInvalidInput, "%s event without conversation id", evt.Type)
	}
	state, err := o.conversations.GetConversation(ctx, evt.ConversationID)
	if err != nil {
		return err
	}
	if state == nil {
		o.logger.Warn("Orchestrator.handleEnded: unknown conversation", "conversationID", evt.ConversationID)
		return nil
	}

	var analysisErr error
	if len(state.History) > 0 {
		analysis, err := o.ai.AnalyzeConversation(ctx, state.History, o.providers()...)
		if err != nil {
			analysisErr = o.serviceError(ctx, evt, "analyze conversation", err)
		} else {
			score := analysis.QualificationScore
			update := conversation.StateUpdate{
				LeadInfo: &models.LeadInfo{QualificationScore: &score},
				ExtractedEntities: map[string]any{
					EntityAnalysisSummary: analysis.Summary,
					EntityNextSteps:       analysis.NextSteps,
				},
			}
			if _, err := o.conversations.UpdateConversationState(ctx, state.ID, update); err != nil {
				return err
			}
			o.logger.Info("Orchestrator.handleEnded: conversation scored", "conversationID", state.ID, "qualificationScore", score)
		}
	}

	if !state.Status.IsTerminal() || state.Status == models.ConversationStatusCompleted {
		if _, err := o.conversations.EndConversation(ctx, state.ID, models.ConversationStatusCompleted, ""); err != nil {
			return err
		}
	}
	// A failed analysis is retried by the queue; ending again is a no-op.
	return analysisErr
}

// handleFollowUpSuggested schedules a follow_up.scheduled event when the
// action carries a time (data.scheduleAt, RFC 3339) or a delay
// (data.delayMinutes).
func (o *Orchestrator) handleFollowUpSuggested(ctx context.Context, evt models.Event) error {
	p := viewOf(evt)
	at, ok := p.timestamp("data.scheduleAt")
	if !ok {
		minutes, hasDelay := p.float("data.delayMinutes")
		if !hasDelay || minutes < 0 {
			return nil
		}
		at = o.now().Add(time.Duration(minutes * float64(time.Minute)))
	}

	scheduled := models.Event{
		Type:           models.EventFollowUpScheduled,
		Timestamp:      o.now(),
		ConversationID: evt.ConversationID,
		Payload: map[string]any{
			"type":         p.str("type"),
			"description":  p.str("description"),
			"scheduledFor": at.UTC().Format(time.RFC3339),
		},
		Metadata: &models.EventMetadata{Source: "orchestrator", CorrelationID: correlationID(evt)},
	}
	id, err := o.emitter.EnqueueAt(ctx, scheduled, at)
	if err != nil {
		return err
	}
	o.logger.Info("Orchestrator.handleFollowUpSuggested: follow-up scheduled", "conversationID", evt.ConversationID, "queueID", id, "at", at)
	return nil
}

var followUpStatus = map[models.EventType]string{
	models.EventFollowUpScheduled: "scheduled",
	models.EventFollowUpSent:      "sent",
	models.EventFollowUpCompleted: "completed",
}

func (o *Orchestrator) handleFollowUpStatus(ctx context.Context, evt models.Event) error {
	if evt.ConversationID == "" {
		return models.NewError(models.CodeInvalidInput, "%s event without conversation id", evt.Type)
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = o.now()
	}
	_, err := o.conversations.UpdateConversationState(ctx, evt.ConversationID, conversation.StateUpdate{
		ExtractedEntities: map[string]any{
			EntityLastFollowUpStatus: followUpStatus[evt.Type],
			EntityLastFollowUpAt:     at.UTC().Format(time.RFC3339),
		},
	})
	return err
}

func hasCode(err error, code models.ErrorCode) bool {
	var e *models.Error
	return errors.As(err, &e) && e.Code == code
}
