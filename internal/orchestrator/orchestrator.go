// Package orchestrator wires event handlers between the bus, the conversation
// manager, the AI service gateway and webhook egress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/conversation"
	"github.com/BTreeMap/LeadPipe/internal/events"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Subscriber registers event handlers. *events.Bus satisfies it.
type Subscriber interface {
	Subscribe(eventType models.EventType, handler events.Handler) func()
}

// Emitter queues derived events for dispatch. *queue.Queue satisfies it.
type Emitter interface {
	Enqueue(ctx context.Context, evt models.Event) (string, error)
	EnqueueAt(ctx context.Context, evt models.Event, at time.Time) (string, error)
}

// AIService is the part of the gateway the handlers call.
type AIService interface {
	GenerateResponse(ctx context.Context, conv models.ConversationContext, prompt string, provider ...string) (*models.AIResponse, error)
	AnalyzeConversation(ctx context.Context, history []models.ConversationMessage, provider ...string) (*models.ConversationAnalysis, error)
}

// Egress queues outbound webhook deliveries. *webhook.Handler satisfies it.
type Egress interface {
	SendWebhook(ctx context.Context, name string, payload any) (string, error)
}

// Orchestrator owns the subscriptions that turn events into state changes.
type Orchestrator struct {
	bus           Subscriber
	emitter       Emitter
	conversations *conversation.Manager
	ai            AIService

	egress   Egress
	forwards map[models.EventType][]string
	replies  map[string]messaging.Service
	provider string
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	unsubs []func()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEgress sets the target of forwarding rules.
func WithEgress(e Egress) Option {
	return func(o *Orchestrator) { o.egress = e }
}

// WithForwarding forwards every event of type t to the named egress webhooks.
func WithForwarding(t models.EventType, webhooks ...string) Option {
	return func(o *Orchestrator) { o.forwards[t] = append(o.forwards[t], webhooks...) }
}

// WithReplyChannel delivers assistant replies of conversations on channel
// through svc, addressed to the lead's phone.
func WithReplyChannel(channel string, svc messaging.Service) Option {
	return func(o *Orchestrator) { o.replies[channel] = svc }
}

// WithProvider pins AI calls to one provider instead of the gateway default.
func WithProvider(name string) Option {
	return func(o *Orchestrator) { o.provider = name }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Call Start to subscribe its handlers.
func New(bus Subscriber, emitter Emitter, conversations *conversation.Manager, ai AIService, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:           bus,
		emitter:       emitter,
		conversations: conversations,
		ai:            ai,
		forwards:      make(map[models.EventType][]string),
		replies:       make(map[string]messaging.Service),
		logger:        slog.Default().With("component", "orchestrator"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start subscribes all handlers. Calling it twice is a no-op.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.unsubs) > 0 {
		return nil
	}
	if len(o.forwards) > 0 && o.egress == nil {
		return errors.New("forwarding rules configured without egress")
	}

	handlers := map[models.EventType]events.Handler{
		models.EventConversationStarted:         o.handleStarted,
		models.EventConversationMessageReceived: o.handleMessageReceived,
		models.EventConversationHandoff:         o.handleHandoff,
		models.EventConversationEnded:           o.handleEnded,
		models.EventFollowUpSuggested:           o.handleFollowUpSuggested,
		models.EventFollowUpScheduled:           o.handleFollowUpStatus,
		models.EventFollowUpSent:                o.handleFollowUpStatus,
		models.EventFollowUpCompleted:           o.handleFollowUpStatus,
	}
	for t, h := range handlers {
		o.unsubs = append(o.unsubs, o.bus.Subscribe(t, h))
	}
	for t, hooks := range o.forwards {
		for _, name := range hooks {
			o.unsubs = append(o.unsubs, o.bus.Subscribe(t, o.forwarder(name)))
		}
	}
	o.logger.Info("Orchestrator.Start: handlers subscribed", "handlers", len(handlers), "forwardRules", len(o.forwards))
	return nil
}

// Stop removes every subscription made by Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, unsub := range o.unsubs {
		unsub()
	}
	o.unsubs = nil
}

func (o *Orchestrator) forwarder(name string) events.Handler {
	return func(ctx context.Context, evt models.Event) error {
		id, err := o.egress.SendWebhook(ctx, name, evt)
		if err != nil {
			return fmt.Errorf("forward %s to %s: %w", evt.Type, name, err)
		}
		o.logger.Debug("Orchestrator.forwarder: event forwarded", "eventID", evt.ID, "eventType", evt.Type, "webhook", name, "deliveryID", id)
		return nil
	}
}

func (o *Orchestrator) providers() []string {
	if o.provider == "" {
		return nil
	}
	return []string{o.provider}
}

// emit queues a derived event correlated with its cause.
func (o *Orchestrator) emit(ctx context.Context, cause models.Event, t models.EventType, payload map[string]any) error {
	evt := models.Event{
		Type:           t,
		Timestamp:      o.now(),
		ConversationID: cause.ConversationID,
		Payload:        payload,
		Metadata:       &models.EventMetadata{Source: "orchestrator", CorrelationID: correlationID(cause)},
	}
	if cause.Metadata != nil {
		evt.Metadata.TraceID = cause.Metadata.TraceID
	}
	if _, err := o.emitter.Enqueue(ctx, evt); err != nil {
		return fmt.Errorf("emit %s: %w", t, err)
	}
	return nil
}

// serviceError reports a gateway failure as error.service and returns err.
func (o *Orchestrator) serviceError(ctx context.Context, cause models.Event, op string, err error) error {
	payload := map[string]any{
		"operation": op,
		"error":     err.Error(),
		"retryable": models.IsRetryable(err),
	}
	var se *models.Error
	if errors.As(err, &se) {
		payload["code"] = string(se.Code)
		if se.Service != "" {
			payload["service"] = se.Service
		}
		if se.RequestID != "" {
			payload["requestId"] = se.RequestID
		}
	}
	if emitErr := o.emit(ctx, cause, models.EventErrorService, payload); emitErr != nil {
		o.logger.Error("Orchestrator.serviceError: emit failed", "conversationID", cause.ConversationID, "error", emitErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func correlationID(evt models.Event) string {
	if evt.Metadata != nil && evt.Metadata.CorrelationID != "" {
		return evt.Metadata.CorrelationID
	}
	return evt.ID
}

func sourceOf(evt models.Event) string {
	if evt.Metadata != nil && evt.Metadata.Source != "" {
		return evt.Metadata.Source
	}
	return "unknown"
}
