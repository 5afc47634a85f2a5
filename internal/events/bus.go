// Package events provides the typed publish/subscribe bus that fans events
// out to handlers.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

// Handler processes one event. A returned error or a panic marks the handler
// as failed for that publish; it never affects other handlers.
type Handler func(ctx context.Context, event models.Event) error

// HandlerResult is the outcome of one handler for one publish.
type HandlerResult struct {
	SubscriptionID string `json:"subscriptionId"`
	Err            error  `json:"-"`
}

// PublishResult reports what every handler did with a published event.
type PublishResult struct {
	EventID string          `json:"eventId"`
	Results []HandlerResult `json:"results"`
	// ErrorEvent is the synthesized error.processing event when any handler failed.
	ErrorEvent *models.Event `json:"errorEvent,omitempty"`
}

// Failed returns the number of handlers that failed.
func (r PublishResult) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Err joins the handler failures, or returns nil when all succeeded.
func (r PublishResult) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.SubscriptionID, res.Err))
		}
	}
	return errors.Join(errs...)
}

type subscription struct {
	id      string
	handler Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithEventLogger replaces the sink that records every published event.
func WithEventLogger(l EventLogger) Option {
	return func(b *Bus) {
		if l != nil {
			b.eventLog = l
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bus dispatches events to the handlers subscribed to their type. Handlers
// for one event run concurrently and publishers are never coupled to their
// health.
type Bus struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]subscription
	nextID   int
	closed   bool

	eventLog EventLogger
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[models.EventType][]subscription),
		logger:   slog.Default().With("component", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.eventLog == nil {
		b.eventLog = NewSlogEventLogger(b.logger)
	}
	return b
}

// Subscribe registers handler for exactly one event type. The returned func
// removes the subscription and may be called any number of times.
func (b *Bus) Subscribe(eventType models.EventType, handler Handler) func() {
	if !eventType.IsValid() || handler == nil {
		b.logger.Error("Bus.Subscribe: rejected subscription", "eventType", eventType, "handler_set", handler != nil)
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("%s#%d", eventType, b.nextID)
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("Bus.Subscribe: handler registered", "eventType", eventType, "subscriptionID", id)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *Bus) unsubscribe(eventType models.EventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[eventType]) == 0 {
		delete(b.handlers, eventType)
	}
	b.logger.Debug("Bus.unsubscribe: handler removed", "eventType", eventType, "subscriptionID", id)
}

// SubscriberCount returns the number of handlers subscribed to eventType.
func (b *Bus) SubscriberCount(eventType models.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Publish logs event, runs every handler subscribed to its type concurrently
// and waits for all of them. Handler failures are reported in the result and
// through a single error.processing event; the returned error is reserved for
// bus-level faults: a closed bus, a context cancelled before or during
// dispatch, or an invalid event.
func (b *Bus) Publish(ctx context.Context, event models.Event) (PublishResult, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	result := PublishResult{EventID: event.ID}

	b.mu.RLock()
	closed := b.closed
	subs := append([]subscription(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	if closed {
		return result, ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := event.Validate(); err != nil {
		return result, models.NewError(models.CodeInvalidInput, "publish: %v", err)
	}

	b.eventLog.LogEvent(ctx, event)

	result.Results = make([]HandlerResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		result.Results[i].SubscriptionID = sub.id
		wg.Add(1)
		go func(i int, sub subscription) {
			defer wg.Done()
			result.Results[i].Err = b.invoke(ctx, sub, event.Clone())
		}(i, sub)
	}
	wg.Wait()

	// Failures caused by cancellation are a bus-level fault; callers requeue
	// the event instead of counting a failed attempt.
	if err := ctx.Err(); err != nil && result.Failed() > 0 {
		b.logger.Warn("Bus.Publish: context cancelled during dispatch", "eventID", event.ID, "eventType", event.Type, "error", err)
		return result, err
	}

	if failed := result.Failed(); failed > 0 {
		errEvent := b.errorEvent(event, result)
		result.ErrorEvent = &errEvent
		b.eventLog.LogEvent(ctx, errEvent)
		b.logger.Warn("Bus.Publish: handlers failed", "eventID", event.ID, "eventType", event.Type, "failed", failed, "handlers", len(subs))
	}
	return result, nil
}

// invoke runs one handler and converts a panic into an error.
func (b *Bus) invoke(ctx context.Context, sub subscription, event models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Bus.invoke: handler panicked", "subscriptionID", sub.id, "eventID", event.ID, "panic", r)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

func (b *Bus) errorEvent(original models.Event, result PublishResult) models.Event {
	var details []string
	for _, res := range result.Results {
		if res.Err != nil {
			details = append(details, fmt.Sprintf("%s: %v", res.SubscriptionID, res.Err))
		}
	}
	return models.Event{
		ID:             uuid.NewString(),
		Type:           models.EventErrorProcessing,
		Timestamp:      time.Now(),
		ConversationID: original.ConversationID,
		Payload: map[string]any{
			"originalEvent": original.Clone(),
			"errors":        details,
		},
		Metadata: &models.EventMetadata{Source: "event_bus", CorrelationID: original.ID},
	}
}

// Close stops the bus from accepting further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.logger.Debug("Bus.Close: bus closed")
	}
}
