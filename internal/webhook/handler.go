// Package webhook converts inbound provider webhooks into internal events and
// delivers outbound events to registered endpoints.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Default gjson paths into an inbound payload.
const (
	DefaultEventTypePath      = "eventType"
	DefaultConversationIDPath = "conversationId"
	DefaultDeliveryIDPath     = "deliveryId"
)

const formContentType = "application/x-www-form-urlencoded"

// ErrDuplicateDelivery is returned when a delivery id has already been accepted.
var ErrDuplicateDelivery = errors.New("duplicate webhook delivery")

// Registration is one named webhook: its egress endpoint, shared secret and
// how inbound requests are authenticated and read.
type Registration struct {
	Name               string `json:"name"`
	Endpoint           string `json:"endpoint,omitempty"`
	Secret             string `json:"-"`
	Scheme             Scheme `json:"scheme"`
	PublicURL          string `json:"publicUrl,omitempty"`
	EventTypePath      string `json:"eventTypePath"`
	ConversationIDPath string `json:"conversationIdPath"`
	DeliveryIDPath     string `json:"deliveryIdPath"`
}

// RegisterOption customizes a Registration.
type RegisterOption func(*Registration)

// WithScheme selects the signature scheme. The default is hmac-sha256.
func WithScheme(s Scheme) RegisterOption {
	return func(r *Registration) { r.Scheme = s }
}

// WithPublicURL sets the externally visible URL used by the twilio scheme.
func WithPublicURL(u string) RegisterOption {
	return func(r *Registration) { r.PublicURL = u }
}

// WithEventTypePath sets the gjson path of the external event type.
func WithEventTypePath(p string) RegisterOption {
	return func(r *Registration) { r.EventTypePath = p }
}

// WithConversationIDPath sets the gjson path of the conversation id.
func WithConversationIDPath(p string) RegisterOption {
	return func(r *Registration) { r.ConversationIDPath = p }
}

// WithDeliveryIDPath sets the gjson path of the provider's delivery id.
func WithDeliveryIDPath(p string) RegisterOption {
	return func(r *Registration) { r.DeliveryIDPath = p }
}

// EventSink receives events accepted at ingress. *queue.Queue satisfies it.
type EventSink interface {
	Enqueue(ctx context.Context, evt models.Event) (string, error)
}

// Handler owns webhook registrations, the ingress dispatch table and the
// egress outbox.
type Handler struct {
	mu            sync.RWMutex
	registrations map[string]Registration
	mappings      map[string]map[string]models.EventType

	sink   EventSink
	outbox store.OutboxRepo
	dedup  store.DedupRepo
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithDedupRepo enables replay protection keyed on the delivery id.
func WithDedupRepo(repo store.DedupRepo) Option {
	return func(h *Handler) { h.dedup = repo }
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a Handler that feeds accepted events into sink and
// queues egress deliveries in outbox.
func NewHandler(sink EventSink, outbox store.OutboxRepo, opts ...Option) *Handler {
	h := &Handler{
		registrations: make(map[string]Registration),
		mappings:      defaultMappings(),
		sink:          sink,
		outbox:        outbox,
		logger:        slog.Default().With("component", "webhook"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterWebhook stores or replaces a registration.
func (h *Handler) RegisterWebhook(name, endpoint, secret string, opts ...RegisterOption) error {
	if name == "" {
		return models.NewError(models.CodeInvalidInput, "webhook name is required")
	}
	reg := Registration{
		Name:               name,
		Endpoint:           endpoint,
		Secret:             secret,
		Scheme:             SchemeHMACSHA256,
		EventTypePath:      DefaultEventTypePath,
		ConversationIDPath: DefaultConversationIDPath,
		DeliveryIDPath:     DefaultDeliveryIDPath,
	}
	for _, opt := range opts {
		opt(&reg)
	}
	if !reg.Scheme.IsValid() {
		return models.NewError(models.CodeInvalidInput, "unknown signature scheme %q", reg.Scheme)
	}
	if endpoint != "" {
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			return models.NewError(models.CodeInvalidInput, "invalid endpoint %q", endpoint)
		}
	}
	if reg.Scheme != SchemeNone && secret == "" {
		h.logger.Warn("Handler.RegisterWebhook: no secret configured, every signed request will be rejected", "webhook", name)
	}

	h.mu.Lock()
	h.registrations[name] = reg
	h.mu.Unlock()
	h.logger.Info("Handler.RegisterWebhook: registered", "webhook", name, "scheme", reg.Scheme, "egress", endpoint != "")
	return nil
}

// Registration returns the registration for name.
func (h *Handler) Registration(name string) (Registration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	reg, ok := h.registrations[name]
	return reg, ok
}

// Webhooks lists registrations sorted by name.
func (h *Handler) Webhooks() []Registration {
	h.mu.RLock()
	out := make([]Registration, 0, len(h.registrations))
	for _, reg := range h.registrations {
		out = append(out, reg)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type requestOptions struct {
	contentType string
	requestURL  string
	deliveryID  string
}

// RequestOption carries transport details of an inbound request.
type RequestOption func(*requestOptions)

// WithContentType sets the request Content-Type. Form posts are decoded into
// a flat payload.
func WithContentType(ct string) RequestOption {
	return func(o *requestOptions) { o.contentType = ct }
}

// WithRequestURL sets the URL the provider called. Used by the twilio scheme
// when the registration has no public URL.
func WithRequestURL(u string) RequestOption {
	return func(o *requestOptions) { o.requestURL = u }
}

// WithDeliveryID sets the delivery id from a transport header. It takes
// precedence over the payload.
func WithDeliveryID(id string) RequestOption {
	return func(o *requestOptions) { o.deliveryID = id }
}

// HandleWebhookRequest authenticates an inbound delivery, maps it to an Event
// and hands it to the sink. The accepted event is returned.
func (h *Handler) HandleWebhookRequest(ctx context.Context, name string, body []byte, signature string, opts ...RequestOption) (*models.Event, error) {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	reg, ok := h.Registration(name)
	if !ok {
		return nil, errWebhookNotRegistered(name)
	}

	var form map[string]string
	if isForm(ro.contentType) {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, &models.Error{Code: models.CodeInvalidInput, Message: "invalid form payload", Timestamp: h.now(), Err: err}
		}
		form = make(map[string]string, len(values))
		for k := range values {
			form[k] = values.Get(k)
		}
	}

	if err := reg.verify(body, form, signature, ro.requestURL); err != nil {
		h.logger.Warn("Handler.HandleWebhookRequest: signature rejected", "webhook", name, "scheme", reg.Scheme)
		return nil, err
	}

	doc, payload, err := decodePayload(body, form)
	if err != nil {
		return nil, &models.Error{Code: models.CodeInvalidInput, Message: "payload must be a JSON object", Timestamp: h.now(), Err: err}
	}

	deliveryID := ro.deliveryID
	if deliveryID == "" && reg.DeliveryIDPath != "" {
		deliveryID = gjson.GetBytes(doc, reg.DeliveryIDPath).String()
	}
	dedupKey := ""
	if deliveryID != "" && h.dedup != nil {
		dedupKey = name + ":" + deliveryID
		fresh, err := h.dedup.RecordInbound(ctx, dedupKey, name)
		if err != nil {
			return nil, fmt.Errorf("failed to record delivery %s: %w", deliveryID, err)
		}
		if !fresh {
			h.logger.Info("Handler.HandleWebhookRequest: duplicate delivery dropped", "webhook", name, "deliveryID", deliveryID)
			return nil, ErrDuplicateDelivery
		}
	}

	externalType := gjson.GetBytes(doc, reg.EventTypePath).String()
	evt := models.Event{
		ID:             uuid.NewString(),
		Type:           h.MapEventType(name, externalType),
		Timestamp:      h.now(),
		ConversationID: gjson.GetBytes(doc, reg.ConversationIDPath).String(),
		Payload:        payload,
		Metadata: &models.EventMetadata{
			Source:        name,
			CorrelationID: deliveryID,
		},
	}

	if h.sink != nil {
		if _, err := h.sink.Enqueue(ctx, evt); err != nil {
			return nil, fmt.Errorf("failed to enqueue webhook event: %w", err)
		}
	}
	if dedupKey != "" {
		if err := h.dedup.MarkProcessed(ctx, dedupKey); err != nil {
			h.logger.Error("Handler.HandleWebhookRequest: mark processed failed", "webhook", name, "deliveryID", deliveryID, "error", err)
		}
	}

	h.logger.Info("Handler.HandleWebhookRequest: accepted", "webhook", name, "externalType", externalType, "eventType", evt.Type, "eventID", evt.ID, "conversationID", evt.ConversationID)
	return &evt, nil
}

// SendWebhook queues payload for delivery to the named webhook's endpoint and
// returns the delivery id. Events are deduplicated on their id.
func (h *Handler) SendWebhook(ctx context.Context, name string, payload any) (string, error) {
	reg, ok := h.Registration(name)
	if !ok {
		return "", errWebhookNotRegistered(name)
	}
	if reg.Endpoint == "" {
		return "", models.NewError(models.CodeInvalidInput, "webhook %s has no egress endpoint", name)
	}
	if h.outbox == nil {
		return "", fmt.Errorf("webhook egress is not configured")
	}

	kind, dedupeKey := "payload", ""
	switch p := payload.(type) {
	case models.Event:
		kind, dedupeKey = string(p.Type), name+":"+p.ID
	case *models.Event:
		kind, dedupeKey = string(p.Type), name+":"+p.ID
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	id, err := h.outbox.EnqueueOutboxMessage(ctx, name, kind, string(data), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("failed to queue webhook delivery: %w", err)
	}
	h.logger.Debug("Handler.SendWebhook: delivery queued", "webhook", name, "kind", kind, "deliveryID", id)
	return id, nil
}

func isForm(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == formContentType
}

// decodePayload returns a JSON document for path lookups and the payload map.
func decodePayload(body []byte, form map[string]string) ([]byte, map[string]any, error) {
	if form != nil {
		payload := make(map[string]any, len(form))
		for k, v := range form {
			payload[k] = v
		}
		doc, err := json.Marshal(payload)
		return doc, payload, err
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, nil, errors.New("body is not a JSON object")
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, err
	}
	return body, payload, nil
}

func errWebhookNotRegistered(name string) *models.Error {
	return models.NewError(models.CodeWebhookNotRegistered, "webhook %s not registered", name)
}

func errInvalidSignature(name string) *models.Error {
	return models.NewError(models.CodeInvalidSignature, "invalid signature for webhook %s", name)
}
