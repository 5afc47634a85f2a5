package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/webhook"
)

// Inbound signature and delivery headers, in lookup order.
var (
	signatureHeaders = []string{webhook.HeaderSignature, "X-Twilio-Signature", "X-Hub-Signature-256"}
	deliveryHeaders  = []string{webhook.HeaderDelivery, "I-Twilio-Idempotency-Token", "X-Request-Id"}
)

const defaultDeadLetterLimit = 50

// webhookHandler handles POST /webhooks/{name}.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	name := mux.Vars(r)["name"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.logger.Warn("Server.webhookHandler: failed to read body", "webhook", name, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(models.CodeInvalidInput, "unreadable or oversized body"))
		return
	}

	opts := []webhook.RequestOption{
		webhook.WithContentType(r.Header.Get("Content-Type")),
		webhook.WithRequestURL(requestURL(r)),
	}
	if id := firstHeader(r, deliveryHeaders); id != "" {
		opts = append(opts, webhook.WithDeliveryID(id))
	}

	evt, err := s.webhooks.HandleWebhookRequest(r.Context(), name, body, firstHeader(r, signatureHeaders), opts...)
	if errors.Is(err, webhook.ErrDuplicateDelivery) {
		writeJSONResponse(w, http.StatusOK, models.Duplicate("delivery already accepted"))
		return
	}
	if err != nil {
		s.logger.Warn("Server.webhookHandler: delivery rejected", "webhook", name, "error", err)
		writeError(w, err)
		return
	}

	s.logger.Debug("Server.webhookHandler: delivery accepted", "webhook", name, "eventID", evt.ID, "eventType", evt.Type)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(map[string]any{
		"eventId":        evt.ID,
		"eventType":      evt.Type,
		"conversationId": evt.ConversationID,
	}))
}

// conversationHandler handles GET /conversations/{id}.
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, err := s.conversations.GetConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("Server.conversationHandler: load failed", "conversationID", id, "error", err)
		writeError(w, err)
		return
	}
	if state == nil {
		writeError(w, models.NewError(models.CodeConversationNotFound, "conversation %s not found", id))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

type providerStatus struct {
	models.ProviderInfo
	*models.ServiceStatus
}

// serviceStatusHandler handles GET /services/status[?provider=name].
func (s *Server) serviceStatusHandler(w http.ResponseWriter, r *http.Request) {
	want := r.URL.Query().Get("provider")
	var out []providerStatus
	for _, info := range s.services.Providers() {
		if want != "" && info.Name != want {
			continue
		}
		status, err := s.services.GetServiceStatus(r.Context(), info.Name)
		if err != nil {
			// Only resolution failures reach here; adapter failures degrade to outage.
			writeError(w, err)
			return
		}
		out = append(out, providerStatus{ProviderInfo: info, ServiceStatus: status})
	}
	if want != "" && len(out) == 0 {
		writeError(w, models.NewError(models.CodeProviderNotFound, "provider %q is not registered", want))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

// queueHandler handles GET /queue.
func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"pending": s.queue.Len()}))
}

// deadLettersHandler handles GET /queue/dead-letters[?limit=n].
func (s *Server) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(models.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	dls, err := s.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.Error("Server.deadLettersHandler: list failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(dls))
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func firstHeader(r *http.Request, names []string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// requestURL reconstructs the URL the caller used, honouring a TLS-terminating proxy.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
