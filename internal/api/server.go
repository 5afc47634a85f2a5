// Package api exposes the HTTP surface of LeadPipe: webhook ingress and
// read-only views of conversations, AI providers and the retry queue.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/webhook"
)

const (
	DefaultAddr = ":8080"

	// maxWebhookBody caps inbound webhook bodies.
	maxWebhookBody = 1 << 20

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// WebhookIngress accepts inbound webhook deliveries. *webhook.Handler satisfies it.
type WebhookIngress interface {
	HandleWebhookRequest(ctx context.Context, name string, body []byte, signature string, opts ...webhook.RequestOption) (*models.Event, error)
}

// ConversationReader loads conversation state. *conversation.Manager satisfies it.
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*models.ConversationState, error)
}

// ServiceStatusReporter reports AI provider health. *aiservice.Gateway satisfies it.
type ServiceStatusReporter interface {
	Providers() []models.ProviderInfo
	GetServiceStatus(ctx context.Context, provider ...string) (*models.ServiceStatus, error)
}

// QueueInspector exposes queue depth and dead letters. *queue.Queue satisfies it.
type QueueInspector interface {
	Len() int
	DeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error)
}

// Server is the HTTP front door.
type Server struct {
	addr          string
	webhooks      WebhookIngress
	conversations ConversationReader
	services      ServiceStatusReporter
	queue         QueueInspector
	router        *mux.Router
	logger        *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithQueueInspector enables the queue endpoints.
func WithQueueInspector(q QueueInspector) Option {
	return func(s *Server) { s.queue = q }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server and registers its routes.
func NewServer(webhooks WebhookIngress, conversations ConversationReader, services ServiceStatusReporter, opts ...Option) *Server {
	s := &Server{
		addr:          DefaultAddr,
		webhooks:      webhooks,
		conversations: conversations,
		services:      services,
		router:        mux.NewRouter(),
		logger:        slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/webhooks/{name}", s.webhookHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/conversations/{id}", s.conversationHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/services/status", s.serviceStatusHandler).Methods(http.MethodGet)
	if s.queue != nil {
		s.router.HandleFunc("/queue", s.queueHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/queue/dead-letters", s.deadLettersHandler).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.ErrorResponse(models.CodeInvalidInput, "method not allowed"))
	})
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse("not_found", "not found"))
	})
}

// ServeHTTP lets the server be mounted or tested directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
