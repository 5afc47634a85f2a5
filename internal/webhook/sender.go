package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/LeadPipe/internal/queue"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Headers set on every egress delivery.
const (
	HeaderSignature = "X-LeadPipe-Signature"
	HeaderDelivery  = "X-LeadPipe-Delivery"
	HeaderEvent     = "X-LeadPipe-Event"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultSendTimeout    = 10 * time.Second
	DefaultStaleThreshold = 5 * time.Minute
	DefaultClaimLimit     = 10

	maxErrorBody = 512
)

// RegistrationLookup resolves a webhook name to its registration.
// *Handler satisfies it.
type RegistrationLookup interface {
	Registration(name string) (Registration, bool)
}

// Sender claims due outbox deliveries and POSTs them to their endpoints,
// retrying failures with the shared backoff policy.
type Sender struct {
	repo           store.OutboxRepo
	lookup         RegistrationLookup
	client         *http.Client
	backoff        queue.Backoff
	limiter        *rate.Limiter
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	logger         *slog.Logger
	now            func() time.Time
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.client = c }
}

// WithSendTimeout sets the per-delivery HTTP timeout.
func WithSendTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

// WithSenderBackoff sets the retry policy.
func WithSenderBackoff(b queue.Backoff) SenderOption {
	return func(s *Sender) { s.backoff = b }
}

// WithPollInterval sets how often the outbox is polled.
func WithPollInterval(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithRateLimit caps deliveries per second across all endpoints.
func WithRateLimit(perSecond float64, burst int) SenderOption {
	return func(s *Sender) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClaimLimit sets how many deliveries are claimed per poll.
func WithClaimLimit(n int) SenderOption {
	return func(s *Sender) {
		if n > 0 {
			s.claimLimit = n
		}
	}
}

// WithSenderLogger sets the sender logger.
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// WithSenderClock overrides the time source.
func WithSenderClock(now func() time.Time) SenderOption {
	return func(s *Sender) { s.now = now }
}

// NewSender creates a Sender.
func NewSender(repo store.OutboxRepo, lookup RegistrationLookup, opts ...SenderOption) *Sender {
	s := &Sender{
		repo:           repo,
		lookup:         lookup,
		client:         &http.Client{Timeout: DefaultSendTimeout},
		backoff:        queue.DefaultBackoff,
		limiter:        rate.NewLimiter(rate.Inf, 1),
		pollInterval:   DefaultPollInterval,
		staleThreshold: DefaultStaleThreshold,
		claimLimit:     DefaultClaimLimit,
		logger:         slog.Default().With("component", "webhook_sender"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues deliveries left in sending state by a crash.
// Called once at startup.
func (s *Sender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.now().Add(-s.staleThreshold))
	if err != nil {
		return fmt.Errorf("failed to requeue stale deliveries: %w", err)
	}
	if n > 0 {
		s.logger.Info("Sender.RecoverStaleMessages: requeued stale deliveries", "count", n)
	}
	return nil
}

// Run polls the outbox until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	if err := s.RecoverStaleMessages(ctx); err != nil {
		s.logger.Error("Sender.Run: recovery failed", "error", err)
	}
	s.logger.Info("Sender.Run: starting", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("Sender.Run: stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// poll claims and delivers one batch. It returns the number delivered.
func (s *Sender) poll(ctx context.Context) int {
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, s.now(), s.claimLimit)
	if err != nil {
		s.logger.Error("Sender.poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		if err := s.limiter.Wait(ctx); err != nil {
			// Shutting down; the claimed rows are requeued by the next startup.
			return sent
		}
		if err := s.deliver(ctx, msg); err != nil {
			s.fail(ctx, msg, err)
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			s.logger.Error("Sender.poll: mark sent failed", "deliveryID", msg.ID, "error", err)
			continue
		}
		sent++
		s.logger.Debug("Sender.poll: delivered", "deliveryID", msg.ID, "webhook", msg.WebhookName, "kind", msg.Kind)
	}
	return sent
}

func (s *Sender) deliver(ctx context.Context, msg store.OutboxMessage) error {
	reg, ok := s.lookup.Registration(msg.WebhookName)
	if !ok {
		return errWebhookNotRegistered(msg.WebhookName)
	}
	if reg.Endpoint == "" {
		return fmt.Errorf("webhook %s has no egress endpoint", reg.Name)
	}

	body := []byte(msg.PayloadJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, msg.ID)
	req.Header.Set(HeaderEvent, msg.Kind)
	if reg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(reg.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s failed: %w", reg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("endpoint %s returned %d: %s", reg.Name, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// fail schedules a retry, or abandons the delivery once the policy is spent.
// msg.Attempts counts failures before this one.
func (s *Sender) fail(ctx context.Context, msg store.OutboxMessage, cause error) {
	if s.backoff.Exhausted(msg.Attempts) {
		s.logger.Error("Sender.fail: delivery abandoned", "deliveryID", msg.ID, "webhook", msg.WebhookName, "attempts", msg.Attempts+1, "error", cause)
		if err := s.repo.AbandonOutboxMessage(ctx, msg.ID, cause.Error()); err != nil {
			s.logger.Error("Sender.fail: abandon failed", "deliveryID", msg.ID, "error", err)
		}
		return
	}
	next := s.now().Add(s.backoff.Delay(msg.Attempts))
	s.logger.Warn("Sender.fail: delivery failed, retry scheduled", "deliveryID", msg.ID, "webhook", msg.WebhookName, "attempt", msg.Attempts+1, "nextAttempt", next, "error", cause)
	if err := s.repo.FailOutboxMessage(ctx, msg.ID, cause.Error(), next); err != nil {
		s.logger.Error("Sender.fail: reschedule failed", "deliveryID", msg.ID, "error", err)
	}
}
