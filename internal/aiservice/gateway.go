package aiservice

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the logger used by the gateway.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway routes AI calls to registered adapters. It never retries and never
// fails over between providers; callers decide what to do with a retryable
// error.
type Gateway struct {
	mu              sync.RWMutex
	adapters        map[string]Adapter
	configs         map[string]models.ServiceConfig
	defaultProvider string

	logger *slog.Logger
	now    func() time.Time
}

// NewGateway creates an empty gateway.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		adapters: make(map[string]Adapter),
		configs:  make(map[string]models.ServiceConfig),
		logger:   slog.Default().With("component", "aiservice"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterAdapter adds or replaces the adapter for a provider name.
func (g *Gateway) RegisterAdapter(name string, adapter Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[name] = adapter
	g.logger.Debug("Gateway.RegisterAdapter: adapter registered", "provider", name)
}

// ConfigureService initializes the named adapter with cfg. When
// cfg.DefaultProvider is set the provider becomes the default; the last
// configuration carrying the flag wins.
func (g *Gateway) ConfigureService(ctx context.Context, name string, cfg models.ServiceConfig) error {
	g.mu.RLock()
	adapter, ok := g.adapters[name]
	g.mu.RUnlock()
	if !ok {
		return models.NewError(models.CodeProviderNotFound, "provider %q is not registered", name)
	}

	if cfg.Provider == "" {
		cfg.Provider = name
	}
	if err := adapter.Initialize(ctx, cfg); err != nil {
		g.logger.Error("Gateway.ConfigureService: initialize failed", "provider", name, "error", err)
		return g.normalize(name, err)
	}

	g.mu.Lock()
	g.configs[name] = cfg
	if cfg.DefaultProvider {
		if g.defaultProvider != "" && g.defaultProvider != name {
			g.logger.Warn("Gateway.ConfigureService: replacing default provider", "previous", g.defaultProvider, "provider", name)
		}
		g.defaultProvider = name
	}
	g.mu.Unlock()

	g.logger.Info("Gateway.ConfigureService: provider configured", "provider", name, "model", cfg.Model, "default", cfg.DefaultProvider)
	return nil
}

// DefaultProvider returns the current default provider name, or "".
func (g *Gateway) DefaultProvider() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultProvider
}

// Providers lists registered providers sorted by name.
func (g *Gateway) Providers() []models.ProviderInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.ProviderInfo, 0, len(g.adapters))
	for name := range g.adapters {
		_, configured := g.configs[name]
		out = append(out, models.ProviderInfo{
			Name:       name,
			Configured: configured,
			Default:    name == g.defaultProvider,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GenerateResponse asks the resolved provider for the next assistant message.
func (g *Gateway) GenerateResponse(ctx context.Context, conv models.ConversationContext, prompt string, provider ...string) (*models.AIResponse, error) {
	name, adapter, cfg, err := g.resolve(provider)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	start := g.now()
	resp, err := adapter.GenerateResponse(ctx, conv, prompt)
	if err != nil {
		g.logger.Error("Gateway.GenerateResponse: provider failed", "provider", name, "conversationID", conv.ConversationID, "error", err)
		return nil, g.normalize(name, contextError(ctx, err))
	}
	if resp == nil {
		return nil, g.normalize(name, errors.New("provider returned no response"))
	}

	resp.Message.Role = models.RoleAssistant
	if resp.Message.ID == "" {
		resp.Message.ID = util.NewMessageID()
	}
	if resp.Message.Timestamp.IsZero() {
		resp.Message.Timestamp = g.now()
	}
	g.logger.Debug("Gateway.GenerateResponse: response generated", "provider", name, "conversationID", conv.ConversationID, "duration", g.now().Sub(start))
	return resp, nil
}

// AnalyzeConversation summarizes and scores a conversation history.
func (g *Gateway) AnalyzeConversation(ctx context.Context, history []models.ConversationMessage, provider ...string) (*models.ConversationAnalysis, error) {
	name, adapter, cfg, err := g.resolve(provider)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	analysis, err := adapter.AnalyzeConversation(ctx, history)
	if err != nil {
		g.logger.Error("Gateway.AnalyzeConversation: provider failed", "provider", name, "messages", len(history), "error", err)
		return nil, g.normalize(name, contextError(ctx, err))
	}
	if analysis == nil {
		return nil, g.normalize(name, errors.New("provider returned no analysis"))
	}
	return analysis, nil
}

// ExtractEntities pulls structured entities out of free text.
func (g *Gateway) ExtractEntities(ctx context.Context, text string, provider ...string) (map[string]any, error) {
	name, adapter, cfg, err := g.resolve(provider)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	entities, err := adapter.ExtractEntities(ctx, text)
	if err != nil {
		g.logger.Error("Gateway.ExtractEntities: provider failed", "provider", name, "error", err)
		return nil, g.normalize(name, contextError(ctx, err))
	}
	if entities == nil {
		entities = map[string]any{}
	}
	return entities, nil
}

// GetServiceStatus probes the resolved provider. Probe failures are reported
// as an outage with latency -1 instead of an error; only a provider that
// cannot be resolved yields an error.
func (g *Gateway) GetServiceStatus(ctx context.Context, provider ...string) (*models.ServiceStatus, error) {
	name, adapter, cfg, err := g.resolve(provider)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	start := g.now()
	status, err := adapter.GetStatus(ctx)
	if err != nil || status == nil {
		g.logger.Warn("Gateway.GetServiceStatus: probe failed, reporting outage", "provider", name, "error", err)
		return &models.ServiceStatus{Status: models.ServiceOutage, Latency: -1}, nil
	}
	if status.Latency == 0 {
		status.Latency = g.now().Sub(start).Milliseconds()
	}
	return status, nil
}

func (g *Gateway) resolve(provider []string) (string, Adapter, models.ServiceConfig, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var name string
	if len(provider) > 0 && provider[0] != "" {
		name = provider[0]
	} else {
		name = g.defaultProvider
	}
	if name == "" {
		return "", nil, models.ServiceConfig{}, models.NewError(models.CodeNoProvider, "no provider specified and no default configured")
	}
	adapter, ok := g.adapters[name]
	if !ok {
		return "", nil, models.ServiceConfig{}, models.NewError(models.CodeProviderNotFound, "provider %q is not registered", name)
	}
	return name, adapter, g.configs[name], nil
}

// normalize turns any adapter failure into a *models.Error tagged with the
// provider name.
func (g *Gateway) normalize(service string, err error) error {
	var svcErr *models.Error
	if errors.As(err, &svcErr) {
		c := *svcErr
		if c.Service == "" {
			c.Service = service
		}
		if c.Timestamp.IsZero() {
			c.Timestamp = g.now()
		}
		return &c
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e := models.NewAIServiceError(service, models.CodeTimeout, "", true, err)
		e.Timestamp = g.now()
		return e
	}
	e := models.NewAIServiceError(service, models.CodeProviderFailure, uuid.NewString(), false, err)
	e.Timestamp = g.now()
	return e
}

func withTimeout(ctx context.Context, cfg models.ServiceConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// contextError prefers the context's own error when the call ran out of time,
// since HTTP clients often wrap it in their own types.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ctxErr, err)
	}
	return err
}
