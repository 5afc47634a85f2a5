package aiservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// MockOption configures a MockAdapter.
type MockOption func(*MockAdapter)

// WithMockReply fixes the message returned by GenerateResponse.
func WithMockReply(reply string) MockOption {
	return func(m *MockAdapter) { m.reply = reply }
}

// WithMockEntities fixes the entities returned by GenerateResponse and ExtractEntities.
func WithMockEntities(entities map[string]any) MockOption {
	return func(m *MockAdapter) { m.entities = models.CloneEntities(entities) }
}

// WithMockActions fixes the suggested actions returned by GenerateResponse.
func WithMockActions(actions ...models.SuggestedAction) MockOption {
	return func(m *MockAdapter) { m.actions = actions }
}

// WithMockAnalysis fixes the result of AnalyzeConversation.
func WithMockAnalysis(analysis models.ConversationAnalysis) MockOption {
	return func(m *MockAdapter) { m.analysis = &analysis }
}

// WithMockError makes every call except Initialize fail with err.
func WithMockError(err error) MockOption {
	return func(m *MockAdapter) { m.err = err }
}

// MockAdapter returns canned, deterministic data. It backs local development
// and tests.
type MockAdapter struct {
	name     string
	reply    string
	entities map[string]any
	actions  []models.SuggestedAction
	analysis *models.ConversationAnalysis

	mu          sync.Mutex
	err         error
	initialized bool
	cfg         models.ServiceConfig

	calls atomic.Int64
}

// NewMockAdapter creates a mock adapter reporting as name.
func NewMockAdapter(name string, opts ...MockOption) *MockAdapter {
	m := &MockAdapter{name: name}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetError changes the failure returned by subsequent calls; nil clears it.
func (m *MockAdapter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many capability calls the adapter has served.
func (m *MockAdapter) Calls() int64 {
	return m.calls.Load()
}

// Config returns the configuration passed to the last Initialize.
func (m *MockAdapter) Config() models.ServiceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Initialize records cfg. It never fails.
func (m *MockAdapter) Initialize(_ context.Context, cfg models.ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.initialized = true
	return nil
}

func (m *MockAdapter) begin(ctx context.Context) error {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return models.NewAIServiceError(m.name, models.CodeProviderFailure, "", false, errors.New("adapter not initialized"))
	}
	return m.err
}

// GenerateResponse echoes the prompt unless a reply was fixed.
func (m *MockAdapter) GenerateResponse(ctx context.Context, conv models.ConversationContext, prompt string) (*models.AIResponse, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	reply := m.reply
	if reply == "" {
		reply = fmt.Sprintf("[%s] Thanks for reaching out. You said %q. What are you looking for in your next home?", m.name, prompt)
	}
	confidence := 0.5
	resp := &models.AIResponse{
		Message:          models.ConversationMessage{Role: models.RoleAssistant, Content: reply},
		SuggestedActions: append([]models.SuggestedAction(nil), m.actions...),
		Sentiment:        "neutral",
		ConfidenceScore:  &confidence,
	}
	if m.entities != nil {
		resp.ExtractedEntities = models.CloneEntities(m.entities)
	}
	return resp, nil
}

// AnalyzeConversation returns the fixed analysis or a neutral summary of history.
func (m *MockAdapter) AnalyzeConversation(ctx context.Context, history []models.ConversationMessage) (*models.ConversationAnalysis, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	if m.analysis != nil {
		c := *m.analysis
		c.NextSteps = append([]string(nil), m.analysis.NextSteps...)
		return &c, nil
	}
	return &models.ConversationAnalysis{
		Summary:            fmt.Sprintf("Conversation with %d messages.", len(history)),
		QualificationScore: 0.5,
		NextSteps:          []string{"follow up with the lead"},
	}, nil
}

// ExtractEntities returns the fixed entities.
func (m *MockAdapter) ExtractEntities(ctx context.Context, _ string) (map[string]any, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	return models.CloneEntities(m.entities), nil
}

// GetStatus reports the adapter as operational. It fails while an error is set.
func (m *MockAdapter) GetStatus(ctx context.Context) (*models.ServiceStatus, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	return &models.ServiceStatus{Status: models.ServiceOperational, Latency: 1}, nil
}
