package aiservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func testContext() models.ConversationContext {
	return models.ConversationContext{
		ConversationID:    "conv-1",
		ExtractedEntities: map[string]any{},
		History:           []models.ConversationMessage{},
	}
}

// blockingAdapter never answers before its context ends.
type blockingAdapter struct {
	*MockAdapter
}

func (b blockingAdapter) GenerateResponse(ctx context.Context, _ models.ConversationContext, _ string) (*models.AIResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGateway_DefaultProviderRouting(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{content: `{"message":"Hello from OpenAI","sentiment":"positive"}`}
	openaiAdapter := newTestOpenAIAdapter(chat, &fakeModels{})
	mock := NewMockAdapter("mock")

	g := NewGateway()
	g.RegisterAdapter("mock", mock)
	g.RegisterAdapter("openai", openaiAdapter)
	require.NoError(t, g.ConfigureService(ctx, "mock", models.ServiceConfig{}))
	require.NoError(t, g.ConfigureService(ctx, "openai", models.ServiceConfig{APIKey: "sk-test", DefaultProvider: true}))

	resp, err := g.GenerateResponse(ctx, testContext(), "hi")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAssistant, resp.Message.Role)
	assert.Equal(t, "Hello from OpenAI", resp.Message.Content)
	assert.NotEmpty(t, resp.Message.ID)
	assert.False(t, resp.Message.Timestamp.IsZero())
	assert.Equal(t, 1, chat.calls)
	assert.Zero(t, mock.Calls())
}

func TestGateway_ExplicitProviderOverridesDefault(t *testing.T) {
	ctx := context.Background()
	a := NewMockAdapter("a", WithMockReply("from a"))
	b := NewMockAdapter("b", WithMockReply("from b"))
	g := NewGateway()
	g.RegisterAdapter("a", a)
	g.RegisterAdapter("b", b)
	require.NoError(t, g.ConfigureService(ctx, "a", models.ServiceConfig{DefaultProvider: true}))
	require.NoError(t, g.ConfigureService(ctx, "b", models.ServiceConfig{}))

	resp, err := g.GenerateResponse(ctx, testContext(), "hi", "b")
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Message.Content)
	assert.Zero(t, a.Calls())
}

func TestGateway_LastDefaultWins(t *testing.T) {
	ctx := context.Background()
	g := NewGateway()
	g.RegisterAdapter("a", NewMockAdapter("a"))
	g.RegisterAdapter("b", NewMockAdapter("b"))
	require.NoError(t, g.ConfigureService(ctx, "a", models.ServiceConfig{DefaultProvider: true}))
	require.NoError(t, g.ConfigureService(ctx, "b", models.ServiceConfig{DefaultProvider: true}))
	assert.Equal(t, "b", g.DefaultProvider())

	providers := g.Providers()
	require.Len(t, providers, 2)
	assert.Equal(t, models.ProviderInfo{Name: "a", Configured: true}, providers[0])
	assert.Equal(t, models.ProviderInfo{Name: "b", Configured: true, Default: true}, providers[1])
}

func TestGateway_NoProviderFailsFast(t *testing.T) {
	ctx := context.Background()
	g := NewGateway()
	g.RegisterAdapter("mock", NewMockAdapter("mock"))

	_, err := g.GenerateResponse(ctx, testContext(), "hi")
	assert.ErrorIs(t, err, models.ErrNoProvider)
	_, err = g.AnalyzeConversation(ctx, nil)
	assert.ErrorIs(t, err, models.ErrNoProvider)
	_, err = g.ExtractEntities(ctx, "text")
	assert.ErrorIs(t, err, models.ErrNoProvider)

	_, err = g.GenerateResponse(ctx, testContext(), "hi", "missing")
	var svcErr *models.Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.CodeProviderNotFound, svcErr.Code)
}

func TestGateway_ConfigureUnknownProvider(t *testing.T) {
	g := NewGateway()
	err := g.ConfigureService(context.Background(), "nope", models.ServiceConfig{})
	var svcErr *models.Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.CodeProviderNotFound, svcErr.Code)
}

func TestGateway_NormalizesAdapterFailure(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAdapter("mock", WithMockError(errors.New("boom")))
	g := NewGateway()
	g.RegisterAdapter("mock", mock)
	require.NoError(t, g.ConfigureService(ctx, "mock", models.ServiceConfig{DefaultProvider: true}))

	_, err := g.ExtractEntities(ctx, "I want a condo")
	var svcErr *models.Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.CodeProviderFailure, svcErr.Code)
	assert.Equal(t, "mock", svcErr.Service)
	assert.Equal(t, "boom", svcErr.Message)
	assert.False(t, svcErr.Retryable)
	assert.False(t, svcErr.Timestamp.IsZero())
	assert.Equal(t, int64(1), mock.Calls(), "the gateway never retries")
}

func TestGateway_TimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	g := NewGateway()
	g.RegisterAdapter("slow", blockingAdapter{NewMockAdapter("slow")})
	require.NoError(t, g.ConfigureService(ctx, "slow", models.ServiceConfig{Timeout: 20 * time.Millisecond, DefaultProvider: true}))

	_, err := g.GenerateResponse(ctx, testContext(), "hi")
	var svcErr *models.Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.CodeTimeout, svcErr.Code)
	assert.True(t, svcErr.Retryable)
	assert.True(t, models.IsRetryable(err))
}

func TestGateway_GetServiceStatusDegradesToOutage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAdapter("mock")
	g := NewGateway()
	g.RegisterAdapter("mock", mock)
	require.NoError(t, g.ConfigureService(ctx, "mock", models.ServiceConfig{DefaultProvider: true}))

	status, err := g.GetServiceStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceOperational, status.Status)

	mock.SetError(errors.New("connection refused"))
	status, err = g.GetServiceStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceOutage, status.Status)
	assert.Equal(t, int64(-1), status.Latency)
}

func TestGateway_AnalyzeConversation(t *testing.T) {
	ctx := context.Background()
	g := NewGateway()
	g.RegisterAdapter("mock", NewMockAdapter("mock", WithMockAnalysis(models.ConversationAnalysis{
		Summary:            "Buyer pre-approved for 400k",
		QualificationScore: 0.9,
		NextSteps:          []string{"schedule showing"},
	})))
	require.NoError(t, g.ConfigureService(ctx, "mock", models.ServiceConfig{DefaultProvider: true}))

	analysis, err := g.AnalyzeConversation(ctx, []models.ConversationMessage{{Role: models.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, 0.9, analysis.QualificationScore)
	assert.Equal(t, []string{"schedule showing"}, analysis.NextSteps)
}
