package aiservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// DefaultOpenAIModel is used when a ServiceConfig names no model.
const DefaultOpenAIModel = openai.ChatModelGPT4oMini

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// modelService is the slice of the models API used as a health probe.
type modelService interface {
	Get(ctx context.Context, model string, opts ...option.RequestOption) (*openai.Model, error)
}

// OpenAIAdapter talks to the OpenAI chat completions API, or to any
// OpenAI-compatible vendor reachable through BaseURL.
type OpenAIAdapter struct {
	name string

	mu     sync.RWMutex
	cfg    models.ServiceConfig
	chat   chatService
	models modelService

	newServices func(cfg models.ServiceConfig) (chatService, modelService)
}

// NewOpenAIAdapter creates an adapter that reports failures under name.
func NewOpenAIAdapter(name string) *OpenAIAdapter {
	return &OpenAIAdapter{name: name, newServices: newOpenAIServices}
}

func newOpenAIServices(cfg models.ServiceConfig) (chatService, modelService) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(opts...)
	return &cli.Chat.Completions, &cli.Models
}

// Initialize builds the underlying client. The API key falls back to
// OPENAI_API_KEY.
func (a *OpenAIAdapter) Initialize(ctx context.Context, cfg models.ServiceConfig) error {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return models.NewAIServiceError(a.name, models.CodeInvalidInput, "", false, errors.New("API key not set"))
	}
	if cfg.Model == "" {
		cfg.Model = string(DefaultOpenAIModel)
	}
	chat, probe := a.newServices(cfg)

	a.mu.Lock()
	a.cfg = cfg
	a.chat = chat
	a.models = probe
	a.mu.Unlock()

	slog.Debug("OpenAIAdapter.Initialize: client ready", "provider", a.name, "model", cfg.Model, "baseURL_set", cfg.BaseURL != "")
	return nil
}

func (a *OpenAIAdapter) services() (models.ServiceConfig, chatService, modelService, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.chat == nil {
		return a.cfg, nil, nil, models.NewAIServiceError(a.name, models.CodeProviderFailure, "", false, errors.New("adapter not initialized"))
	}
	return a.cfg, a.chat, a.models, nil
}

// GenerateResponse sends the system prompt, the lead context, the history and
// the prompt, and decodes the JSON reply.
func (a *OpenAIAdapter) GenerateResponse(ctx context.Context, conv models.ConversationContext, prompt string) (*models.AIResponse, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(responseSystemPrompt),
		openai.SystemMessage(leadContextPrompt(conv)),
	}
	for _, m := range conv.History {
		messages = append(messages, toChatMessage(m))
	}
	// The prompt is usually the user message that was just appended to history.
	if n := len(conv.History); prompt != "" && (n == 0 || conv.History[n-1].Role != models.RoleUser || conv.History[n-1].Content != prompt) {
		messages = append(messages, openai.UserMessage(prompt))
	}

	content, err := a.complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	reply := parseReply(content)
	return &models.AIResponse{
		Message: models.ConversationMessage{
			Role:    models.RoleAssistant,
			Content: reply.Message,
		},
		SuggestedActions:  reply.SuggestedActions,
		ExtractedEntities: reply.ExtractedEntities,
		Sentiment:         reply.Sentiment,
		ConfidenceScore:   reply.ConfidenceScore,
	}, nil
}

// AnalyzeConversation summarizes a transcript and scores the lead.
func (a *OpenAIAdapter) AnalyzeConversation(ctx context.Context, history []models.ConversationMessage) (*models.ConversationAnalysis, error) {
	content, err := a.complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(analysisSystemPrompt),
		openai.UserMessage(transcript(history)),
	})
	if err != nil {
		return nil, err
	}
	var analysis models.ConversationAnalysis
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return nil, models.NewAIServiceError(a.name, models.CodeProviderFailure, "", false, fmt.Errorf("decode analysis: %w", err))
	}
	if analysis.NextSteps == nil {
		analysis.NextSteps = []string{}
	}
	return &analysis, nil
}

// ExtractEntities asks the model for a flat JSON object of lead facts.
func (a *OpenAIAdapter) ExtractEntities(ctx context.Context, text string) (map[string]any, error) {
	content, err := a.complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(extractionSystemPrompt),
		openai.UserMessage(text),
	})
	if err != nil {
		return nil, err
	}
	entities := map[string]any{}
	if err := json.Unmarshal([]byte(content), &entities); err != nil {
		return nil, models.NewAIServiceError(a.name, models.CodeProviderFailure, "", false, fmt.Errorf("decode entities: %w", err))
	}
	return entities, nil
}

// GetStatus retrieves the configured model as a liveness probe. A rate
// limited probe reports degraded rather than failing.
func (a *OpenAIAdapter) GetStatus(ctx context.Context) (*models.ServiceStatus, error) {
	cfg, _, probe, err := a.services()
	if err != nil {
		return nil, err
	}
	var raw *http.Response
	start := time.Now()
	_, err = probe.Get(ctx, cfg.Model, option.WithResponseInto(&raw))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return &models.ServiceStatus{Status: models.ServiceDegraded, Latency: latency}, nil
		}
		return nil, a.classify(err)
	}
	status := &models.ServiceStatus{Status: models.ServiceOperational, Latency: latency}
	if raw != nil {
		if v, err := strconv.ParseInt(raw.Header.Get("x-ratelimit-remaining-requests"), 10, 64); err == nil {
			status.QuotaRemaining = &v
		}
	}
	return status, nil
}

func (a *OpenAIAdapter) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	cfg, chat, _, err := a.services()
	if err != nil {
		return "", err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(cfg.Model),
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	if cfg.Temperature != nil {
		params.Temperature = openai.Float(*cfg.Temperature)
	}
	if cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(cfg.MaxTokens)
	}

	resp, err := chat.New(ctx, params)
	if err != nil {
		return "", a.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", models.NewAIServiceError(a.name, models.CodeProviderFailure, resp.ID, true, errors.New("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps client errors onto error codes and retryable hints:
// 429 and 5xx responses are retryable, other API errors are not.
func (a *OpenAIAdapter) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		requestID := ""
		if apiErr.Response != nil {
			requestID = apiErr.Response.Header.Get("x-request-id")
		}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return models.NewAIServiceError(a.name, models.CodeRateLimited, requestID, true, err)
		case apiErr.StatusCode >= 500:
			return models.NewAIServiceError(a.name, models.CodeProviderFailure, requestID, true, err)
		default:
			return models.NewAIServiceError(a.name, models.CodeProviderFailure, requestID, false, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewAIServiceError(a.name, models.CodeTimeout, "", true, err)
	}
	return models.NewAIServiceError(a.name, models.CodeProviderFailure, "", false, err)
}

func toChatMessage(m models.ConversationMessage) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case models.RoleAssistant:
		return openai.AssistantMessage(m.Content)
	case models.RoleSystem:
		return openai.SystemMessage(m.Content)
	default:
		return openai.UserMessage(m.Content)
	}
}
