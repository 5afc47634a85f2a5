package models

import "time"

// ServiceConfig holds per-provider credentials and model parameters.
type ServiceConfig struct {
	Provider        string        `json:"provider" yaml:"provider"`
	APIKey          string        `json:"-" yaml:"api_key"`
	BaseURL         string        `json:"baseUrl,omitempty" yaml:"base_url"`
	Model           string        `json:"model,omitempty" yaml:"model"`
	Temperature     *float64      `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens       int64         `json:"maxTokens,omitempty" yaml:"max_tokens"`
	Timeout         time.Duration `json:"timeout,omitempty" yaml:"-"`
	DefaultProvider bool          `json:"defaultProvider" yaml:"default"`

	// TimeoutRaw is the YAML form of Timeout ("30s").
	TimeoutRaw string `json:"-" yaml:"timeout"`
}

// SuggestedAction is a follow-up the AI service proposes to the caller.
type SuggestedAction struct {
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// AIResponse is the result of GenerateResponse.
type AIResponse struct {
	Message           ConversationMessage `json:"message"`
	SuggestedActions  []SuggestedAction   `json:"suggestedActions,omitempty"`
	ExtractedEntities map[string]any      `json:"extractedEntities,omitempty"`
	Sentiment         string              `json:"sentiment,omitempty"`
	ConfidenceScore   *float64            `json:"confidenceScore,omitempty"`
}

// ConversationAnalysis is the result of AnalyzeConversation.
type ConversationAnalysis struct {
	Summary            string   `json:"summary"`
	QualificationScore float64  `json:"qualificationScore"`
	NextSteps          []string `json:"nextSteps"`
}

// ServiceHealth is the coarse health of an AI provider.
type ServiceHealth string

const (
	ServiceOperational ServiceHealth = "operational"
	ServiceDegraded    ServiceHealth = "degraded"
	ServiceOutage      ServiceHealth = "outage"
)

// ServiceStatus is the result of GetStatus. Latency is in milliseconds; -1
// means the probe failed.
type ServiceStatus struct {
	Status         ServiceHealth `json:"status"`
	Latency        int64         `json:"latency"`
	QuotaRemaining *int64        `json:"quotaRemaining,omitempty"`
}

// ProviderInfo describes a registered provider for status listings.
type ProviderInfo struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Default    bool   `json:"default"`
}
