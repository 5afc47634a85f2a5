// Package aiservice provides the provider-agnostic AI service gateway and its
// adapters.
//
// An Adapter implements the fixed capability set once per provider. The
// Gateway keeps a registry of adapters, routes calls to a named or default
// provider and normalizes provider failures into *models.Error.
package aiservice

import (
	"context"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Adapter is the capability set every AI provider implements.
type Adapter interface {
	Initialize(ctx context.Context, cfg models.ServiceConfig) error
	GenerateResponse(ctx context.Context, conv models.ConversationContext, prompt string) (*models.AIResponse, error)
	AnalyzeConversation(ctx context.Context, history []models.ConversationMessage) (*models.ConversationAnalysis, error)
	ExtractEntities(ctx context.Context, text string) (map[string]any, error)
	GetStatus(ctx context.Context) (*models.ServiceStatus, error)
}
