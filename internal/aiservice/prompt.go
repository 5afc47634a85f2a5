package aiservice

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const responseSystemPrompt = `You are a lead assistant for a real-estate and mortgage brokerage.
You talk with prospective buyers, sellers and borrowers on behalf of an agent.

Guidelines:
- Be brief, friendly and specific. Ask at most one question per reply.
- Learn the lead's goals: buying or selling, location, budget, timeline, financing.
- Never promise rates, approvals or prices.
- If the lead asks for a human, suggest a "handoff" action.

Reply with a JSON object:
{
  "message": "<your reply to the lead>",
  "suggestedActions": [{"type": "follow_up|schedule_showing|handoff", "description": "...", "data": {}}],
  "extractedEntities": {"<key>": "<value>"},
  "sentiment": "positive|neutral|negative",
  "confidenceScore": 0.0
}`

const analysisSystemPrompt = `You review conversations between a real-estate lead assistant and a lead.
Reply with a JSON object:
{
  "summary": "<two or three sentences>",
  "qualificationScore": <number between 0 and 1>,
  "nextSteps": ["<short action>", "..."]
}`

const extractionSystemPrompt = `Extract structured facts about a real-estate or mortgage lead from the text.
Use snake_case keys such as name, email, phone, budget, location, property_type,
timeline, pre_approved. Omit keys you cannot fill.
Reply with a single JSON object and nothing else.`

// leadContextPrompt renders what is already known about the lead.
func leadContextPrompt(conv models.ConversationContext) string {
	var b strings.Builder
	b.WriteString("Known lead details:\n")
	if l := conv.LeadInfo; l != nil {
		if l.Name != "" {
			fmt.Fprintf(&b, "- name: %s\n", l.Name)
		}
		if l.Email != "" {
			fmt.Fprintf(&b, "- email: %s\n", l.Email)
		}
		if l.Phone != "" {
			fmt.Fprintf(&b, "- phone: %s\n", l.Phone)
		}
		if len(l.Interests) > 0 {
			fmt.Fprintf(&b, "- interests: %s\n", strings.Join(l.Interests, ", "))
		}
	}
	if len(conv.ExtractedEntities) > 0 {
		data, err := json.Marshal(conv.ExtractedEntities)
		if err == nil {
			fmt.Fprintf(&b, "- extracted: %s\n", data)
		}
	}
	return b.String()
}

// transcript renders a history as plain text for analysis.
func transcript(history []models.ConversationMessage) string {
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// generatedReply is the JSON shape requested by responseSystemPrompt.
type generatedReply struct {
	Message           string                   `json:"message"`
	SuggestedActions  []models.SuggestedAction `json:"suggestedActions"`
	ExtractedEntities map[string]any           `json:"extractedEntities"`
	Sentiment         string                   `json:"sentiment"`
	ConfidenceScore   *float64                 `json:"confidenceScore"`
}

// parseReply decodes a model reply. Content that is not the requested JSON
// object is used verbatim as the message text.
func parseReply(content string) generatedReply {
	var reply generatedReply
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &reply) == nil && reply.Message != "" {
		return reply
	}
	return generatedReply{Message: content}
}
