package orchestrator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// payload gives path lookups over an event payload. Providers disagree on
// field names, so every accessor takes candidate paths in priority order.
type payload struct {
	doc gjson.Result
}

func viewOf(evt models.Event) payload {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return payload{}
	}
	return payload{doc: gjson.ParseBytes(data)}
}

func (p payload) str(paths ...string) string {
	for _, path := range paths {
		if r := p.doc.Get(path); r.Exists() && r.Type != gjson.Null {
			if s := strings.TrimSpace(r.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func (p payload) list(path string) []string {
	r := p.doc.Get(path)
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, item := range r.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p payload) float(path string) (float64, bool) {
	r := p.doc.Get(path)
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}

func (p payload) timestamp(path string) (time.Time, bool) {
	s := p.str(path)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

// Field paths shared by the built-in sources.
var (
	textPaths    = []string{"text", "message", "content", "transcript", "transcription.text", "Body"}
	channelPaths = []string{"channel", "call.channel", "medium"}
	rolePaths    = []string{"role", "speaker.role", "speaker"}
	reasonPaths  = []string{"reason", "handoffReason", "details"}
)

func (p payload) lead() *models.LeadInfo {
	lead := &models.LeadInfo{
		Name:      p.str("lead.name", "name", "callerName", "caller.name"),
		Email:     p.str("lead.email", "email", "caller.email"),
		Phone:     p.str("lead.phone", "phone", "caller.phone", "from", "From"),
		Interests: p.list("lead.interests"),
	}
	if score, ok := p.float("lead.qualificationScore"); ok {
		lead.QualificationScore = &score
	}
	if lead.Name == "" && lead.Email == "" && lead.Phone == "" && lead.Interests == nil && lead.QualificationScore == nil {
		return nil
	}
	return lead
}

// role maps a speaker label to a message role. Human agents on a call are
// recorded as assistant turns.
func (p payload) role() models.MessageRole {
	switch strings.ToLower(p.str(rolePaths...)) {
	case "assistant", "agent", "bot":
		return models.RoleAssistant
	case "system":
		return models.RoleSystem
	default:
		return models.RoleUser
	}
}

// leadFromEntities lifts contact details found by the AI service into lead info.
func leadFromEntities(entities map[string]any) *models.LeadInfo {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := entities[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
	lead := &models.LeadInfo{
		Name:  get("name", "full_name"),
		Email: get("email"),
		Phone: get("phone", "phone_number"),
	}
	if lead.Name == "" && lead.Email == "" && lead.Phone == "" {
		return nil
	}
	return lead
}
