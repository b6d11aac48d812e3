package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/renfield-ai/renfield/pkg/provider/llm"
)

// Roles the classifier may assign. The set is closed; anything else from the
// model is coerced to RoleConversation.
const (
	// RoleConversation is small talk and general questions answered directly.
	RoleConversation = "conversation"

	// RoleKnowledge is a question about ingested documents.
	RoleKnowledge = "knowledge"

	// RoleSmartHome is acting on or reading the home: lights, climate, locks.
	RoleSmartHome = "smart_home"

	// RoleDocuments is working with a specific document the user names.
	RoleDocuments = "documents"

	// RoleMedia is playback: music, radio, podcasts.
	RoleMedia = "media"

	// RoleResearch is looking something up beyond the household's documents.
	RoleResearch = "research"

	// RoleWorkflow is a multi-step task across files, calendar, or mail.
	RoleWorkflow = "workflow"

	// RoleGeneral is an actionable request that fits no specific role.
	RoleGeneral = "general"
)

// roleSpec is one row of the role table: the tool surface offered to the
// agent and the prompt framing for utterances of that role. The table is
// read-only after startup.
type roleSpec struct {
	// Tools whitelists internal tools by name.
	Tools []string

	// Servers whitelists remote tool servers by name.
	Servers []string

	// AllTools offers the full tool surface, ignoring the whitelists.
	AllTools bool

	// Prompt is the role's addition to the base system prompt.
	Prompt string
}

// roleTable is the declarative per-role configuration. conversation,
// knowledge, and documents never reach the agent loop; their entries carry
// only the prompt framing.
var roleTable = map[string]roleSpec{
	RoleConversation: {
		Prompt: "Answer directly from what you know.",
	},
	RoleKnowledge: {
		Prompt: "Ground the answer in the retrieved document excerpts.",
	},
	RoleDocuments: {
		Prompt: "Ground the answer in the retrieved document excerpts.",
	},
	RoleSmartHome: {
		Tools:   []string{"resolve_room_player", "media_control", "where_is_person", "who_is_in_room"},
		Servers: []string{"homeassistant"},
		Prompt:  "The user wants to act on the home. Use the tools, then confirm what you did in one short sentence.",
	},
	RoleMedia: {
		Tools:   []string{"resolve_room_player", "play_in_room", "media_control"},
		Servers: []string{"media", "music"},
		Prompt:  "The user wants media playback. Resolve the room first, then play or control it.",
	},
	RoleResearch: {
		Tools:   []string{"search_knowledge"},
		Servers: []string{"search", "web"},
		Prompt:  "Look the answer up with the tools before answering; name the source in a speech-friendly way.",
	},
	RoleWorkflow: {
		Servers: []string{"files", "calendar", "email", "tasks"},
		Prompt:  "The user wants a multi-step task done. Work through it tool by tool and report the outcome.",
	},
	RoleGeneral: {
		AllTools: true,
		Prompt:   "Use any tool that helps; answer directly when none does.",
	},
}

// agentRole reports whether utterances of this role enter the agent loop.
func agentRole(role string) bool {
	switch role {
	case RoleConversation, RoleKnowledge, RoleDocuments:
		return false
	}
	return true
}

const classifyPrompt = `Classify the user's utterance for a home voice assistant.

Return a JSON object {"role": "...", "confidence": 0.0-1.0}.
Roles:
- "conversation": small talk, general questions answerable from knowledge of the world.
- "knowledge": questions about the household's own documents (manuals, notes, contracts).
- "smart_home": acting on or reading the home: lights, climate, locks, timers.
- "documents": working with one specific document the user names.
- "media": music, radio, or podcast playback and control.
- "research": looking something up on the web or beyond the household's documents.
- "workflow": multi-step tasks across files, calendar, or mail.
- "general": an actionable request that fits none of the above.
Answer with the JSON object only.`

// classification is the parsed classifier output.
type classification struct {
	Role       string  `json:"role"`
	Confidence float64 `json:"confidence"`
}

// classify runs the JSON-mode role classifier. Parse failures and unknown
// roles degrade to conversation rather than failing the turn.
func (r *Router) classify(ctx context.Context, text string) classification {
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifyPrompt,
		Messages:     []llm.Message{{Role: "user", Content: text}},
		JSONMode:     true,
		MaxTokens:    64,
	})
	if err != nil {
		r.log.Warn("role classification failed", "error", err)
		return classification{Role: RoleConversation}
	}

	var c classification
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &c); err != nil {
		r.log.Warn("unparseable classification", "content", resp.Content, "error", err)
		return classification{Role: RoleConversation}
	}
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	if _, ok := roleTable[c.Role]; !ok {
		r.log.Debug("classifier produced unknown role, coercing", "role", c.Role)
		c.Role = RoleConversation
	}
	return c
}

// extractJSON trims whatever a chatty model wraps around its JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// haKeywords recovers obviously actionable utterances that the legacy intent
// ranker missed.
var haKeywords = []string{
	"turn on", "turn off", "switch on", "switch off",
	"light", "lights", "lamp", "heating", "thermostat",
	"play", "pause", "stop the music", "volume",
}

// looksActionable reports whether text contains a home-control keyword.
func looksActionable(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range haKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// followUpLeads open utterances that continue the previous question.
var followUpLeads = []string{
	"and ", "also ", "then ", "what about", "how about", "what else",
}

// anaphora are the pronouns a follow-up uses to point at the previous answer.
var anaphora = []string{"it", "that", "this", "them", "those", "there"}

// looksLikeFollowUp reports whether text reads as a continuation of the
// previous utterance: short, and either opening with a continuation lead or
// leaning on a pronoun for its subject.
func looksLikeFollowUp(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	words := strings.Fields(lower)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	for _, lead := range followUpLeads {
		if strings.HasPrefix(lower, lead) {
			return true
		}
	}
	for _, w := range words {
		w = strings.Trim(w, ".,?!")
		for _, p := range anaphora {
			if w == p {
				return true
			}
		}
	}
	return false
}

// followUpQuestion reports whether the assistant's reply invites another
// turn, so the device can keep listening without a new wake word.
func followUpQuestion(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	return strings.HasSuffix(trimmed, "?")
}

// actionMarker renders a machine-readable action summary appended to stored
// assistant turns, so later history enrichment can tell the model what was
// actually done rather than what was said.
func actionMarker(tool string, success bool) string {
	return fmt.Sprintf("[did:%s success=%t]", tool, success)
}
