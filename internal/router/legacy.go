package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/renfield-ai/renfield/internal/protocol"
	"github.com/renfield-ai/renfield/internal/tools"
	"github.com/renfield-ai/renfield/pkg/provider/llm"
)

// minIntentConfidence is the floor below which a ranked intent is ignored.
const minIntentConfidence = 0.4

const legacyPrompt = `Map the user's utterance onto the assistant's tools.

Return a JSON object {"intents": [{"intent": "...", "confidence": 0.0-1.0, "args": {...}}]} ranked best first. Use "none" when no tool applies. Available tools and their arguments:
%s
Answer with the JSON object only.`

// recoveryHint is appended when keyword recovery re-asks the model.
const recoveryHint = "\nThe utterance clearly refers to a home device or media playback; pick the closest tool rather than \"none\"."

// confirmPrompt turns an executed action into a spoken confirmation.
const confirmPrompt = `An action was just executed for the user. Write one short spoken sentence confirming the outcome, in the user's language. No markup, no lists.

User said: %q
Tool: %s
Outcome: %s
Details: %s`

// rankedIntent is one entry of the legacy classifier output.
type rankedIntent struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Args       map[string]any `json:"args"`
}

// runLegacy is the ranked-intent path for models without tool calling: one
// JSON completion ranks candidate intents, and the router executes them in
// descending confidence until one succeeds with a non-empty result. The
// winner's outcome is turned into a spoken confirmation by a second LLM
// call. When the ranking comes up empty but the utterance contains
// home-control keywords, the model gets one retry with a stronger hint.
// With no usable intent at all, the turn falls back to plain conversation.
func (r *Router) runLegacy(ctx context.Context, req Request, role string) (*Reply, error) {
	toolList := ""
	for _, def := range r.toolsForRole(role) {
		toolList += fmt.Sprintf("- %s: %s\n", def.Name, def.Description)
	}
	prompt := fmt.Sprintf(legacyPrompt, toolList)

	intents, err := r.rankIntents(ctx, prompt, req.Text)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 && looksActionable(req.Text) {
		r.log.Debug("intent ranking empty, retrying with keyword recovery hint")
		intents, err = r.rankIntents(ctx, prompt+recoveryHint, req.Text)
		if err != nil {
			return nil, err
		}
	}

	for _, in := range intents {
		res := r.executor.Execute(ctx, in.Intent, tools.Call{
			SessionID: req.SessionID,
			DeviceID:  req.DeviceID,
			RoomID:    req.RoomID,
			Args:      in.Args,
		})
		if req.Emit != nil {
			req.Emit(protocol.NewAction(req.SessionID, in.Intent, res.Success))
		}
		if !res.Success || res.EmptyResult {
			r.log.Debug("ranked intent did not produce a result, trying next",
				"intent", in.Intent, "error_code", res.ErrorCode)
			continue
		}

		reply := &Reply{Text: r.confirmAction(ctx, req.Text, in.Intent, res), Intent: in.Intent}
		if res.ActionTaken {
			reply.Actions = []string{actionMarker(in.Intent, res.Success)}
		}
		return reply, nil
	}

	return r.handleConversation(ctx, req, "")
}

// confirmAction phrases a successful tool outcome as a one-sentence spoken
// reply. When the confirmation call fails, the tool's own message is spoken
// as is.
func (r *Router) confirmAction(ctx context.Context, utterance, intent string, res tools.Result) string {
	details, _ := json.Marshal(res.Data)
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf(confirmPrompt, utterance, intent, res.Message, details),
		}},
		MaxTokens: 128,
	})
	if err != nil || resp.Content == "" {
		r.log.Warn("confirmation phrasing failed, using tool message", "intent", intent, "error", err)
		return res.Message
	}
	return resp.Content
}

// rankIntents runs one ranking completion and returns the usable intents in
// descending confidence, empty when nothing clears the bar.
func (r *Router) rankIntents(ctx context.Context, prompt, text string) ([]rankedIntent, error) {
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     []llm.Message{{Role: "user", Content: text}},
		JSONMode:     true,
		MaxTokens:    256,
	})
	if err != nil {
		return nil, fmt.Errorf("router: intent ranking: %w", err)
	}

	var parsed struct {
		Intents []rankedIntent `json:"intents"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		r.log.Warn("unparseable intent ranking", "content", resp.Content, "error", err)
		return nil, nil
	}

	usable := make([]rankedIntent, 0, len(parsed.Intents))
	for _, in := range parsed.Intents {
		if in.Intent == "" || in.Intent == "none" || in.Confidence < minIntentConfidence {
			continue
		}
		if in.Args == nil {
			in.Args = map[string]any{}
		}
		usable = append(usable, in)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Confidence > usable[j].Confidence
	})
	return usable, nil
}
