// Package router turns a transcript into a spoken reply.
//
// A JSON-mode classifier assigns the utterance one of a closed set of roles;
// each role has its own path: plain conversation streams straight from the
// LLM, knowledge questions run hybrid retrieval first, and actionable
// requests enter the agent loop where the model calls tools until it has a
// result to report. An optional legacy path replaces the agent loop with a
// single ranked-intent completion for models without tool calling.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/protocol"
	"github.com/renfield-ai/renfield/internal/retrieval"
	"github.com/renfield-ai/renfield/internal/store"
	"github.com/renfield-ai/renfield/internal/tools"
	"github.com/renfield-ai/renfield/pkg/provider/llm"
)

const systemPrompt = `You are Renfield, a home voice assistant. Answers are spoken aloud: keep them short, concrete, and free of markup, lists, and emoji. Use the same language the user speaks. When a tool reports empty_result, say you don't know instead of guessing.`

// MemoryRecaller injects long-term user facts into the prompt.
// Implemented by memory.Service.
type MemoryRecaller interface {
	Retrieve(ctx context.Context, userID, query string) string
	ExtractAsync(userID, userText, assistantText string)
}

// KnowledgeSearcher runs document retrieval. Implemented by retrieval.Engine.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, kbID int64) ([]retrieval.Result, error)
}

// Request is one utterance to route.
type Request struct {
	SessionID string
	DeviceID  string
	RoomID    int64
	RoomName  string

	// UserID identifies the speaker for memory; empty means anonymous.
	UserID string

	Text string

	// UseRAG forces the knowledge path; KnowledgeBaseID optionally scopes it.
	UseRAG          bool
	KnowledgeBaseID int64

	// Stream receives reply fragments as they are generated. May be nil.
	Stream func(chunk string)

	// Emit receives tool_call and tool_result frames for the UI. May be nil.
	Emit func(frame any)
}

// Reply is the routed outcome.
type Reply struct {
	Text string

	// Intent is the classified role, or the legacy intent name.
	Intent string

	// AgentSteps counts completed agent iterations, 0 outside the agent path.
	AgentSteps int

	// ExpectFollowUp is true when the reply ends in a question, so the device
	// may keep listening without a new wake word.
	ExpectFollowUp bool

	// Actions holds machine-readable markers for the tools the agent ran,
	// stored with the assistant turn for later history enrichment.
	Actions []string
}

// retrievalCacheTTL bounds how long a prior turn's retrieval context may be
// reused for a follow-up question.
const retrievalCacheTTL = 2 * time.Minute

// cachedContext is the retrieval context of a session's last knowledge turn.
type cachedContext struct {
	context string
	at      time.Time
}

// Router dispatches utterances.
type Router struct {
	llm           llm.Provider
	executor      *tools.Executor
	knowledge     KnowledgeSearcher
	memory        MemoryRecaller
	conversations store.ConversationStore
	cfg           config.RouterConfig
	metrics       *observe.Metrics
	log           *slog.Logger

	mu        sync.Mutex
	retrieved map[string]cachedContext // key: session id
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithKnowledge attaches the retrieval engine.
func WithKnowledge(k KnowledgeSearcher) Option {
	return func(r *Router) { r.knowledge = k }
}

// WithMemory attaches the long-term memory service.
func WithMemory(m MemoryRecaller) Option {
	return func(r *Router) { r.memory = m }
}

// New builds a Router. Zero-valued config fields get their defaults.
func New(provider llm.Provider, executor *tools.Executor, conversations store.ConversationStore, cfg config.RouterConfig, opts ...Option) *Router {
	if cfg.MaxAgentSteps <= 0 {
		cfg.MaxAgentSteps = 6
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 60 * time.Second
	}
	if cfg.HistoryMessages <= 0 {
		cfg.HistoryMessages = 10
	}
	r := &Router{
		llm:           provider,
		executor:      executor,
		conversations: conversations,
		cfg:           cfg,
		metrics:       observe.DefaultMetrics(),
		log:           slog.Default(),
		retrieved:     make(map[string]cachedContext),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// useAgent reports whether the tool-calling agent path is enabled. It
// defaults to on; models without tool calling fall back to the legacy
// ranked-intent path.
func (r *Router) useAgent() bool {
	if r.cfg.UseAgent != nil {
		return *r.cfg.UseAgent
	}
	return r.llm.Capabilities().SupportsToolCalling
}

// Handle routes one utterance and returns the reply. The user and assistant
// turns are persisted; persistence failures are logged, never fatal.
func (r *Router) Handle(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()
	defer func() {
		r.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}()

	role := RoleConversation
	switch {
	case req.UseRAG:
		role = RoleKnowledge
	default:
		role = r.classify(ctx, req.Text).Role
	}

	var (
		reply *Reply
		err   error
	)
	switch {
	case role == RoleKnowledge || role == RoleDocuments:
		reply, err = r.handleKnowledge(ctx, req)
	case agentRole(role):
		if r.useAgent() {
			reply, err = r.runAgent(ctx, req, role)
		} else {
			reply, err = r.runLegacy(ctx, req, role)
		}
	default:
		reply, err = r.handleConversation(ctx, req, "")
	}
	if err != nil {
		return nil, err
	}

	reply.ExpectFollowUp = followUpQuestion(reply.Text)
	r.persistTurn(ctx, req, reply)
	if r.memory != nil && req.UserID != "" {
		r.memory.ExtractAsync(req.UserID, req.Text, reply.Text)
	}
	r.log.Info("utterance routed",
		"session_id", req.SessionID, "role", role,
		"agent_steps", reply.AgentSteps, "duration", time.Since(start).Round(time.Millisecond))
	return reply, nil
}

// handleConversation streams a plain reply, with optional extra context
// prepended to the system prompt.
func (r *Router) handleConversation(ctx context.Context, req Request, extraContext string) (*Reply, error) {
	prompt := systemPrompt
	if m := r.recallMemories(ctx, req); m != "" {
		prompt += "\n\n" + m
	}
	if extraContext != "" {
		prompt += "\n\n" + extraContext
	}

	messages := append(r.history(ctx, req.SessionID), llm.Message{Role: "user", Content: req.Text})

	stream, err := r.llm.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     messages,
		Temperature:  0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("router: stream completion: %w", err)
	}

	var b strings.Builder
	for chunk := range stream {
		if chunk.FinishReason == "error" {
			return nil, fmt.Errorf("router: stream failed after %d chars", b.Len())
		}
		if chunk.Text == "" {
			continue
		}
		b.WriteString(chunk.Text)
		if req.Stream != nil {
			req.Stream(chunk.Text)
		}
	}
	return &Reply{Text: b.String(), Intent: RoleConversation}, nil
}

// handleKnowledge retrieves document context and answers grounded in it. A
// follow-up to the previous question reuses that turn's context instead of
// searching again.
func (r *Router) handleKnowledge(ctx context.Context, req Request) (*Reply, error) {
	if r.knowledge == nil {
		return r.handleConversation(ctx, req, "")
	}

	extra, cached := r.cachedRetrieval(req.SessionID)
	if cached && looksLikeFollowUp(req.Text) {
		r.log.Debug("follow-up question, reusing retrieval context", "session_id", req.SessionID)
	} else {
		results, err := r.knowledge.Search(ctx, req.Text, req.KnowledgeBaseID)
		if err != nil {
			r.log.Warn("retrieval failed, answering without context", "error", err)
			results = nil
		}
		extra = retrieval.FormatContext(results)
		if extra != "" {
			r.storeRetrieval(req.SessionID, extra)
		}
	}

	if extra == "" {
		extra = "No relevant passages were found in the knowledge base. Say so if the question depends on them."
	} else {
		extra += "\nAnswer from the excerpts above and name the source document."
	}
	reply, err := r.handleConversation(ctx, req, extra)
	if err != nil {
		return nil, err
	}
	reply.Intent = RoleKnowledge
	return reply, nil
}

// cachedRetrieval returns the session's last retrieval context while it is
// still fresh.
func (r *Router) cachedRetrieval(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.retrieved[sessionID]
	if !ok || time.Since(c.at) > retrievalCacheTTL {
		delete(r.retrieved, sessionID)
		return "", false
	}
	return c.context, true
}

// storeRetrieval caches a session's retrieval context for follow-ups.
func (r *Router) storeRetrieval(sessionID, context string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrieved[sessionID] = cachedContext{context: context, at: time.Now()}
}

// toolsForRole filters the executor's tool surface down to the role's
// whitelists. Remote tools are matched by their server-name prefix.
func (r *Router) toolsForRole(role string) []llm.ToolDefinition {
	defs := r.executor.Definitions()
	spec := roleTable[role]
	if spec.AllTools {
		return defs
	}

	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		if server, _, remote := strings.Cut(def.Name, "."); remote {
			if slices.Contains(spec.Servers, server) {
				out = append(out, def)
			}
			continue
		}
		if slices.Contains(spec.Tools, def.Name) {
			out = append(out, def)
		}
	}
	return out
}

// runAgent is the tool-calling loop: the model may call the role's tools for
// up to MaxAgentSteps iterations inside an AgentTimeout wall-clock budget,
// then must produce a spoken summary. Session cancellation is observed
// between steps.
func (r *Router) runAgent(ctx context.Context, req Request, role string) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
	defer cancel()

	prompt := systemPrompt +
		"\n\n" + roleTable[role].Prompt +
		"\nThe user is in the room \"" + req.RoomName + "\"."
	if m := r.recallMemories(ctx, req); m != "" {
		prompt += "\n\n" + m
	}

	messages := append(r.history(ctx, req.SessionID), llm.Message{Role: "user", Content: req.Text})
	defs := r.toolsForRole(role)
	call := tools.Call{SessionID: req.SessionID, DeviceID: req.DeviceID, RoomID: req.RoomID}

	steps := 0
	var actions []string
	for steps < r.cfg.MaxAgentSteps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("router: agent cancelled after %d steps: %w", steps, err)
		}

		resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: prompt,
			Messages:     messages,
			Tools:        defs,
		})
		if err != nil {
			return nil, fmt.Errorf("router: agent step %d: %w", steps+1, err)
		}
		steps++

		if len(resp.ToolCalls) == 0 {
			return &Reply{Text: resp.Content, Intent: role, AgentSteps: steps, Actions: actions}, nil
		}

		messages = append(messages, llm.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			args := map[string]any{}
			if tc.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					r.log.Warn("unparseable tool arguments", "tool", tc.Name, "error", err)
				}
			}
			if req.Emit != nil {
				req.Emit(protocol.NewToolCall(req.SessionID, tc.Name, args))
			}

			call.Args = args
			res := r.executor.Execute(ctx, tc.Name, call)
			if res.ActionTaken {
				actions = append(actions, actionMarker(tc.Name, res.Success))
			}

			if req.Emit != nil {
				req.Emit(protocol.NewToolResult(req.SessionID, tc.Name, res.Success, res.Message, res.Data))
			}
			payload, _ := json.Marshal(res)
			messages = append(messages, llm.Message{
				Role: "tool", ToolCallID: tc.ID, Name: tc.Name, Content: string(payload),
			})
		}
	}

	// Budget exhausted: force a toolless summary of what happened so far.
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt + "\n\nYou are out of tool calls. Summarize the outcome for the user now.",
		Messages:     messages,
	})
	if err != nil {
		return nil, fmt.Errorf("router: agent summary: %w", err)
	}
	return &Reply{Text: resp.Content, Intent: role, AgentSteps: steps, Actions: actions}, nil
}

// recallMemories fetches the user's long-term facts, if any.
func (r *Router) recallMemories(ctx context.Context, req Request) string {
	if r.memory == nil || req.UserID == "" {
		return ""
	}
	return r.memory.Retrieve(ctx, req.UserID, req.Text)
}

// history loads the recent turns of this session, enriching assistant turns
// with their stored action markers so the model knows what was actually done.
func (r *Router) history(ctx context.Context, sessionID string) []llm.Message {
	if sessionID == "" {
		return nil
	}
	rows, err := r.conversations.LoadMessages(ctx, sessionID, r.cfg.HistoryMessages)
	if err != nil {
		r.log.Warn("history load failed", "session_id", sessionID, "error", err)
		return nil
	}
	out := make([]llm.Message, 0, len(rows))
	for _, m := range rows {
		content := m.Content
		if m.Role == "assistant" {
			if marker, ok := m.Metadata["actions"].(string); ok && marker != "" {
				content += "\n" + marker
			}
		}
		out = append(out, llm.Message{Role: m.Role, Content: content})
	}
	return out
}

// persistTurn saves both turns of the exchange.
func (r *Router) persistTurn(ctx context.Context, req Request, reply *Reply) {
	if req.SessionID == "" {
		return
	}
	if err := r.conversations.SaveMessage(ctx, req.SessionID, "user", req.Text, nil); err != nil {
		r.log.Warn("failed to save user turn", "session_id", req.SessionID, "error", err)
		return
	}
	var meta map[string]any
	if reply.Intent != RoleConversation {
		meta = map[string]any{"intent": reply.Intent, "agent_steps": reply.AgentSteps}
		if len(reply.Actions) > 0 {
			meta["actions"] = strings.Join(reply.Actions, " ")
		}
	}
	if err := r.conversations.SaveMessage(ctx, req.SessionID, "assistant", reply.Text, meta); err != nil {
		r.log.Warn("failed to save assistant turn", "session_id", req.SessionID, "error", err)
	}
}
