// Package tools is the agent's tool surface: a registry of internal tools,
// remote MCP tools, and the executor that validates, rate-limits, and runs
// them.
//
// Every invocation returns the same envelope regardless of origin, so the
// agent loop and the browser UI can treat internal and remote tools alike.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/tools/mcp"
	"github.com/renfield-ai/renfield/pkg/provider/llm"
)

// Error codes carried in tool result envelopes.
const (
	ErrCodeUnknownTool      = "unknown_tool"
	ErrCodeInvalidArgs      = "invalid_args"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodePermissionDenied = "permission_denied"
	ErrCodeBusy             = "busy"
	ErrCodeToolError        = "tool_error"
)

// Result is the uniform tool result envelope.
type Result struct {
	Success bool `json:"success"`

	// Message is human-readable and feeds back into the LLM context.
	Message string `json:"message"`

	// ActionTaken distinguishes "did something" from "looked something up".
	ActionTaken bool `json:"action_taken"`

	// Data carries structured output for the UI or follow-up tool calls.
	Data any `json:"data,omitempty"`

	// EmptyResult marks a successful query that found nothing, so the agent
	// says "I don't know" instead of hallucinating.
	EmptyResult bool `json:"empty_result,omitempty"`

	// ErrorCode classifies failures; empty on success.
	ErrorCode string `json:"error_code,omitempty"`
}

// Errorf builds a failure envelope.
func Errorf(code, format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), ErrorCode: code}
}

// Okf builds a success envelope for an action.
func Okf(format string, args ...any) Result {
	return Result{Success: true, ActionTaken: true, Message: fmt.Sprintf(format, args...)}
}

// Param declares one tool parameter for validation and schema generation.
type Param struct {
	Name        string
	Type        string // "string", "number", "integer", "boolean", "array"
	Description string
	Required    bool

	// Enum restricts string values to a fixed set.
	Enum []string

	// Pattern, when non-empty, is a regexp string values must match.
	Pattern string
}

// Call is the execution context handed to a tool handler.
type Call struct {
	SessionID string
	DeviceID  string
	RoomID    int64
	Args      map[string]any
}

// Tool is one internal tool.
type Tool struct {
	Name        string
	Description string
	Params      []Param

	// Permission gates the tool; "" means unrestricted. The executor's
	// permission checker decides per device.
	Permission string

	// RatePerMinute bounds invocations; 0 means unlimited.
	RatePerMinute int

	Handler func(ctx context.Context, call Call) Result
}

// PermissionChecker decides whether a device may use a gated tool.
type PermissionChecker func(deviceID, permission string) bool

type registered struct {
	tool    Tool
	limiter *rate.Limiter
	pattern map[string]*regexp.Regexp
}

// Executor validates and dispatches tool calls.
type Executor struct {
	log         *slog.Logger
	metrics     *observe.Metrics
	mcp         *mcp.Client
	permissions PermissionChecker
	timeout     time.Duration

	mu    sync.RWMutex
	tools map[string]*registered
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithMCP attaches a remote tool client; names containing a dot dispatch to
// it when no internal tool matches.
func WithMCP(c *mcp.Client) ExecutorOption {
	return func(e *Executor) { e.mcp = c }
}

// WithPermissionChecker installs the gate for permissioned tools. Without
// one, gated tools are denied for everyone.
func WithPermissionChecker(p PermissionChecker) ExecutorOption {
	return func(e *Executor) { e.permissions = p }
}

// WithToolTimeout bounds each tool execution. Defaults to 15s.
func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// NewExecutor returns an empty Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		timeout: 15 * time.Second,
		tools:   make(map[string]*registered),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds an internal tool. Duplicate names and invalid parameter
// patterns are registration errors, not call-time surprises.
func (e *Executor) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tools: register: name and handler required")
	}
	patterns := make(map[string]*regexp.Regexp)
	for _, p := range t.Params {
		if p.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("tools: register %s: param %s pattern: %w", t.Name, p.Name, err)
		}
		patterns[p.Name] = re
	}

	reg := &registered{tool: t, pattern: patterns}
	if t.RatePerMinute > 0 {
		reg.limiter = rate.NewLimiter(rate.Limit(float64(t.RatePerMinute)/60.0), t.RatePerMinute)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.tools[t.Name]; dup {
		return fmt.Errorf("tools: register: duplicate tool %q", t.Name)
	}
	e.tools[t.Name] = reg
	return nil
}

// Definitions returns the schema of every available tool, internal and
// remote, for the LLM tool offer.
func (e *Executor) Definitions() []llm.ToolDefinition {
	e.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(e.tools))
	for _, reg := range e.tools {
		defs = append(defs, definitionOf(reg.tool))
	}
	e.mu.RUnlock()

	if e.mcp != nil {
		defs = append(defs, e.mcp.Tools()...)
	}
	slices.SortFunc(defs, func(a, b llm.ToolDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs
}

// Execute runs one tool call and always returns an envelope; transport and
// handler failures become error envelopes, never Go errors, so one bad call
// cannot abort an agent loop.
func (e *Executor) Execute(ctx context.Context, name string, call Call) Result {
	start := time.Now()
	res := e.execute(ctx, name, call)
	res.Message = RedactText(res.Message)

	status := "ok"
	if res.ErrorCode != "" {
		status = res.ErrorCode
	}
	e.metrics.RecordToolCall(ctx, name, status)
	e.metrics.ToolDuration.Record(ctx, time.Since(start).Seconds())
	e.log.Info("tool executed",
		"tool", name, "session_id", call.SessionID,
		"args", redactArgs(call.Args), "success", res.Success,
		"error_code", res.ErrorCode, "duration", time.Since(start).Round(time.Millisecond))
	return res
}

func (e *Executor) execute(ctx context.Context, name string, call Call) Result {
	e.mu.RLock()
	reg, ok := e.tools[name]
	e.mu.RUnlock()

	if !ok {
		if e.mcp != nil && strings.Contains(name, ".") && e.mcp.Has(name) {
			return e.executeMCP(ctx, name, call)
		}
		return Errorf(ErrCodeUnknownTool, "unknown tool %q", name)
	}

	if reg.tool.Permission != "" {
		if e.permissions == nil || !e.permissions(call.DeviceID, reg.tool.Permission) {
			return Errorf(ErrCodePermissionDenied,
				"device is not allowed to use %s", name)
		}
	}
	if reg.limiter != nil && !reg.limiter.Allow() {
		return Errorf(ErrCodeRateLimited, "tool %s is rate limited, try again shortly", name)
	}
	if res, ok := validateArgs(reg, call.Args); !ok {
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return reg.tool.Handler(ctx, call)
}

func (e *Executor) executeMCP(ctx context.Context, name string, call Call) Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.mcp.Call(ctx, name, call.Args)
	if err != nil {
		return Errorf(ErrCodeToolError, "remote tool failed: %v", err)
	}
	if res.IsError {
		return Errorf(ErrCodeToolError, "%s", res.Content)
	}
	return Result{
		Success:     true,
		ActionTaken: true,
		Message:     res.Content,
		EmptyResult: strings.TrimSpace(res.Content) == "",
	}
}

// validateArgs enforces required, type, enum, and pattern constraints.
func validateArgs(reg *registered, args map[string]any) (Result, bool) {
	for _, p := range reg.tool.Params {
		v, present := args[p.Name]
		if !present {
			if p.Required {
				return Errorf(ErrCodeInvalidArgs, "missing required argument %q", p.Name), false
			}
			continue
		}
		switch p.Type {
		case "string":
			s, ok := v.(string)
			if !ok {
				return Errorf(ErrCodeInvalidArgs, "argument %q must be a string", p.Name), false
			}
			if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
				return Errorf(ErrCodeInvalidArgs,
					"argument %q must be one of %s", p.Name, strings.Join(p.Enum, ", ")), false
			}
			if re := reg.pattern[p.Name]; re != nil && !re.MatchString(s) {
				return Errorf(ErrCodeInvalidArgs, "argument %q has an invalid format", p.Name), false
			}
		case "number", "integer":
			if _, ok := v.(float64); !ok {
				if _, ok := v.(int); !ok {
					return Errorf(ErrCodeInvalidArgs, "argument %q must be a number", p.Name), false
				}
			}
		case "boolean":
			if _, ok := v.(bool); !ok {
				return Errorf(ErrCodeInvalidArgs, "argument %q must be a boolean", p.Name), false
			}
		case "array":
			if _, ok := v.([]any); !ok {
				return Errorf(ErrCodeInvalidArgs, "argument %q must be an array", p.Name), false
			}
		}
	}
	return Result{}, true
}

// definitionOf renders a tool's JSON Schema for the LLM offer.
func definitionOf(t Tool) llm.ToolDefinition {
	props := make(map[string]any, len(t.Params))
	var required []string
	for _, p := range t.Params {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: params}
}

// sensitiveArg matches argument names whose values never reach the logs.
var sensitiveArg = regexp.MustCompile(`(?i)token|password|secret|api_?key|credential`)

// redactArgs replaces sensitive values for logging.
func redactArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveArg.MatchString(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

// secretShaped matches key/value credentials embedded in free text, quoted
// or bare.
var secretShaped = regexp.MustCompile(`(?i)\b(token|password|secret|api_?key|credential|authorization)\b(["']?\s*[:=]\s*)("[^"]*"|'[^']*'|\S+)`)

// bearerShaped matches bearer-token strings.
var bearerShaped = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`)

// RedactText masks credential-shaped substrings in a tool message. Every
// message passes through it before being logged, forwarded to a device, or
// fed back into LLM history. Bearer tokens go first so "Authorization: Bearer
// x" loses the token, not just the scheme word.
func RedactText(s string) string {
	s = bearerShaped.ReplaceAllString(s, "Bearer [redacted]")
	return secretShaped.ReplaceAllString(s, "$1$2[redacted]")
}
