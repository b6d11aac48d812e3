// Package mcp connects Renfield to remote tool servers over the Model Context
// Protocol using the official Go SDK.
//
// Each configured server advertises a tool catalogue at connect time. Tools
// are exposed to the agent under "<server>.<tool>" names; the client routes a
// call back to the owning server by that prefix.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/renfield-ai/renfield/pkg/provider/llm"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is a unique identifier for this server. Tool names are prefixed
	// with "<Name>." when exposed to the agent.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable (with optional arguments) launched when
	// Transport is stdio.
	Command string

	// URL is the endpoint address used when Transport is streamable-http.
	URL string

	// Token is an optional static Bearer token for streamable-http servers.
	Token string

	// Env holds additional environment variables for stdio subprocesses.
	Env map[string]string
}

// Result holds the outcome of a single remote tool execution.
type Result struct {
	// Content is the tool's textual output, typically JSON or human-readable
	// text ready for insertion into an LLM context window.
	Content string

	// IsError indicates an application-level tool error. Content then holds
	// the error message.
	IsError bool

	// Duration is the wall-clock time of the call.
	Duration time.Duration
}

// remoteTool associates a prefixed tool definition with its owning server.
type remoteTool struct {
	def        llm.ToolDefinition
	serverName string
	localName  string
}

// serverConn holds a live connection to a remote MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Client manages connections to remote MCP tool servers and routes calls by
// tool-name prefix. It is safe for concurrent use.
//
// The zero value is NOT usable; create instances with [New].
type Client struct {
	mu      sync.RWMutex
	tools   map[string]remoteTool // key: prefixed tool name
	servers map[string]serverConn // key: server name

	// client is reused across all server connections. The official SDK allows
	// a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

// New creates and returns a ready-to-use Client.
func New() *Client {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "renfield", Version: "1.0.0"},
		nil,
	)
	return &Client{
		tools:   make(map[string]remoteTool),
		servers: make(map[string]serverConn),
		client:  client,
	}
}

// Connect establishes a session with the server described by cfg and imports
// its tool catalogue. Reconnecting a server with the same Name closes the old
// session and replaces its tools.
func (c *Client) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			t.HTTPClient = &http.Client{Transport: &bearerRoundTripper{token: cfg.Token}}
		}
		transport = t
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range c.tools {
			if t.serverName == cfg.Name {
				delete(c.tools, name)
			}
		}
	}
	c.servers[cfg.Name] = serverConn{session: session}

	for _, t := range discovered {
		prefixed := cfg.Name + "." + t.Name
		c.tools[prefixed] = remoteTool{
			def: llm.ToolDefinition{
				Name:        prefixed,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: cfg.Name,
			localName:  t.Name,
		}
	}

	return nil
}

// Tools returns the definitions of every tool discovered across all connected
// servers, with prefixed names.
func (c *Client) Tools() []llm.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(c.tools))
	for _, t := range c.tools {
		defs = append(defs, t.def)
	}
	return defs
}

// Has reports whether a tool with the given prefixed name is registered.
func (c *Client) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// Call executes the named tool (prefixed form) on its owning server.
//
// A non-nil *Result is returned even when [Result.IsError] is true
// (application-level error). A Go error is returned only on transport or
// protocol failure.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	c.mu.RLock()
	tool, ok := c.tools[name]
	var conn serverConn
	if ok {
		conn, ok = c.servers[tool.serverName]
	}
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp: tool %q not found", name)
	}

	start := time.Now()
	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool.localName,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: call to tool %q failed: %w", name, err)
	}

	var sb strings.Builder
	for _, content := range callResult.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &Result{
		Content:  sb.String(),
		IsError:  callResult.IsError,
		Duration: time.Since(start),
	}, nil
}

// Close shuts down all server connections. After Close returns the Client
// must not be used again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, conn := range c.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp: close server %q: %w", name, err)
		}
		delete(c.servers, name)
	}
	c.tools = make(map[string]remoteTool)
	return firstErr
}

// bearerRoundTripper injects a static Authorization header into every request.
type bearerRoundTripper struct {
	token string
}

func (b *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+b.token)
	return http.DefaultTransport.RoundTrip(clone)
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
