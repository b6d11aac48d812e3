package tools

import (
	"context"
	"strings"
	"testing"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echo",
		Params: []Param{
			{Name: "text", Type: "string", Required: true},
		},
		Handler: func(_ context.Context, call Call) Result {
			return Result{Success: true, Message: call.Args["text"].(string)}
		},
	}
}

func TestExecuteValidatesArgs(t *testing.T) {
	e := NewExecutor()
	if err := e.Register(Tool{
		Name: "set_volume",
		Params: []Param{
			{Name: "room", Type: "string", Required: true},
			{Name: "level", Type: "number", Required: true},
			{Name: "mode", Type: "string", Enum: []string{"absolute", "relative"}},
			{Name: "entity", Type: "string", Pattern: `^media_player\.`},
			{Name: "targets", Type: "array"},
		},
		Handler: func(context.Context, Call) Result { return Okf("ok") },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		code string
	}{
		{"missing required", map[string]any{"level": 0.5}, ErrCodeInvalidArgs},
		{"wrong type", map[string]any{"room": "kitchen", "level": "loud"}, ErrCodeInvalidArgs},
		{"bad enum", map[string]any{"room": "kitchen", "level": 0.5, "mode": "sideways"}, ErrCodeInvalidArgs},
		{"bad pattern", map[string]any{"room": "kitchen", "level": 0.5, "entity": "light.kitchen"}, ErrCodeInvalidArgs},
		{"bad array", map[string]any{"room": "kitchen", "level": 0.5, "targets": "speakers"}, ErrCodeInvalidArgs},
		{"valid", map[string]any{"room": "kitchen", "level": 0.5, "mode": "absolute", "entity": "media_player.kitchen", "targets": []any{"a"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(ctx, "set_volume", Call{Args: tt.args})
			if res.ErrorCode != tt.code {
				t.Errorf("error_code = %q, want %q (message: %s)", res.ErrorCode, tt.code, res.Message)
			}
		})
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewExecutor()
	res := e.Execute(context.Background(), "definitely_not_registered", Call{})
	if res.ErrorCode != ErrCodeUnknownTool {
		t.Errorf("error_code = %q, want %q", res.ErrorCode, ErrCodeUnknownTool)
	}
}

func TestExecuteRateLimit(t *testing.T) {
	e := NewExecutor()
	tool := echoTool("limited")
	tool.RatePerMinute = 2
	if err := e.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	args := map[string]any{"text": "hi"}
	limited := 0
	for i := 0; i < 5; i++ {
		if res := e.Execute(context.Background(), "limited", Call{Args: args}); res.ErrorCode == ErrCodeRateLimited {
			limited++
		}
	}
	if limited != 3 {
		t.Errorf("rate limited = %d of 5, want 3", limited)
	}
}

func TestExecutePermissionGate(t *testing.T) {
	gated := echoTool("gated")
	gated.Permission = "media"

	// No checker installed: gated tools are denied.
	e := NewExecutor()
	e.Register(gated)
	if res := e.Execute(context.Background(), "gated", Call{Args: map[string]any{"text": "x"}}); res.ErrorCode != ErrCodePermissionDenied {
		t.Errorf("error_code = %q, want %q", res.ErrorCode, ErrCodePermissionDenied)
	}

	e = NewExecutor(WithPermissionChecker(func(deviceID, permission string) bool {
		return deviceID == "trusted" && permission == "media"
	}))
	e.Register(gated)
	if res := e.Execute(context.Background(), "gated", Call{DeviceID: "trusted", Args: map[string]any{"text": "x"}}); !res.Success {
		t.Errorf("trusted device denied: %+v", res)
	}
	if res := e.Execute(context.Background(), "gated", Call{DeviceID: "guest", Args: map[string]any{"text": "x"}}); res.ErrorCode != ErrCodePermissionDenied {
		t.Errorf("guest device allowed: %+v", res)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	e := NewExecutor()
	if err := e.Register(echoTool("echo")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := e.Register(echoTool("echo")); err == nil {
		t.Error("duplicate Register succeeded")
	}
	if err := e.Register(Tool{
		Name:    "bad_pattern",
		Params:  []Param{{Name: "x", Type: "string", Pattern: `[`}},
		Handler: func(context.Context, Call) Result { return Result{} },
	}); err == nil {
		t.Error("invalid pattern accepted")
	}
}

func TestDefinitionsSchema(t *testing.T) {
	e := NewExecutor()
	e.Register(Tool{
		Name:        "zeta",
		Description: "last alphabetically",
		Handler:     func(context.Context, Call) Result { return Result{} },
	})
	e.Register(Tool{
		Name:        "alpha",
		Description: "first",
		Params: []Param{
			{Name: "room", Type: "string", Description: "room name", Required: true},
			{Name: "mode", Type: "string", Enum: []string{"a", "b"}},
		},
		Handler: func(context.Context, Call) Result { return Result{} },
	})

	defs := e.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Fatalf("defs = %+v, want sorted pair", defs)
	}
	params := defs[0].Parameters
	props, _ := params["properties"].(map[string]any)
	if props == nil || props["room"] == nil {
		t.Fatalf("schema properties = %v", params)
	}
	required, _ := params["required"].([]string)
	if len(required) != 1 || required[0] != "room" {
		t.Errorf("required = %v", required)
	}
}

func TestExecuteRedactsResultMessage(t *testing.T) {
	e := NewExecutor()
	if err := e.Register(Tool{
		Name: "leaky",
		Handler: func(context.Context, Call) Result {
			return Result{
				Success: true,
				Message: `connected with api_key=sk-12345 and header "Authorization: Bearer eyJhbGci.payload" to the bridge`,
			}
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := e.Execute(context.Background(), "leaky", Call{})
	if strings.Contains(res.Message, "sk-12345") || strings.Contains(res.Message, "eyJhbGci") {
		t.Errorf("credentials leaked into result message: %q", res.Message)
	}
	if !strings.Contains(res.Message, "[redacted]") {
		t.Errorf("message not redacted: %q", res.Message)
	}
	if !strings.Contains(res.Message, "to the bridge") {
		t.Errorf("surrounding text lost: %q", res.Message)
	}
}

func TestRedactArgs(t *testing.T) {
	got := redactArgs(map[string]any{
		"room":      "kitchen",
		"api_key":   "sk-12345",
		"authToken": "abc",
	})
	if got["room"] != "kitchen" {
		t.Errorf("room redacted: %v", got)
	}
	if got["api_key"] != "[redacted]" || got["authToken"] != "[redacted]" {
		t.Errorf("credentials leaked: %v", got)
	}
}
