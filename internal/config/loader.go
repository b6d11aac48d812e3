package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/renfield-ai/renfield/internal/tools/mcp"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"whisper"},
	"tts":        {"coqui"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Auth != nil && cfg.Server.Auth.Enabled && cfg.Server.Auth.Token == "" {
		errs = append(errs, errors.New("server.auth.token is required when server.auth.enabled is true"))
	}
	limits := cfg.Server.Limits
	if limits.MaxConnsPerIP < 0 {
		errs = append(errs, fmt.Errorf("server.limits.max_conns_per_ip %d must not be negative", limits.MaxConnsPerIP))
	}
	if limits.MessagesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("server.limits.messages_per_second %.1f must not be negative", limits.MessagesPerSecond))
	}
	if limits.MaxAudioBufferBytes < 0 {
		errs = append(errs, fmt.Errorf("server.limits.max_audio_buffer_bytes %d must not be negative", limits.MaxAudioBufferBytes))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; voice and chat requests cannot be answered")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; voice sessions will fail at transcription")
	}

	// Embeddings ↔ storage dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Storage.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but storage.embedding_dimensions is not set; defaulting to 768")
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; conversations, documents, and memories will not persist")
	}

	// Wake word
	if ww := cfg.WakeWord; ww.Enabled {
		if ww.Threshold != 0 && (ww.Threshold < 0.1 || ww.Threshold > 1.0) {
			errs = append(errs, fmt.Errorf("wake_word.threshold %.2f is out of range [0.1, 1.0]", ww.Threshold))
		}
		if ww.CooldownMs < 0 {
			errs = append(errs, fmt.Errorf("wake_word.cooldown_ms %d must not be negative", ww.CooldownMs))
		}
		if ww.Keyword != "" && len(ww.AllowedKeywords) > 0 && !slices.Contains(ww.AllowedKeywords, ww.Keyword) {
			errs = append(errs, fmt.Errorf("wake_word.keyword %q is not in wake_word.allowed_keywords", ww.Keyword))
		}
	}

	// Router
	if cfg.Router.MaxAgentSteps < 0 {
		errs = append(errs, fmt.Errorf("router.max_agent_steps %d must not be negative", cfg.Router.MaxAgentSteps))
	}

	// Retrieval
	rt := cfg.Retrieval
	if rt.TopK < 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k %d must not be negative", rt.TopK))
	}
	if rt.MinSimilarity < 0 || rt.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_similarity %.2f is out of range [0, 1]", rt.MinSimilarity))
	}
	if rt.ContextWindow < 0 || rt.ContextWindow > 5 {
		errs = append(errs, fmt.Errorf("retrieval.context_window %d is out of range [0, 5]", rt.ContextWindow))
	}

	// Home Assistant
	if cfg.HomeAssistant.BaseURL != "" && cfg.HomeAssistant.Token == "" {
		errs = append(errs, errors.New("home_assistant.token is required when home_assistant.base_url is set"))
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
