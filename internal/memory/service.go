// Package memory extracts durable user facts from finished exchanges and
// injects them back into future prompts.
//
// Extraction runs off the session's critical path: the reply has already been
// spoken when the extraction goroutine starts, and its failures are logged,
// never surfaced to the user.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/store"
	"github.com/renfield-ai/renfield/pkg/provider/embeddings"
	"github.com/renfield-ai/renfield/pkg/provider/llm"
)

// extractPrompt instructs the model to emit only facts worth remembering.
const extractPrompt = `You extract long-term facts about the user from one exchange of a voice assistant conversation.

Return a JSON object of the form {"facts": [{"category": "...", "content": "..."}]}.
Categories: "preference", "personal", "relationship", "routine".
Only include facts that stay true beyond this conversation (names, likes, habits, relationships). Do not include the current request itself, small talk, or anything transient. Return {"facts": []} when there is nothing to remember.`

// extractTimeout bounds one background extraction call.
const extractTimeout = 30 * time.Second

// Service owns extraction and recall of long-term memories.
type Service struct {
	llm      llm.Provider
	embedder embeddings.Provider
	memories store.MemoryStore
	cfg      config.MemoryConfig
	log      *slog.Logger

	wg sync.WaitGroup
}

// NewService builds a Service. Extraction is a no-op when cfg.Enabled is
// false; Retrieve works either way.
func NewService(provider llm.Provider, embedder embeddings.Provider, memories store.MemoryStore, cfg config.MemoryConfig, log *slog.Logger) *Service {
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{llm: provider, embedder: embedder, memories: memories, cfg: cfg, log: log}
}

// ExtractAsync schedules fact extraction for one finished exchange and
// returns immediately.
func (s *Service) ExtractAsync(userID, userText, assistantText string) {
	if !s.cfg.Enabled || strings.TrimSpace(userText) == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
		defer cancel()
		if err := s.extract(ctx, userID, userText, assistantText); err != nil {
			s.log.Warn("memory extraction failed", "user_id", userID, "error", err)
		}
	}()
}

// Close waits for in-flight extractions to finish.
func (s *Service) Close() {
	s.wg.Wait()
}

type extractedFact struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

func (s *Service) extract(ctx context.Context, userID, userText, assistantText string) error {
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText),
		}},
		JSONMode:  true,
		MaxTokens: 512,
	})
	if err != nil {
		return fmt.Errorf("memory: extract completion: %w", err)
	}

	var parsed struct {
		Facts []extractedFact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return fmt.Errorf("memory: parse extraction %q: %w", resp.Content, err)
	}
	if len(parsed.Facts) == 0 {
		return nil
	}

	for _, fact := range parsed.Facts {
		if strings.TrimSpace(fact.Content) == "" {
			continue
		}
		vec, err := s.embedder.Embed(ctx, fact.Content)
		if err != nil {
			return fmt.Errorf("memory: embed fact: %w", err)
		}
		if err := s.memories.SaveMemory(ctx, store.Memory{
			ID:        uuid.NewString(),
			UserID:    userID,
			Category:  fact.Category,
			Content:   fact.Content,
			Embedding: vec,
			CreatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("memory: save fact: %w", err)
		}
		s.log.Debug("memory saved", "user_id", userID, "category", fact.Category)
	}
	return nil
}

// Retrieve returns a bounded prompt section with the facts most relevant to
// query, or "" when nothing is known. Recall failures degrade to no memories.
func (s *Service) Retrieve(ctx context.Context, userID, query string) string {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.log.Warn("memory recall embed failed", "error", err)
		return ""
	}
	hits, err := s.memories.SearchMemories(ctx, vec, userID, s.cfg.MaxMemories)
	if err != nil {
		s.log.Warn("memory recall failed", "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Known facts about the user:\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s\n", h.Memory.Content)
	}
	return b.String()
}
