package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/store"
	"github.com/renfield-ai/renfield/internal/store/mock"
	embedmock "github.com/renfield-ai/renfield/pkg/provider/embeddings/mock"
	"github.com/renfield-ai/renfield/pkg/provider/llm"
	llmmock "github.com/renfield-ai/renfield/pkg/provider/llm/mock"
)

func TestExtractAsyncSavesFacts(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"facts":[{"category":"preference","content":"likes jazz in the evening"},{"category":"personal","content":"name is John"}]}`,
		},
	}
	memories := &mock.MemoryStore{}
	svc := NewService(provider, &embedmock.Provider{}, memories,
		config.MemoryConfig{Enabled: true}, nil)

	svc.ExtractAsync("john", "play some jazz, I always listen in the evening", "Playing jazz.")
	svc.Close()

	if len(memories.Saved) != 2 {
		t.Fatalf("saved = %d, want 2", len(memories.Saved))
	}
	if memories.Saved[0].Category != "preference" || memories.Saved[0].UserID != "john" {
		t.Errorf("saved[0] = %+v", memories.Saved[0])
	}
	if len(memories.Saved[0].Embedding) == 0 {
		t.Error("fact saved without embedding")
	}

	// Extraction runs in JSON mode.
	if len(provider.CompleteCalls) != 1 || !provider.CompleteCalls[0].Req.JSONMode {
		t.Errorf("complete calls = %+v", provider.CompleteCalls)
	}
}

func TestExtractAsyncDisabled(t *testing.T) {
	provider := &llmmock.Provider{}
	memories := &mock.MemoryStore{}
	svc := NewService(provider, &embedmock.Provider{}, memories,
		config.MemoryConfig{Enabled: false}, nil)

	svc.ExtractAsync("john", "remember that I hate mondays", "Noted.")
	svc.Close()

	if len(provider.CompleteCalls) != 0 || len(memories.Saved) != 0 {
		t.Error("extraction ran while disabled")
	}
}

func TestExtractAsyncNoFacts(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"facts":[]}`},
	}
	memories := &mock.MemoryStore{}
	svc := NewService(provider, &embedmock.Provider{}, memories,
		config.MemoryConfig{Enabled: true}, nil)

	svc.ExtractAsync("john", "what time is it", "It is noon.")
	svc.Close()

	if len(memories.Saved) != 0 {
		t.Errorf("saved = %d, want 0", len(memories.Saved))
	}
}

func TestRetrieveFormatsFacts(t *testing.T) {
	memories := &mock.MemoryStore{
		SearchHits: []store.MemoryHit{
			{Memory: store.Memory{UserID: "john", Content: "likes jazz in the evening"}, Score: 0.9},
			{Memory: store.Memory{UserID: "john", Content: "name is John"}, Score: 0.8},
		},
	}
	svc := NewService(&llmmock.Provider{}, &embedmock.Provider{}, memories,
		config.MemoryConfig{Enabled: true, MaxMemories: 5}, nil)

	out := svc.Retrieve(context.Background(), "john", "play something")
	if !strings.Contains(out, "Known facts about the user:") {
		t.Errorf("missing header: %q", out)
	}
	if !strings.Contains(out, "- likes jazz in the evening") {
		t.Errorf("missing fact: %q", out)
	}
}

func TestRetrieveDegradesOnFailure(t *testing.T) {
	memories := &mock.MemoryStore{Err: context.DeadlineExceeded}
	svc := NewService(&llmmock.Provider{}, &embedmock.Provider{}, memories,
		config.MemoryConfig{Enabled: true}, nil)

	if out := svc.Retrieve(context.Background(), "john", "anything"); out != "" {
		t.Errorf("Retrieve = %q, want empty on store failure", out)
	}
}
