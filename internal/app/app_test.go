package app

import (
	"context"
	"testing"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/store/mock"
	embmock "github.com/renfield-ai/renfield/pkg/provider/embeddings/mock"
	llmmock "github.com/renfield-ai/renfield/pkg/provider/llm/mock"
	sttmock "github.com/renfield-ai/renfield/pkg/provider/stt/mock"
	ttsmock "github.com/renfield-ai/renfield/pkg/provider/tts/mock"
)

func testStores() Stores {
	return Stores{
		Rooms:         mock.NewRoomStore(),
		Devices:       mock.NewDeviceStore(),
		Outputs:       &mock.OutputDeviceStore{},
		Conversations: mock.NewConversationStore(),
		Chunks:        &mock.ChunkStore{},
		Settings:      mock.NewSettingsStore(),
		Memories:      &mock.MemoryStore{},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0"},
		WakeWord: config.WakeWordConfig{
			Keyword:         "renfield",
			AllowedKeywords: []string{"renfield"},
			Threshold:       0.5,
			CooldownMs:      1000,
			Enabled:         true,
		},
		Memory: config.MemoryConfig{Enabled: true},
	}
}

func TestNewWiresSubsystems(t *testing.T) {
	providers := &Providers{
		LLM:        &llmmock.Provider{},
		STT:        &sttmock.Provider{},
		TTS:        &ttsmock.Provider{},
		Embeddings: &embmock.Provider{},
	}
	a, err := New(context.Background(), testConfig(), providers, WithStores(testStores()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.registry == nil || a.wake == nil || a.router == nil || a.pipeline == nil || a.server == nil {
		t.Fatal("core subsystems not wired")
	}
	if a.engine == nil || a.memory == nil {
		t.Error("embeddings provider present but retrieval/memory disabled")
	}
	if a.ha != nil {
		t.Error("home assistant client created without a base url")
	}

	// Presence and knowledge tools register even without a controller.
	names := map[string]bool{}
	for _, def := range a.executor.Definitions() {
		names[def.Name] = true
	}
	for _, want := range []string{"where_is_person", "who_is_in_room", "search_knowledge", "resolve_room_player"} {
		if !names[want] {
			t.Errorf("tool %q not registered (have %v)", want, names)
		}
	}
	if names["play_in_room"] {
		t.Error("play_in_room registered without a media controller")
	}
}

func TestNewRequiresLLM(t *testing.T) {
	if _, err := New(context.Background(), testConfig(), &Providers{}, WithStores(testStores())); err == nil {
		t.Fatal("New accepted a nil llm provider")
	}
}

func TestNewWithoutEmbeddings(t *testing.T) {
	providers := &Providers{LLM: &llmmock.Provider{}}
	a, err := New(context.Background(), testConfig(), providers, WithStores(testStores()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.engine != nil || a.memory != nil {
		t.Error("retrieval/memory should be disabled without embeddings")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(),
		&Providers{LLM: &llmmock.Provider{}}, WithStores(testStores()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
