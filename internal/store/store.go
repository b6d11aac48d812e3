// Package store defines the persistence contracts and row types for Renfield.
//
// Rooms, devices, and output devices survive restarts; sessions and audio
// buffers never touch this layer. Conversations, documents, and long-term user
// memories are persisted here as well. The canonical implementation is
// [github.com/renfield-ai/renfield/internal/store/postgres]; tests use the
// in-memory fakes under store/mock.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"time"
)

// Capabilities describes the I/O affordances of a device. Defaults are applied
// per device type at registration and merged with client-supplied overrides.
type Capabilities struct {
	HasMicrophone bool `json:"has_microphone"`
	HasSpeaker    bool `json:"has_speaker"`
	HasDisplay    bool `json:"has_display"`
	HasWakeword   bool `json:"has_wakeword"`
	HasCamera     bool `json:"has_camera"`
}

// Room is a persistent location devices belong to.
type Room struct {
	ID int64

	// Name is the display name ("Living Room").
	Name string

	// Alias is the normalized voice-matching key ("livingroom").
	Alias string

	// ExternalAreaID links the room to a home-automation area. Optional.
	ExternalAreaID string

	// Icon is an optional UI icon identifier.
	Icon string

	// Source records how the room came to exist: "manual", "imported", or "auto".
	Source string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Device is the persistent identity of a satellite or web client.
type Device struct {
	ID int64

	// DeviceID is the client-chosen unique identifier.
	DeviceID string

	// DeviceType is one of: satellite, web_panel, web_tablet, web_browser, web_kiosk.
	DeviceType string

	// DeviceName is an optional human-readable name.
	DeviceName string

	RoomID       int64
	Capabilities Capabilities

	// IsStationary marks devices expected to stay on one LAN address. An IP
	// change on a stationary device is logged.
	IsStationary bool

	IsOnline        bool
	LastConnectedAt time.Time
	UserAgent       string
	IPAddress       string
}

// OutputDevice is a configured audio/video sink in a room.
type OutputDevice struct {
	ID     int64
	RoomID int64

	// OutputType is the sink kind; only "audio" rows participate in TTS routing.
	OutputType string

	// Exactly one of the following identifies the sink.
	RenfieldDeviceID string
	HAEntityID       string
	DLNARendererName string

	// Priority orders candidates; lower values are tried first.
	Priority int

	// AllowInterruption permits routing to this sink while it is playing.
	AllowInterruption bool

	// TTSVolume optionally overrides the sink volume for announcements.
	TTSVolume *float64

	IsEnabled  bool
	DeviceName string
}

// Message is one turn in a conversation.
type Message struct {
	ID int64

	// Role is one of: user, assistant, system.
	Role string

	Content string

	// Metadata carries opaque structured data (action summaries, sources).
	Metadata map[string]any

	Timestamp time.Time
}

// Document is an ingested file split into chunks for retrieval.
type Document struct {
	ID       int64
	FilePath string
	Filename string

	// Status is one of: processing, completed, failed.
	Status string

	FileHash   string
	ChunkCount int

	KnowledgeBaseID int64
	CreatedAt       time.Time
}

// DocumentChunk is a text span of a document with its embedding.
type DocumentChunk struct {
	ID         int64
	DocumentID int64
	Content    string
	Embedding  []float32

	// ChunkIndex is the position of this chunk within its document.
	ChunkIndex int

	PageNumber   int
	SectionTitle string

	// Filename of the parent document, populated on retrieval for source
	// annotations.
	Filename string
}

// ChunkHit pairs a retrieved chunk with a relevance score.
type ChunkHit struct {
	Chunk DocumentChunk

	// Score is branch-specific: cosine similarity for the dense branch,
	// ts_rank_cd for the lexical branch, RRF score after fusion.
	Score float64
}

// KnowledgeBase groups documents into a searchable scope.
type KnowledgeBase struct {
	ID          int64
	Name        string
	Description string
}

// Memory is a durable fact extracted from conversation turns.
type Memory struct {
	ID        string
	UserID    string
	Category  string
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// MemoryHit pairs a retrieved memory with its cosine similarity.
type MemoryHit struct {
	Memory Memory
	Score  float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Repository contracts
// ─────────────────────────────────────────────────────────────────────────────

// RoomStore persists rooms.
type RoomStore interface {
	// EnsureRoom returns the room named name, creating it with the given
	// source when it does not exist. Matching tries exact name first, then
	// the normalized alias.
	EnsureRoom(ctx context.Context, name, source string) (*Room, error)

	// GetRoom returns the room with the given id, or nil when absent.
	GetRoom(ctx context.Context, id int64) (*Room, error)

	// FindRoom resolves a spoken room name: exact name match first, then
	// normalized alias. Returns nil when no room matches.
	FindRoom(ctx context.Context, name string) (*Room, error)

	// ListRooms returns all rooms ordered by name.
	ListRooms(ctx context.Context) ([]Room, error)
}

// DeviceStore persists device identities.
type DeviceStore interface {
	// UpsertDevice creates or updates the row keyed by dev.DeviceID and
	// refreshes last_connected_at. Returns the stored row.
	UpsertDevice(ctx context.Context, dev Device) (*Device, error)

	// SetDeviceOnline flips the online flag for deviceID. Missing devices are
	// a no-op.
	SetDeviceOnline(ctx context.Context, deviceID string, online bool) error

	// GetDevice returns the row for deviceID, or nil when absent.
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
}

// OutputDeviceStore lists configured output sinks.
type OutputDeviceStore interface {
	// ListAudioOutputs returns the enabled audio sinks of a room, ordered by
	// priority ascending.
	ListAudioOutputs(ctx context.Context, roomID int64) ([]OutputDevice, error)
}

// ConversationStore persists dialogue turns keyed by session id.
type ConversationStore interface {
	// SaveMessage appends one message, creating the parent conversation row
	// on first save.
	SaveMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) error

	// LoadMessages returns up to max most-recent messages, oldest first.
	LoadMessages(ctx context.Context, sessionID string, max int) ([]Message, error)
}

// ChunkStore serves the retrieval engine.
type ChunkStore interface {
	// DenseSearch returns the limit nearest chunks by cosine similarity,
	// optionally scoped to a knowledge base (kbID > 0). Score is similarity
	// (1 − cosine distance), descending.
	DenseSearch(ctx context.Context, embedding []float32, limit int, kbID int64) ([]ChunkHit, error)

	// LexicalSearch returns the limit best full-text matches ranked by
	// cover density, optionally scoped to a knowledge base. language names
	// the text-search configuration ("english", "german").
	LexicalSearch(ctx context.Context, query, language string, limit int, kbID int64) ([]ChunkHit, error)

	// ChunkWindow returns the chunks of documentID with chunk_index in
	// [center−w, center+w], ordered by chunk_index.
	ChunkWindow(ctx context.Context, documentID int64, center, w int) ([]DocumentChunk, error)
}

// SettingsStore persists process-wide key/value settings.
type SettingsStore interface {
	// GetSetting returns the value for key and whether it exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)

	// SetSetting writes the value for key, overwriting any previous value.
	SetSetting(ctx context.Context, key, value string) error
}

// MemoryStore persists long-term user facts.
type MemoryStore interface {
	// SaveMemory inserts or replaces a fact by ID.
	SaveMemory(ctx context.Context, m Memory) error

	// SearchMemories returns the limit facts of userID nearest to embedding,
	// most similar first.
	SearchMemories(ctx context.Context, embedding []float32, userID string, limit int) ([]MemoryHit, error)
}
