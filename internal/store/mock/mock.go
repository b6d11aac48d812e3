// Package mock provides in-memory test doubles for the store contracts.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/renfield-ai/renfield/internal/normalize"
	"github.com/renfield-ai/renfield/internal/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// Rooms
// ─────────────────────────────────────────────────────────────────────────────

// RoomStore is an in-memory implementation of store.RoomStore.
type RoomStore struct {
	mu     sync.Mutex
	nextID int64
	rooms  map[string]*store.Room // key: alias

	// Err, if non-nil, is returned by every method.
	Err error
}

var _ store.RoomStore = (*RoomStore)(nil)

// NewRoomStore returns an empty RoomStore.
func NewRoomStore() *RoomStore {
	return &RoomStore{rooms: make(map[string]*store.Room)}
}

// Add seeds a room and returns it.
func (r *RoomStore) Add(name string) *store.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(name, "manual")
}

func (r *RoomStore) add(name, source string) *store.Room {
	r.nextID++
	room := &store.Room{
		ID:        r.nextID,
		Name:      name,
		Alias:     normalize.Alias(name),
		Source:    source,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	r.rooms[room.Alias] = room
	return room
}

func (r *RoomStore) EnsureRoom(_ context.Context, name, source string) (*store.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	if room, ok := r.rooms[normalize.Alias(name)]; ok {
		return room, nil
	}
	return r.add(name, source), nil
}

func (r *RoomStore) GetRoom(_ context.Context, id int64) (*store.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, room := range r.rooms {
		if room.ID == id {
			return room, nil
		}
	}
	return nil, nil
}

func (r *RoomStore) FindRoom(_ context.Context, name string) (*store.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, room := range r.rooms {
		if room.Name == name {
			return room, nil
		}
	}
	if room, ok := r.rooms[normalize.Alias(name)]; ok {
		return room, nil
	}
	return nil, nil
}

func (r *RoomStore) ListRooms(_ context.Context) ([]store.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	out := make([]store.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, *room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Devices
// ─────────────────────────────────────────────────────────────────────────────

// DeviceStore is an in-memory implementation of store.DeviceStore.
type DeviceStore struct {
	mu      sync.Mutex
	nextID  int64
	devices map[string]*store.Device

	// Upserts records every UpsertDevice call in order.
	Upserts []store.Device

	// Err, if non-nil, is returned by every method.
	Err error
}

var _ store.DeviceStore = (*DeviceStore)(nil)

// NewDeviceStore returns an empty DeviceStore.
func NewDeviceStore() *DeviceStore {
	return &DeviceStore{devices: make(map[string]*store.Device)}
}

func (d *DeviceStore) UpsertDevice(_ context.Context, dev store.Device) (*store.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	d.Upserts = append(d.Upserts, dev)

	existing, ok := d.devices[dev.DeviceID]
	if !ok {
		d.nextID++
		dev.ID = d.nextID
	} else {
		dev.ID = existing.ID
	}
	dev.IsOnline = true
	dev.LastConnectedAt = time.Now()
	stored := dev
	d.devices[dev.DeviceID] = &stored
	out := stored
	return &out, nil
}

func (d *DeviceStore) SetDeviceOnline(_ context.Context, deviceID string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	if dev, ok := d.devices[deviceID]; ok {
		dev.IsOnline = online
	}
	return nil
}

func (d *DeviceStore) GetDevice(_ context.Context, deviceID string) (*store.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	dev, ok := d.devices[deviceID]
	if !ok {
		return nil, nil
	}
	out := *dev
	return &out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Output devices
// ─────────────────────────────────────────────────────────────────────────────

// OutputDeviceStore is a configurable implementation of store.OutputDeviceStore.
type OutputDeviceStore struct {
	mu sync.Mutex

	// Outputs holds all rows; ListAudioOutputs filters and sorts them the way
	// the real store does.
	Outputs []store.OutputDevice

	// Err, if non-nil, is returned by ListAudioOutputs.
	Err error
}

var _ store.OutputDeviceStore = (*OutputDeviceStore)(nil)

func (o *OutputDeviceStore) ListAudioOutputs(_ context.Context, roomID int64) ([]store.OutputDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	var out []store.OutputDevice
	for _, od := range o.Outputs {
		if od.RoomID == roomID && od.OutputType == "audio" && od.IsEnabled {
			out = append(out, od)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversations
// ─────────────────────────────────────────────────────────────────────────────

// ConversationStore is an in-memory implementation of store.ConversationStore.
type ConversationStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[string][]store.Message

	// Err, if non-nil, is returned by every method.
	Err error
}

var _ store.ConversationStore = (*ConversationStore)(nil)

// NewConversationStore returns an empty ConversationStore.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{messages: make(map[string][]store.Message)}
}

func (c *ConversationStore) SaveMessage(_ context.Context, sessionID, role, content string, metadata map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.nextID++
	c.messages[sessionID] = append(c.messages[sessionID], store.Message{
		ID:        c.nextID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	return nil
}

func (c *ConversationStore) LoadMessages(_ context.Context, sessionID string, max int) ([]store.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	msgs := c.messages[sessionID]
	if len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Chunks
// ─────────────────────────────────────────────────────────────────────────────

// ChunkStore is a configurable implementation of store.ChunkStore.
type ChunkStore struct {
	mu sync.Mutex

	// DenseHits and LexicalHits are returned (truncated to the requested
	// limit) by the corresponding search methods.
	DenseHits   []store.ChunkHit
	LexicalHits []store.ChunkHit

	// Windows maps document id to that document's chunks, ordered by
	// chunk_index; ChunkWindow slices it.
	Windows map[int64][]store.DocumentChunk

	// DenseCalls and LexicalCalls record the queries made.
	DenseCalls   int
	LexicalCalls []string

	// Err, if non-nil, is returned by every method.
	Err error
}

var _ store.ChunkStore = (*ChunkStore)(nil)

func (c *ChunkStore) DenseSearch(_ context.Context, _ []float32, limit int, _ int64) ([]store.ChunkHit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	c.DenseCalls++
	hits := c.DenseHits
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]store.ChunkHit, len(hits))
	copy(out, hits)
	return out, nil
}

func (c *ChunkStore) LexicalSearch(_ context.Context, query, _ string, limit int, _ int64) ([]store.ChunkHit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	c.LexicalCalls = append(c.LexicalCalls, query)
	hits := c.LexicalHits
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]store.ChunkHit, len(hits))
	copy(out, hits)
	return out, nil
}

func (c *ChunkStore) ChunkWindow(_ context.Context, documentID int64, center, w int) ([]store.DocumentChunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	var out []store.DocumentChunk
	for _, chunk := range c.Windows[documentID] {
		if chunk.ChunkIndex >= center-w && chunk.ChunkIndex <= center+w {
			out = append(out, chunk)
		}
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Settings
// ─────────────────────────────────────────────────────────────────────────────

// SettingsStore is an in-memory implementation of store.SettingsStore.
type SettingsStore struct {
	mu     sync.Mutex
	values map[string]string

	// Err, if non-nil, is returned by every method.
	Err error
}

var _ store.SettingsStore = (*SettingsStore)(nil)

// NewSettingsStore returns an empty SettingsStore.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{values: make(map[string]string)}
}

func (s *SettingsStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", false, s.Err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *SettingsStore) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.values[key] = value
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Memories
// ─────────────────────────────────────────────────────────────────────────────

// MemoryStore is an in-memory implementation of store.MemoryStore.
type MemoryStore struct {
	mu sync.Mutex

	// Saved records every SaveMemory call in order.
	Saved []store.Memory

	// SearchHits is returned by SearchMemories (truncated to limit).
	SearchHits []store.MemoryHit

	// Err, if non-nil, is returned by every method.
	Err error
}

var _ store.MemoryStore = (*MemoryStore)(nil)

func (m *MemoryStore) SaveMemory(_ context.Context, mem store.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Saved = append(m.Saved, mem)
	return nil
}

func (m *MemoryStore) SearchMemories(_ context.Context, _ []float32, userID string, limit int) ([]store.MemoryHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []store.MemoryHit
	for _, h := range m.SearchHits {
		if h.Memory.UserID == "" || h.Memory.UserID == userID {
			out = append(out, h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
