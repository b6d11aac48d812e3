// Package registry is the in-memory source of truth for connected devices and
// live sessions.
//
// Device identities are mirrored to the persistent store on registration, but
// sessions and their audio buffers exist only here: a restart drops all
// sessions by construction. All methods are safe for concurrent use; per
// device, mutations are serialized under the registry lock so an observer
// never sees a session whose device is gone.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/protocol"
	"github.com/renfield-ai/renfield/internal/store"
)

// Sentinel errors returned by session operations.
var (
	ErrUnknownDevice     = fmt.Errorf("registry: unknown device")
	ErrUnknownDeviceType = fmt.Errorf("registry: unknown device type")
	ErrSessionActive     = fmt.Errorf("registry: device already has an active session")
	ErrNoSession         = fmt.Errorf("registry: no such session")
	ErrWrongState        = fmt.Errorf("registry: operation not valid in current state")
	ErrBufferFull        = fmt.Errorf("registry: audio buffer full")
	ErrInvalidTransition = fmt.Errorf("registry: invalid state transition")
	ErrTranscriptSet     = fmt.Errorf("registry: transcript already set")
)

// Sender delivers outbound frames to one connected device. Implementations
// must be safe for concurrent use and must not block indefinitely; the
// WebSocket layer backs this with a bounded send queue.
type Sender interface {
	Send(frame any) error
	Close(code int, reason string) error
}

// Device is the runtime record of a connected device. The struct is replaced
// wholesale on re-registration, so all fields are immutable once handed out.
type Device struct {
	DeviceID     string
	DeviceType   string
	DeviceName   string
	RoomID       int64
	RoomName     string
	Capabilities store.Capabilities
	IsStationary bool
	Language     string
	IPAddress    string
	ConnectedAt  time.Time

	conn Sender
}

// Send delivers a frame to the device's connection.
func (d *Device) Send(frame any) error {
	return d.conn.Send(frame)
}

// RegisterRequest carries everything needed to admit a device.
type RegisterRequest struct {
	DeviceID     string
	DeviceType   string
	Room         string
	DeviceName   string
	Overrides    *protocol.CapabilityOverrides
	IsStationary *bool
	Language     string
	UserAgent    string
	IPAddress    string
}

// StartOptions tunes session creation.
type StartOptions struct {
	// SessionID, when non-empty, is the client-chosen id from the wake frame.
	SessionID string

	Keyword    string
	Confidence float64
}

// Registry tracks connected devices and their sessions.
type Registry struct {
	rooms   store.RoomStore
	devices store.DeviceStore

	log     *slog.Logger
	metrics *observe.Metrics

	maxBufferBytes    int
	listeningTimeout  time.Duration
	processingTimeout time.Duration
	autoCreateRooms   bool

	mu            sync.RWMutex
	byDevice      map[string]*Device  // device_id → runtime record
	sessions      map[string]*Session // session_id → session
	deviceSession map[string]string   // device_id → active session_id
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithMaxBufferBytes bounds the per-session audio buffer.
func WithMaxBufferBytes(n int) Option {
	return func(r *Registry) { r.maxBufferBytes = n }
}

// WithListeningTimeout bounds the LISTENING phase.
func WithListeningTimeout(d time.Duration) Option {
	return func(r *Registry) { r.listeningTimeout = d }
}

// WithProcessingTimeout bounds the PROCESSING and SPEAKING phases.
func WithProcessingTimeout(d time.Duration) Option {
	return func(r *Registry) { r.processingTimeout = d }
}

// WithAutoCreateRooms controls whether an unknown room name at registration
// creates the room (source "auto") or fails the registration.
func WithAutoCreateRooms(on bool) Option {
	return func(r *Registry) { r.autoCreateRooms = on }
}

// New returns a Registry backed by the given stores.
func New(rooms store.RoomStore, devices store.DeviceStore, opts ...Option) *Registry {
	r := &Registry{
		rooms:             rooms,
		devices:           devices,
		log:               slog.Default(),
		metrics:           observe.DefaultMetrics(),
		maxBufferBytes:    2 << 20,
		listeningTimeout:  15 * time.Second,
		processingTimeout: 30 * time.Second,
		autoCreateRooms:   true,
		byDevice:          make(map[string]*Device),
		sessions:          make(map[string]*Session),
		deviceSession:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// defaultCapabilities returns the capability baseline for a device type.
func defaultCapabilities(deviceType string) (store.Capabilities, error) {
	switch deviceType {
	case "satellite":
		return store.Capabilities{HasMicrophone: true, HasSpeaker: true, HasWakeword: true}, nil
	case "web_panel", "web_tablet", "web_browser":
		return store.Capabilities{HasMicrophone: true, HasSpeaker: true, HasDisplay: true}, nil
	case "web_kiosk":
		return store.Capabilities{HasSpeaker: true, HasDisplay: true}, nil
	default:
		return store.Capabilities{}, fmt.Errorf("%w: %q", ErrUnknownDeviceType, deviceType)
	}
}

// mergeOverrides applies client-supplied capability flags onto the defaults.
func mergeOverrides(caps store.Capabilities, o *protocol.CapabilityOverrides) store.Capabilities {
	if o == nil {
		return caps
	}
	if o.HasMicrophone != nil {
		caps.HasMicrophone = *o.HasMicrophone
	}
	if o.HasSpeaker != nil {
		caps.HasSpeaker = *o.HasSpeaker
	}
	if o.HasDisplay != nil {
		caps.HasDisplay = *o.HasDisplay
	}
	if o.HasWakeword != nil {
		caps.HasWakeword = *o.HasWakeword
	}
	if o.HasCamera != nil {
		caps.HasCamera = *o.HasCamera
	}
	return caps
}

// Register admits a device, resolving its room, merging capabilities, and
// persisting the identity row. A second registration with the same device_id
// supersedes the first: the old connection is closed asynchronously and the
// runtime record is replaced.
func (r *Registry) Register(ctx context.Context, req RegisterRequest, conn Sender) (*Device, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("registry: register: empty device_id")
	}
	caps, err := defaultCapabilities(req.DeviceType)
	if err != nil {
		return nil, err
	}
	caps = mergeOverrides(caps, req.Overrides)

	var roomID int64
	var roomName string
	if req.Room != "" {
		var room *store.Room
		if r.autoCreateRooms {
			room, err = r.rooms.EnsureRoom(ctx, req.Room, "auto")
		} else {
			room, err = r.rooms.FindRoom(ctx, req.Room)
			if err == nil && room == nil {
				err = fmt.Errorf("registry: register: room %q not found", req.Room)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("registry: register %s: %w", req.DeviceID, err)
		}
		roomID = room.ID
		roomName = room.Name
	}

	stationary := req.DeviceType == "satellite"
	if req.IsStationary != nil {
		stationary = *req.IsStationary
	}

	if prev, err := r.devices.GetDevice(ctx, req.DeviceID); err == nil &&
		prev != nil && prev.IsStationary && prev.IPAddress != "" &&
		req.IPAddress != "" && prev.IPAddress != req.IPAddress {
		r.log.Warn("stationary device changed address",
			"device_id", req.DeviceID, "old_ip", prev.IPAddress, "new_ip", req.IPAddress)
	}

	if _, err := r.devices.UpsertDevice(ctx, store.Device{
		DeviceID:     req.DeviceID,
		DeviceType:   req.DeviceType,
		DeviceName:   req.DeviceName,
		RoomID:       roomID,
		Capabilities: caps,
		IsStationary: stationary,
		IsOnline:     true,
		UserAgent:    req.UserAgent,
		IPAddress:    req.IPAddress,
	}); err != nil {
		return nil, fmt.Errorf("registry: persist device %s: %w", req.DeviceID, err)
	}

	dev := &Device{
		DeviceID:     req.DeviceID,
		DeviceType:   req.DeviceType,
		DeviceName:   req.DeviceName,
		RoomID:       roomID,
		RoomName:     roomName,
		Capabilities: caps,
		IsStationary: stationary,
		Language:     req.Language,
		IPAddress:    req.IPAddress,
		ConnectedAt:  time.Now(),
		conn:         conn,
	}

	r.mu.Lock()
	old := r.byDevice[req.DeviceID]
	r.byDevice[req.DeviceID] = dev
	r.mu.Unlock()

	if old != nil {
		r.log.Info("device re-registered, superseding old connection", "device_id", req.DeviceID)
		go old.conn.Close(1000, "superseded by new connection")
	} else {
		r.metrics.ConnectedDevices.Add(ctx, 1)
	}
	r.log.Info("device registered",
		"device_id", req.DeviceID, "device_type", req.DeviceType,
		"room", roomName, "stationary", stationary)
	return dev, nil
}

// Unregister removes a device's runtime record, ends its active session, and
// marks the persistent row offline. A stale disconnect — the Sender no longer
// matching the stored handle — is a no-op, so a superseded connection's
// teardown cannot evict its replacement.
func (r *Registry) Unregister(ctx context.Context, deviceID string, conn Sender) {
	r.mu.Lock()
	dev := r.byDevice[deviceID]
	if dev == nil || (conn != nil && dev.conn != conn) {
		r.mu.Unlock()
		return
	}
	delete(r.byDevice, deviceID)
	sessionID := r.deviceSession[deviceID]
	r.mu.Unlock()

	if sessionID != "" {
		r.EndSession(ctx, sessionID, "disconnected")
	}
	if err := r.devices.SetDeviceOnline(ctx, deviceID, false); err != nil {
		r.log.Warn("failed to mark device offline", "device_id", deviceID, "error", err)
	}
	r.metrics.ConnectedDevices.Add(ctx, -1)
	r.log.Info("device unregistered", "device_id", deviceID)
}

// GetDevice returns the runtime record for deviceID.
func (r *Registry) GetDevice(deviceID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byDevice[deviceID]
	return dev, ok
}

// Devices returns a snapshot of all connected devices.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.byDevice))
	for _, dev := range r.byDevice {
		out = append(out, dev)
	}
	return out
}

// DevicesInRoom returns the connected devices of one room.
func (r *Registry) DevicesInRoom(roomID int64) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, dev := range r.byDevice {
		if dev.RoomID == roomID {
			out = append(out, dev)
		}
	}
	return out
}

// Satellites returns the connected devices that run a local wake-word engine.
func (r *Registry) Satellites() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, dev := range r.byDevice {
		if dev.Capabilities.HasWakeword {
			out = append(out, dev)
		}
	}
	return out
}

// HasSpeaker reports whether deviceID is connected and can play audio.
func (r *Registry) HasSpeaker(deviceID string) bool {
	dev, ok := r.GetDevice(deviceID)
	return ok && dev.Capabilities.HasSpeaker
}

// Send delivers a frame to the named device.
func (r *Registry) Send(deviceID string, frame any) error {
	dev, ok := r.GetDevice(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return dev.Send(frame)
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

// StartSession opens a new session for a registered device. Exactly one
// session may be active per device; a second start fails with
// [ErrSessionActive]. The session begins in LISTENING with the listening
// timeout armed, and the device receives session_started and state frames.
func (r *Registry) StartSession(ctx context.Context, deviceID string, opts StartOptions) (*Session, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	dev := r.byDevice[deviceID]
	if dev == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if active := r.deviceSession[deviceID]; active != "" {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has session %s", ErrSessionActive, deviceID, active)
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: session id %s already in use", id)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		DeviceID:   deviceID,
		RoomID:     dev.RoomID,
		Keyword:    opts.Keyword,
		Confidence: opts.Confidence,
		CreatedAt:  time.Now(),
		reg:        r,
		state:      StateListening,
		chunks:     make(map[int][]byte),
		ctx:        sctx,
		cancel:     cancel,
	}
	s.timer = time.AfterFunc(r.listeningTimeout, func() {
		r.EndSession(context.Background(), id, "timeout")
	})
	r.sessions[id] = s
	r.deviceSession[deviceID] = id
	r.mu.Unlock()

	r.metrics.SessionsStarted.Add(ctx, 1)
	r.metrics.ActiveSessions.Add(ctx, 1)
	r.log.Info("session started", "session_id", id, "device_id", deviceID, "keyword", opts.Keyword)

	if err := dev.Send(protocol.NewSessionStarted(id)); err != nil {
		r.log.Warn("failed to send session_started", "session_id", id, "error", err)
	}
	if err := dev.Send(protocol.NewState(StateListening.String())); err != nil {
		r.log.Warn("failed to send state frame", "session_id", id, "error", err)
	}
	return s, nil
}

// Session returns the session with the given id.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionForDevice returns the active session of a device, if any.
func (r *Registry) SessionForDevice(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := r.deviceSession[deviceID]
	if id == "" {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// BufferAudio appends one decoded PCM chunk keyed by its sequence number.
// A duplicate sequence replaces the previous chunk (last writer wins). When
// the strict byte bound would be exceeded, the chunk is rejected with
// [ErrBufferFull]: one BUFFER_FULL error frame goes to the device and the
// session is ended with reason buffer_full, so the next utterance starts
// fresh.
func (r *Registry) BufferAudio(ctx context.Context, sessionID string, chunk []byte, seq int) error {
	r.mu.Lock()
	s := r.sessions[sessionID]
	if s == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if s.state != StateListening {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %s is %s", ErrWrongState, sessionID, s.state)
	}

	next := s.totalBytes + len(chunk) - len(s.chunks[seq])
	if next > r.maxBufferBytes {
		dev := r.byDevice[s.DeviceID]
		r.mu.Unlock()

		if dev != nil {
			if err := dev.Send(protocol.NewError(protocol.CodeBufferFull, "audio buffer limit reached")); err != nil {
				r.log.Warn("failed to send buffer_full error", "session_id", sessionID, "error", err)
			}
		}
		r.log.Warn("audio buffer full, ending session",
			"session_id", sessionID, "limit_bytes", r.maxBufferBytes)
		if err := r.EndSession(ctx, sessionID, "buffer_full"); err != nil {
			r.log.Warn("failed to end overflowed session", "session_id", sessionID, "error", err)
		}
		return fmt.Errorf("%w: session %s", ErrBufferFull, sessionID)
	}

	s.totalBytes = next
	s.chunks[seq] = chunk
	r.mu.Unlock()
	return nil
}

// GetAudio returns the buffered audio of a session concatenated in sequence
// order. gap reports whether sequence numbers were missing; missing chunks are
// skipped, never zero-filled.
func (r *Registry) GetAudio(sessionID string) (data []byte, gap bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[sessionID]
	if s == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	data, gap = s.assembleAudio()
	if gap {
		r.log.Warn("audio sequence gap", "session_id", sessionID, "chunks", len(s.chunks))
	}
	return data, gap, nil
}

// SetSessionState advances a session's lifecycle. Transitions are strictly
// monotonic (LISTENING → PROCESSING → SPEAKING → ENDED); anything else fails
// with [ErrInvalidTransition]. Advancing to ENDED is equivalent to
// EndSession(reason "completed").
func (r *Registry) SetSessionState(ctx context.Context, sessionID string, next SessionState) error {
	if next == StateEnded {
		return r.EndSession(ctx, sessionID, "completed")
	}

	r.mu.Lock()
	s := r.sessions[sessionID]
	if s == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if next <= s.state {
		cur := s.state
		r.mu.Unlock()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, cur, next)
	}
	s.state = next
	s.stopTimer()
	if next == StateProcessing {
		s.timer = time.AfterFunc(r.processingTimeout, func() {
			r.EndSession(context.Background(), sessionID, "timeout")
		})
	}
	dev := r.byDevice[s.DeviceID]
	r.mu.Unlock()

	r.log.Debug("session state", "session_id", sessionID, "state", next.String())
	if dev != nil {
		if err := dev.Send(protocol.NewState(next.String())); err != nil {
			r.log.Warn("failed to send state frame", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// SetTranscript records the STT result. It may be set at most once.
func (r *Registry) SetTranscript(sessionID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionID]
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if s.transcriptSet {
		return fmt.Errorf("%w: session %s", ErrTranscriptSet, sessionID)
	}
	s.transcript = text
	s.transcriptSet = true
	return nil
}

// EndSession terminates a session: cancels its context, frees the audio
// buffer, removes it from the indexes, and notifies the device with a
// session_end frame. Ending an unknown or already-ended session is a no-op.
func (r *Registry) EndSession(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	s := r.sessions[sessionID]
	if s == nil {
		r.mu.Unlock()
		return nil
	}
	s.stopTimer()
	s.state = StateEnded
	s.chunks = nil
	s.totalBytes = 0
	delete(r.sessions, sessionID)
	if r.deviceSession[s.DeviceID] == sessionID {
		delete(r.deviceSession, s.DeviceID)
	}
	dev := r.byDevice[s.DeviceID]
	r.mu.Unlock()

	s.cancel()
	r.metrics.ActiveSessions.Add(ctx, -1)
	r.metrics.RecordSessionEnd(ctx, reason)
	r.log.Info("session ended", "session_id", sessionID, "reason", reason,
		"age", time.Since(s.CreatedAt).Round(time.Millisecond))

	if dev != nil {
		if err := dev.Send(protocol.NewSessionEnd(sessionID, reason)); err != nil {
			r.log.Warn("failed to send session_end", "session_id", sessionID, "error", err)
		}
		if err := dev.Send(protocol.NewState(StateEnded.String())); err != nil {
			r.log.Warn("failed to send state frame", "session_id", sessionID, "error", err)
		}
	}
	return nil
}
