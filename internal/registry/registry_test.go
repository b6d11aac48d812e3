package registry

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/renfield-ai/renfield/internal/protocol"
	"github.com/renfield-ai/renfield/internal/store/mock"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []any
	closed bool
}

func (f *fakeSender) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// countFrames returns how many captured frames satisfy match.
func (f *fakeSender) countFrames(match func(any) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if match(fr) {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *mock.RoomStore, *mock.DeviceStore) {
	t.Helper()
	rooms := mock.NewRoomStore()
	devices := mock.NewDeviceStore()
	return New(rooms, devices, opts...), rooms, devices
}

func register(t *testing.T, reg *Registry, deviceID, deviceType string) (*Device, *fakeSender) {
	t.Helper()
	conn := &fakeSender{}
	dev, err := reg.Register(context.Background(), RegisterRequest{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Room:       "Kitchen",
	}, conn)
	if err != nil {
		t.Fatalf("Register(%s): %v", deviceID, err)
	}
	return dev, conn
}

func TestRegisterMergesCapabilities(t *testing.T) {
	reg, _, devices := newTestRegistry(t)

	camera := true
	noSpeaker := false
	dev, err := reg.Register(context.Background(), RegisterRequest{
		DeviceID:   "sat-1",
		DeviceType: "satellite",
		Room:       "Living Room",
		Overrides:  &protocol.CapabilityOverrides{HasCamera: &camera, HasSpeaker: &noSpeaker},
	}, &fakeSender{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	caps := dev.Capabilities
	if !caps.HasMicrophone || !caps.HasWakeword {
		t.Errorf("satellite defaults lost: %+v", caps)
	}
	if !caps.HasCamera || caps.HasSpeaker {
		t.Errorf("overrides not applied: %+v", caps)
	}
	if dev.RoomID == 0 || dev.RoomName != "Living Room" {
		t.Errorf("room not resolved: id=%d name=%q", dev.RoomID, dev.RoomName)
	}
	if len(devices.Upserts) != 1 {
		t.Errorf("upserts = %d, want 1", len(devices.Upserts))
	}
	if !dev.IsStationary {
		t.Error("satellite should default stationary")
	}
}

func TestRegisterUnknownDeviceType(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), RegisterRequest{
		DeviceID:   "x",
		DeviceType: "toaster",
	}, &fakeSender{})
	if !errors.Is(err, ErrUnknownDeviceType) {
		t.Errorf("err = %v, want ErrUnknownDeviceType", err)
	}
}

func TestRegisterUnknownRoomWithoutAutoCreate(t *testing.T) {
	reg, rooms, _ := newTestRegistry(t, WithAutoCreateRooms(false))
	rooms.Add("Kitchen")

	if _, err := reg.Register(context.Background(), RegisterRequest{
		DeviceID: "sat-1", DeviceType: "satellite", Room: "Attic",
	}, &fakeSender{}); err == nil {
		t.Error("expected error for unknown room")
	}
	if _, err := reg.Register(context.Background(), RegisterRequest{
		DeviceID: "sat-1", DeviceType: "satellite", Room: "Kitchen",
	}, &fakeSender{}); err != nil {
		t.Errorf("known room rejected: %v", err)
	}
}

func TestRegisterSupersedesOldConnection(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, oldConn := register(t, reg, "sat-1", "satellite")
	_, newConn := register(t, reg, "sat-1", "satellite")

	deadline := time.Now().Add(time.Second)
	for !oldConn.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("old connection never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := reg.Send("sat-1", protocol.NewHeartbeatAck()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := newConn.countFrames(func(any) bool { return true }); n != 1 {
		t.Errorf("new conn frames = %d, want 1", n)
	}
}

func TestUnregisterStaleConnectionIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, oldConn := register(t, reg, "sat-1", "satellite")
	register(t, reg, "sat-1", "satellite")

	reg.Unregister(context.Background(), "sat-1", oldConn)
	if _, ok := reg.GetDevice("sat-1"); !ok {
		t.Error("stale unregister evicted the replacement connection")
	}
}

func TestStartSessionSingleActivePerDevice(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	register(t, reg, "sat-1", "satellite")

	s1, err := reg.StartSession(context.Background(), "sat-1", StartOptions{Keyword: "alexa"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := reg.StartSession(context.Background(), "sat-1", StartOptions{}); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second start err = %v, want ErrSessionActive", err)
	}

	if err := reg.EndSession(context.Background(), s1.ID, "completed"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := reg.StartSession(context.Background(), "sat-1", StartOptions{}); err != nil {
		t.Errorf("start after end: %v", err)
	}
}

func TestStartSessionHonorsClientID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	register(t, reg, "sat-1", "satellite")

	s, err := reg.StartSession(context.Background(), "sat-1", StartOptions{SessionID: "sat-1-42"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if s.ID != "sat-1-42" {
		t.Errorf("session id = %q, want client id", s.ID)
	}
	if _, err := reg.StartSession(context.Background(), "missing", StartOptions{}); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("unknown device err = %v, want ErrUnknownDevice", err)
	}
}

func TestBufferAudioSequenceOrder(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	register(t, reg, "sat-1", "satellite")
	s, _ := reg.StartSession(context.Background(), "sat-1", StartOptions{})

	// Out of order, with a duplicate of seq 1 that must win.
	for _, c := range []struct {
		seq  int
		data string
	}{
		{2, "cc"}, {0, "aa"}, {1, "xx"}, {1, "bb"},
	} {
		if err := reg.BufferAudio(context.Background(), s.ID, []byte(c.data), c.seq); err != nil {
			t.Fatalf("BufferAudio(seq=%d): %v", c.seq, err)
		}
	}

	data, gap, err := reg.GetAudio(s.ID)
	if err != nil {
		t.Fatalf("GetAudio: %v", err)
	}
	if !bytes.Equal(data, []byte("aabbcc")) {
		t.Errorf("audio = %q, want %q", data, "aabbcc")
	}
	if gap {
		t.Error("gap = true for contiguous sequence")
	}
}

func TestGetAudioReportsGaps(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	register(t, reg, "sat-1", "satellite")
	s, _ := reg.StartSession(context.Background(), "sat-1", StartOptions{})

	reg.BufferAudio(context.Background(), s.ID, []byte("aa"), 0)
	reg.BufferAudio(context.Background(), s.ID, []byte("cc"), 2)

	data, gap, err := reg.GetAudio(s.ID)
	if err != nil {
		t.Fatalf("GetAudio: %v", err)
	}
	if !gap {
		t.Error("gap = false, want true")
	}
	if !bytes.Equal(data, []byte("aacc")) {
		t.Errorf("audio = %q, want best-effort join without zero fill", data)
	}
}

func TestBufferAudioErrors(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	register(t, reg, "sat-1", "satellite")
	s, _ := reg.StartSession(context.Background(), "sat-1", StartOptions{})

	if err := reg.BufferAudio(context.Background(), "missing", []byte("x"), 0); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}

	reg.SetSessionState(context.Background(), s.ID, StateProcessing)
	if err := reg.BufferAudio(context.Background(), s.ID, []byte("x"), 0); !errors.Is(err, ErrWrongState) {
		t.Errorf("err = %v, want ErrWrongState", err)
	}
}

func TestBufferOverflowEndsSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t, WithMaxBufferBytes(4))
	_, conn := register(t, reg, "sat-1", "satellite")
	s, _ := reg.StartSession(context.Background(), "sat-1", StartOptions{})
	ctx := context.Background()

	if err := reg.BufferAudio(ctx, s.ID, []byte("aabb"), 0); err != nil {
		t.Fatalf("BufferAudio within bound: %v", err)
	}
	if err := reg.BufferAudio(ctx, s.ID, []byte("cc"), 1); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("overflow err = %v, want ErrBufferFull", err)
	}

	n := conn.countFrames(func(f any) bool {
		e, ok := f.(protocol.Error)
		return ok && e.Code == protocol.CodeBufferFull
	})
	if n != 1 {
		t.Errorf("BUFFER_FULL frames = %d, want exactly 1", n)
	}
	ends := conn.countFrames(func(f any) bool {
		e, ok := f.(protocol.SessionEnd)
		return ok && e.Reason == "buffer_full"
	})
	if ends != 1 {
		t.Errorf("session_end buffer_full frames = %d, want exactly 1", ends)
	}

	// The session is gone: later chunks and a late audio_end have nothing to
	// act on, so the truncated buffer is never transcribed.
	if _, ok := reg.Session(s.ID); ok {
		t.Error("session still registered after overflow")
	}
	if err := reg.BufferAudio(ctx, s.ID, []byte("dd"), 2); !errors.Is(err, ErrNoSession) {
		t.Errorf("post-overflow chunk err = %v, want ErrNoSession", err)
	}
	if _, _, err := reg.GetAudio(s.ID); !errors.Is(err, ErrNoSession) {
		t.Errorf("GetAudio after overflow err = %v, want ErrNoSession", err)
	}
}

func TestSessionStateMonotonic(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	register(t, reg, "sat-1", "satellite")
	s, _ := reg.StartSession(context.Background(), "sat-1", StartOptions{})
	ctx := context.Background()

	if err := reg.SetSessionState(ctx, s.ID, StateProcessing); err != nil {
		t.Fatalf("LISTENING → PROCESSING: %v", err)
	}
	if err := reg.SetSessionState(ctx, s.ID, StateListening); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("backwards transition err = %v, want ErrInvalidTransition", err)
	}
	if err := reg.SetSessionState(ctx, s.ID, StateProcessing); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("self transition err = %v, want ErrInvalidTransition", err)
	}
	if err := reg.SetSessionState(ctx, s.ID, StateSpeaking); err != nil {
		t.Fatalf("PROCESSING → SPEAKING: %v", err)
	}

	// ENDED via SetSessionState behaves like a completed EndSession.
	if err := reg.SetSessionState(ctx, s.ID, StateEnded); err != nil {
		t.Fatalf("SPEAKING → ENDED: %v", err)
	}
	if _, ok := reg.Session(s.ID); ok {
		t.Error("ended session still indexed")
	}
	if s.State() != StateEnded {
		t.Errorf("state = %v, want ENDED", s.State())
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, conn := register(t, reg, "sat-1", "satellite")
	s, _ := reg.StartSession(context.Background(), "sat-1", StartOptions{})

	if err := reg.EndSession(context.Background(), s.ID, "completed"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := reg.EndSession(context.Background(), s.ID, "completed"); err != nil {
		t.Errorf("second EndSession: %v", err)
	}

	select {
	case <-s.Context().Done():
	default:
		t.Error("session context not cancelled")
	}

	n := conn.countFrames(func(f any) bool {
		_, ok := f.(protocol.SessionEnd)
		return ok
	})
	if n != 1 {
		t.Errorf("session_end frames = %d, want 1", n)
	}
}

func TestSetTranscriptOnce(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	register(t, reg, "sat-1", "satellite")
	s, _ := reg.StartSession(context.Background(), "sat-1", StartOptions{})

	if err := reg.SetTranscript(s.ID, "turn on the lights"); err != nil {
		t.Fatalf("SetTranscript: %v", err)
	}
	if err := reg.SetTranscript(s.ID, "other"); !errors.Is(err, ErrTranscriptSet) {
		t.Errorf("err = %v, want ErrTranscriptSet", err)
	}
	if got := s.Transcript(); got != "turn on the lights" {
		t.Errorf("transcript = %q", got)
	}
}

func TestListeningTimeoutEndsSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t, WithListeningTimeout(20*time.Millisecond))
	_, conn := register(t, reg, "sat-1", "satellite")
	s, _ := reg.StartSession(context.Background(), "sat-1", StartOptions{})

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := reg.Session(s.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}

	n := conn.countFrames(func(f any) bool {
		e, ok := f.(protocol.SessionEnd)
		return ok && e.Reason == "timeout"
	})
	if n != 1 {
		t.Errorf("timeout session_end frames = %d, want 1", n)
	}
}

func TestUnregisterEndsActiveSession(t *testing.T) {
	reg, _, devices := newTestRegistry(t)
	_, conn := register(t, reg, "sat-1", "satellite")
	s, _ := reg.StartSession(context.Background(), "sat-1", StartOptions{})

	reg.Unregister(context.Background(), "sat-1", conn)

	if _, ok := reg.Session(s.ID); ok {
		t.Error("session survived unregister")
	}
	if _, ok := reg.GetDevice("sat-1"); ok {
		t.Error("device survived unregister")
	}
	dev, err := devices.GetDevice(context.Background(), "sat-1")
	if err != nil || dev == nil {
		t.Fatalf("GetDevice: %v, %v", dev, err)
	}
	if dev.IsOnline {
		t.Error("device still marked online")
	}
}

func TestDevicesInRoomAndSatellites(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	sat, _ := register(t, reg, "sat-1", "satellite")
	register(t, reg, "panel-1", "web_panel")

	inRoom := reg.DevicesInRoom(sat.RoomID)
	if len(inRoom) != 2 {
		t.Errorf("devices in room = %d, want 2", len(inRoom))
	}
	sats := reg.Satellites()
	if len(sats) != 1 || sats[0].DeviceID != "sat-1" {
		t.Errorf("satellites = %v", sats)
	}
}
