package ws

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/presence"
	"github.com/renfield-ai/renfield/internal/protocol"
	"github.com/renfield-ai/renfield/internal/registry"
	"github.com/renfield-ai/renfield/internal/router"
	"github.com/renfield-ai/renfield/internal/store/mock"
	"github.com/renfield-ai/renfield/internal/wakeword"
)

type fakePipeline struct {
	sessions chan string
}

func (f *fakePipeline) ProcessAudioEnd(_ context.Context, sessionID string) error {
	f.sessions <- sessionID
	return nil
}

type fakeResponder struct {
	reply *router.Reply
	reqs  chan router.Request
}

func (f *fakeResponder) Handle(_ context.Context, req router.Request) (*router.Reply, error) {
	if f.reqs != nil {
		f.reqs <- req
	}
	return f.reply, nil
}

type fixture struct {
	server    *Server
	ts        *httptest.Server
	reg       *registry.Registry
	pipeline  *fakePipeline
	responder *fakeResponder
	presence  *presence.Tracker
}

func newFixture(t *testing.T, cfg config.ServerConfig) *fixture {
	t.Helper()
	rooms := mock.NewRoomStore()
	rooms.Add("Kitchen")
	reg := registry.New(rooms, mock.NewDeviceStore())

	wake, err := wakeword.New(context.Background(), config.WakeWordConfig{
		Keyword:         "renfield",
		AllowedKeywords: []string{"renfield", "computer"},
		Threshold:       0.5,
		CooldownMs:      2000,
		Enabled:         true,
	}, mock.NewSettingsStore())
	if err != nil {
		t.Fatalf("wakeword.New: %v", err)
	}

	f := &fixture{
		reg:       reg,
		pipeline:  &fakePipeline{sessions: make(chan string, 1)},
		responder: &fakeResponder{reply: &router.Reply{Text: "Hello.", Intent: "conversation"}, reqs: make(chan router.Request, 1)},
		presence:  presence.NewTracker(config.PresenceConfig{}),
	}
	f.server = New(cfg, reg, f.pipeline, f.responder, wake, WithPresence(f.presence))
	f.ts = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) dial(t *testing.T, header map[string]string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if len(header) > 0 {
		opts.HTTPHeader = make(map[string][]string, len(header))
		for k, v := range header {
			opts.HTTPHeader.Set(k, v)
		}
	}
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, frame any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readFrame decodes the next frame into a generic map.
func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, c *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, c)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("frame %q never arrived", frameType)
	return nil
}

func registerSatellite(t *testing.T, c *websocket.Conn) {
	t.Helper()
	sendJSON(t, c, protocol.Register{
		Type: protocol.TypeRegister, DeviceID: "sat-1", DeviceType: "satellite", Room: "Kitchen",
	})
	ack := readUntil(t, c, protocol.TypeRegisterAck)
	if ack["success"] != true {
		t.Fatalf("register_ack = %v", ack)
	}
}

func TestRegisterAckAndConfigPush(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	c := f.dial(t, nil)

	sendJSON(t, c, protocol.Register{
		Type: protocol.TypeRegister, DeviceID: "sat-1", DeviceType: "satellite", Room: "Kitchen",
	})
	ack := readUntil(t, c, protocol.TypeRegisterAck)
	if ack["device_id"] != "sat-1" || ack["protocol_version"] != protocol.Version {
		t.Errorf("register_ack = %v", ack)
	}
	caps, _ := ack["capabilities"].(map[string]any)
	if caps["has_wakeword"] != true {
		t.Errorf("capabilities = %v", caps)
	}

	// Wake-word devices get the current config pushed right after admission.
	update := readUntil(t, c, protocol.TypeConfigUpdate)
	cfg, _ := update["config"].(map[string]any)
	words, _ := cfg["wake_words"].([]any)
	if len(words) != 1 || words[0] != "renfield" {
		t.Errorf("config_update = %v", update)
	}
}

func TestUnknownDeviceTypeRejected(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	c := f.dial(t, nil)

	sendJSON(t, c, protocol.Register{
		Type: protocol.TypeRegister, DeviceID: "x", DeviceType: "toaster",
	})
	errFrame := readUntil(t, c, protocol.TypeError)
	if errFrame["code"] != protocol.CodeDeviceError {
		t.Errorf("error = %v", errFrame)
	}
}

func TestAuthGate(t *testing.T) {
	cfg := config.ServerConfig{
		Auth: &config.AuthConfig{Enabled: true, Token: "secret"},
	}

	t.Run("missing token", func(t *testing.T) {
		f := newFixture(t, cfg)
		c := f.dial(t, nil)
		errFrame := readFrame(t, c)
		if errFrame["code"] != protocol.CodeAuthRequired {
			t.Errorf("error = %v", errFrame)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != protocol.CloseUnauthorized {
			t.Errorf("close status = %v", websocket.CloseStatus(err))
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		f := newFixture(t, cfg)
		c := f.dial(t, map[string]string{"Authorization": "Bearer nope"})
		errFrame := readFrame(t, c)
		if errFrame["code"] != protocol.CodeUnauthorized {
			t.Errorf("error = %v", errFrame)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		f := newFixture(t, cfg)
		c := f.dial(t, map[string]string{"Authorization": "Bearer secret"})
		registerSatellite(t, c)
	})
}

func TestInvalidFrame(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	c := f.dial(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"levitate"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	errFrame := readFrame(t, c)
	if errFrame["code"] != protocol.CodeInvalidMessage {
		t.Errorf("error = %v", errFrame)
	}
}

func TestHeartbeatAck(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	c := f.dial(t, nil)
	registerSatellite(t, c)

	sendJSON(t, c, protocol.Heartbeat{Type: protocol.TypeHeartbeat, Status: "ok"})
	readUntil(t, c, protocol.TypeHeartbeatAck)
}

func TestVoiceTurnReachesPipeline(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	c := f.dial(t, nil)
	registerSatellite(t, c)

	sendJSON(t, c, protocol.WakewordDetected{
		Type: protocol.TypeWakewordDetected, Keyword: "renfield", Confidence: 0.9,
	})
	started := readUntil(t, c, protocol.TypeSessionStarted)
	sessionID, _ := started["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("session_started = %v", started)
	}

	pcm := make([]byte, 640)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], 4000)
	}
	sendJSON(t, c, protocol.Audio{
		Type: protocol.TypeAudio, SessionID: sessionID,
		Chunk: base64.StdEncoding.EncodeToString(pcm), Sequence: 0,
	})
	sendJSON(t, c, protocol.AudioEnd{Type: protocol.TypeAudioEnd, SessionID: sessionID})

	select {
	case got := <-f.pipeline.sessions:
		if got != sessionID {
			t.Errorf("pipeline session = %q, want %q", got, sessionID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("audio_end never reached the pipeline")
	}

	// The chunk must be buffered for the pipeline to pick up.
	data, gap, err := f.reg.GetAudio(sessionID)
	if err != nil || gap || len(data) != len(pcm) {
		t.Errorf("GetAudio = %d bytes, gap=%t, err=%v", len(data), gap, err)
	}
}

func TestBeaconReportFeedsPresence(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	c := f.dial(t, nil)
	registerSatellite(t, c)

	sendJSON(t, c, protocol.BeaconReport{
		Type: protocol.TypeBeaconReport,
		Sightings: []protocol.BeaconSighting{
			{Person: "John", BeaconID: "beacon-1", RSSI: -40},
			{Person: "", RSSI: -50},
		},
	})

	// No reply frame is sent for a beacon report; poll the tracker instead.
	deadline := time.Now().Add(5 * time.Second)
	for {
		obs, ok := f.presence.Locate("John")
		if ok {
			if obs.RoomName != "Kitchen" || obs.Source != presence.SourceBeacon || obs.Confidence != 1 {
				t.Errorf("observation = %+v", obs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("beacon sighting never reached the tracker")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The nameless sighting is dropped, not recorded.
	if got := f.presence.All(); len(got) != 1 {
		t.Errorf("observations = %+v, want exactly one", got)
	}
}

func TestChatTurn(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	c := f.dial(t, nil)
	registerSatellite(t, c)

	sendJSON(t, c, protocol.Text{Type: protocol.TypeText, Content: "hello there"})

	resp := readUntil(t, c, protocol.TypeResponseText)
	if resp["text"] != "Hello." || resp["is_final"] != true {
		t.Errorf("response_text = %v", resp)
	}
	done := readUntil(t, c, protocol.TypeDone)
	if done["tts_handled"] != false {
		t.Errorf("done = %v", done)
	}

	req := <-f.responder.reqs
	if req.Text != "hello there" || req.RoomName != "Kitchen" || req.SessionID == "" {
		t.Errorf("router request = %+v", req)
	}
}

func TestInvalidAudioBase64(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	c := f.dial(t, nil)
	registerSatellite(t, c)

	sendJSON(t, c, protocol.WakewordDetected{Type: protocol.TypeWakewordDetected, Keyword: "renfield"})
	started := readUntil(t, c, protocol.TypeSessionStarted)

	sendJSON(t, c, protocol.Audio{
		Type: protocol.TypeAudio, SessionID: started["session_id"].(string),
		Chunk: "!!! not base64 !!!",
	})
	errFrame := readUntil(t, c, protocol.TypeError)
	if errFrame["code"] != protocol.CodeInvalidMessage {
		t.Errorf("error = %v", errFrame)
	}
}
