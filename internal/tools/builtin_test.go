package tools

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/homeassistant"
	"github.com/renfield-ai/renfield/internal/output"
	"github.com/renfield-ai/renfield/internal/presence"
	"github.com/renfield-ai/renfield/internal/retrieval"
	"github.com/renfield-ai/renfield/internal/store"
	"github.com/renfield-ai/renfield/internal/store/mock"
)

type fakeRouter struct {
	decision output.Decision
	err      error
}

func (f *fakeRouter) Route(context.Context, int64, string) (output.Decision, error) {
	return f.decision, f.err
}

type serviceCall struct {
	domain, service string
	data            map[string]any
}

type fakeController struct {
	mu    sync.Mutex
	state string
	// transcodedOnly makes the player report "playing" only after a
	// play_media call whose URL carries static=true.
	transcodedOnly bool
	calls          []serviceCall
}

func (f *fakeController) CallService(_ context.Context, domain, service string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, serviceCall{domain, service, data})
	return nil
}

func (f *fakeController) GetState(_ context.Context, entityID string) (*homeassistant.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state
	if f.transcodedOnly {
		for _, c := range f.calls {
			if u, ok := c.data["media_content_id"].(string); ok && strings.Contains(u, "static=true") {
				st = "playing"
			}
		}
	}
	return &homeassistant.State{EntityID: entityID, State: st}, nil
}

type fakeKnowledge struct {
	results []retrieval.Result
	err     error
}

func (f *fakeKnowledge) Search(context.Context, string, int64) ([]retrieval.Result, error) {
	return f.results, f.err
}

func playerDecision(entityID string) output.Decision {
	return output.Decision{TargetType: output.TargetHAMediaPlayer, TargetID: entityID}
}

func newBuiltinExecutor(t *testing.T, b *Builtins) *Executor {
	t.Helper()
	e := NewExecutor(WithPermissionChecker(func(string, string) bool { return true }))
	if err := b.RegisterAll(e); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return e
}

func kitchenRooms() *mock.RoomStore {
	rooms := mock.NewRoomStore()
	rooms.Add("Kitchen")
	return rooms
}

func TestPlayInRoomBusyNeedsForce(t *testing.T) {
	for _, state := range []string{"playing", "buffering"} {
		t.Run(state, func(t *testing.T) {
			ha := &fakeController{state: state}
			b := &Builtins{
				Rooms:  kitchenRooms(),
				Router: &fakeRouter{decision: playerDecision("media_player.kitchen")},
				HA:     ha,
				grace:  20 * time.Millisecond,
				poll:   5 * time.Millisecond,
			}
			e := newBuiltinExecutor(t, b)
			args := map[string]any{"room": "kitchen", "media_url": "http://renfield/media/1.mp3"}

			res := e.Execute(context.Background(), "play_in_room", Call{Args: args})
			if res.ErrorCode != ErrCodeBusy {
				t.Fatalf("error_code = %q, want busy", res.ErrorCode)
			}
			if !strings.Contains(res.Message, "force=true") {
				t.Errorf("busy message misses retry hint: %q", res.Message)
			}
			data, _ := res.Data.(map[string]any)
			if data["status"] != "busy" || data["entity_id"] != "media_player.kitchen" {
				t.Errorf("busy data = %v", res.Data)
			}
			if len(ha.calls) != 0 {
				t.Error("busy player was interrupted without force")
			}

			args["force"] = true
			res = e.Execute(context.Background(), "play_in_room", Call{Args: args})
			if !res.Success {
				t.Fatalf("forced play failed: %+v", res)
			}
			if len(ha.calls) == 0 || ha.calls[0].service != "play_media" {
				t.Errorf("calls = %+v", ha.calls)
			}
		})
	}
}

func TestPlayInRoomQueuesFollowUpTracks(t *testing.T) {
	// paused does not count as busy, and the stream counts as accepted as soon
	// as the player reports it.
	ha := &fakeController{state: "paused"}
	b := &Builtins{
		Rooms:  kitchenRooms(),
		Router: &fakeRouter{decision: playerDecision("media_player.kitchen")},
		HA:     ha,
		grace:  20 * time.Millisecond,
		poll:   5 * time.Millisecond,
	}
	e := newBuiltinExecutor(t, b)

	res := e.Execute(context.Background(), "play_in_room", Call{Args: map[string]any{
		"room": "kitchen", "media_url": "http://renfield/media/2.mp3",
		"queue": []any{
			map[string]any{"url": "http://renfield/media/3.mp3", "title": "Track Three", "thumb": "http://renfield/thumbs/3.jpg"},
			map[string]any{"url": "http://renfield/media/4.mp3"},
		},
	}})
	if !res.Success {
		t.Fatalf("play failed: %+v", res)
	}
	if !strings.Contains(res.Message, "2 tracks queued") {
		t.Errorf("message = %q", res.Message)
	}
	if len(ha.calls) != 3 {
		t.Fatalf("play_media calls = %d, want main track plus two queued", len(ha.calls))
	}
	if _, ok := ha.calls[0].data["enqueue"]; ok {
		t.Error("main track must not be enqueued")
	}
	first := ha.calls[1].data
	if first["enqueue"] != "add" || first["media_content_id"] != "http://renfield/media/3.mp3" {
		t.Errorf("first queued call = %v", first)
	}
	extra, _ := first["extra"].(map[string]any)
	if extra["title"] != "Track Three" || extra["thumb"] != "http://renfield/thumbs/3.jpg" {
		t.Errorf("queued metadata = %v", extra)
	}
	if ha.calls[2].data["enqueue"] != "add" {
		t.Errorf("second queued call = %v", ha.calls[2].data)
	}
}

func TestPlayInRoomTranscodeFallback(t *testing.T) {
	// The player never starts on the original URL; after the grace window the
	// tool retries with static=true and the player comes up.
	ha := &fakeController{state: "idle", transcodedOnly: true}
	b := &Builtins{
		Rooms:  kitchenRooms(),
		Router: &fakeRouter{decision: playerDecision("media_player.kitchen")},
		HA:     ha,
		grace:  20 * time.Millisecond,
		poll:   5 * time.Millisecond,
	}
	e := newBuiltinExecutor(t, b)

	res := e.Execute(context.Background(), "play_in_room", Call{Args: map[string]any{
		"room": "kitchen", "media_url": "http://renfield/media/3.flac",
		"queue": []any{map[string]any{"url": "http://renfield/media/4.flac"}},
	}})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(ha.calls) != 3 {
		t.Fatalf("play_media calls = %d, want 3", len(ha.calls))
	}
	second, _ := ha.calls[1].data["media_content_id"].(string)
	if !strings.Contains(second, "static=true") {
		t.Errorf("retry url = %q, want static=true param", second)
	}
	// Queued tracks follow the main track onto the transcoded variant.
	queued, _ := ha.calls[2].data["media_content_id"].(string)
	if !strings.Contains(queued, "static=true") {
		t.Errorf("queued url = %q, want static=true param", queued)
	}
}

func TestPlayInRoomRejectsNonHTTPURL(t *testing.T) {
	b := &Builtins{
		Rooms:  kitchenRooms(),
		Router: &fakeRouter{decision: playerDecision("media_player.kitchen")},
		HA:     &fakeController{state: "idle"},
	}
	e := newBuiltinExecutor(t, b)

	res := e.Execute(context.Background(), "play_in_room", Call{Args: map[string]any{
		"room": "kitchen", "media_url": "file:///etc/passwd",
	}})
	if res.ErrorCode != ErrCodeInvalidArgs {
		t.Errorf("error_code = %q, want invalid_args", res.ErrorCode)
	}
}

func TestMediaControl(t *testing.T) {
	ha := &fakeController{state: "playing"}
	b := &Builtins{
		Rooms:  kitchenRooms(),
		Router: &fakeRouter{decision: playerDecision("media_player.kitchen")},
		HA:     ha,
	}
	e := newBuiltinExecutor(t, b)

	res := e.Execute(context.Background(), "media_control", Call{Args: map[string]any{
		"room": "kitchen", "command": "set_volume", "volume": 0.3,
	}})
	if !res.Success {
		t.Fatalf("set_volume failed: %+v", res)
	}
	call := ha.calls[len(ha.calls)-1]
	if call.service != "volume_set" || call.data["volume_level"] != 0.3 {
		t.Errorf("call = %+v", call)
	}

	res = e.Execute(context.Background(), "media_control", Call{Args: map[string]any{
		"room": "kitchen", "command": "eject",
	}})
	if res.ErrorCode != ErrCodeInvalidArgs {
		t.Errorf("unknown command error_code = %q", res.ErrorCode)
	}
}

func TestPresenceTools(t *testing.T) {
	tracker := presence.NewTracker(config.PresenceConfig{})
	tracker.Observe("John", 1, "Kitchen", presence.SourceVoice, 0.9)
	b := &Builtins{Rooms: kitchenRooms(), Router: &fakeRouter{}, Presence: tracker}
	e := newBuiltinExecutor(t, b)

	res := e.Execute(context.Background(), "where_is_person", Call{Args: map[string]any{"name": "John"}})
	if !res.Success || res.EmptyResult || !strings.Contains(res.Message, "Kitchen") {
		t.Errorf("where_is_person = %+v", res)
	}

	res = e.Execute(context.Background(), "where_is_person", Call{Args: map[string]any{"name": "Dracula"}})
	if !res.Success || !res.EmptyResult {
		t.Errorf("unknown person = %+v, want empty_result", res)
	}

	res = e.Execute(context.Background(), "who_is_in_room", Call{Args: map[string]any{"room": "kitchen"}})
	if !res.Success || !strings.Contains(res.Message, "John") {
		t.Errorf("who_is_in_room = %+v", res)
	}
}

func TestSearchKnowledgeEmptyResult(t *testing.T) {
	b := &Builtins{Knowledge: &fakeKnowledge{}}
	e := newBuiltinExecutor(t, b)

	res := e.Execute(context.Background(), "search_knowledge", Call{Args: map[string]any{"query": "boiler"}})
	if !res.Success || !res.EmptyResult {
		t.Errorf("result = %+v, want empty_result", res)
	}

	b = &Builtins{Knowledge: &fakeKnowledge{results: []retrieval.Result{{
		Chunk: store.DocumentChunk{Content: "check the pressure valve", Filename: "manual.pdf"},
	}}}}
	e = newBuiltinExecutor(t, b)
	res = e.Execute(context.Background(), "search_knowledge", Call{Args: map[string]any{"query": "boiler"}})
	if !res.Success || res.EmptyResult || !strings.Contains(res.Message, "pressure valve") {
		t.Errorf("result = %+v", res)
	}
}
