package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/renfield-ai/renfield/internal/homeassistant"
	"github.com/renfield-ai/renfield/internal/output"
	"github.com/renfield-ai/renfield/internal/presence"
	"github.com/renfield-ai/renfield/internal/retrieval"
	"github.com/renfield-ai/renfield/internal/store"
)

// playbackGrace is how long play_in_room waits for a player to actually
// start before falling back to the transcoded stream.
const playbackGrace = 6 * time.Second

// OutputRouter picks the audio sink of a room. Implemented by output.Router.
type OutputRouter interface {
	Route(ctx context.Context, roomID int64, inputDeviceID string) (output.Decision, error)
}

// Controller is the slice of the Home Assistant client the tools need.
type Controller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// PresenceTracker answers location queries. Implemented by presence.Tracker.
type PresenceTracker interface {
	Locate(name string) (presence.Observation, bool)
	WhoIsIn(roomID int64) []presence.Observation
}

// KnowledgeSearcher runs document retrieval. Implemented by retrieval.Engine.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, kbID int64) ([]retrieval.Result, error)
}

// Builtins wires the internal tool set. Any nil dependency disables the tools
// that need it.
type Builtins struct {
	Rooms     store.RoomStore
	Router    OutputRouter
	HA        Controller
	Presence  PresenceTracker
	Knowledge KnowledgeSearcher
	Log       *slog.Logger

	// grace and poll override the playback wait timings in tests.
	grace time.Duration
	poll  time.Duration
}

// RegisterAll adds every available internal tool to the executor.
func (b *Builtins) RegisterAll(e *Executor) error {
	if b.Log == nil {
		b.Log = slog.Default()
	}
	var tools []Tool
	if b.Rooms != nil && b.Router != nil {
		tools = append(tools, b.resolveRoomPlayer())
		if b.HA != nil {
			tools = append(tools, b.playInRoom(), b.mediaControl())
		}
	}
	if b.Presence != nil {
		tools = append(tools, b.whereIsPerson())
		if b.Rooms != nil {
			tools = append(tools, b.whoIsInRoom())
		}
	}
	if b.Knowledge != nil {
		tools = append(tools, b.searchKnowledge())
	}
	for _, t := range tools {
		if err := e.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builtins) resolveRoom(ctx context.Context, call Call, args map[string]any) (*store.Room, Result, bool) {
	name, _ := args["room"].(string)
	room, err := b.Rooms.FindRoom(ctx, name)
	if err != nil {
		return nil, Errorf(ErrCodeToolError, "room lookup failed: %v", err), false
	}
	if room == nil {
		return nil, Result{
			Message:     fmt.Sprintf("no room named %q is configured", name),
			ErrorCode:   ErrCodeInvalidArgs,
			EmptyResult: true,
		}, false
	}
	return room, Result{}, true
}

func (b *Builtins) resolveRoomPlayer() Tool {
	return Tool{
		Name:        "resolve_room_player",
		Description: "Find the best audio output for a room. Returns the target type and id the room's audio would play on right now.",
		Params: []Param{
			{Name: "room", Type: "string", Description: "Spoken room name, e.g. \"living room\"", Required: true},
		},
		Handler: func(ctx context.Context, call Call) Result {
			room, res, ok := b.resolveRoom(ctx, call, call.Args)
			if !ok {
				return res
			}
			decision, err := b.Router.Route(ctx, room.ID, call.DeviceID)
			if err != nil {
				return Result{
					Message:     fmt.Sprintf("no audio output is available in %s", room.Name),
					ErrorCode:   ErrCodeToolError,
					EmptyResult: true,
				}
			}
			return Result{
				Success: true,
				Message: fmt.Sprintf("audio in %s plays on %s %s (%s)",
					room.Name, decision.TargetType, decision.TargetID, decision.Reason),
				Data: decision,
			}
		},
	}
}

func (b *Builtins) playInRoom() Tool {
	return Tool{
		Name:          "play_in_room",
		Description:   "Play a media URL in a room. A busy player is not interrupted unless force is true; pass queue to line up more tracks after the main one.",
		Permission:    "media",
		RatePerMinute: 10,
		Params: []Param{
			{Name: "room", Type: "string", Description: "Spoken room name", Required: true},
			{Name: "media_url", Type: "string", Description: "URL of the stream or file to play", Required: true, Pattern: `^https?://`},
			{Name: "force", Type: "boolean", Description: "Interrupt a busy player"},
			{Name: "queue", Type: "array", Description: "Tracks to queue after the main one; each item carries url and optional title and thumb"},
		},
		Handler: func(ctx context.Context, call Call) Result {
			room, res, ok := b.resolveRoom(ctx, call, call.Args)
			if !ok {
				return res
			}
			mediaURL, _ := call.Args["media_url"].(string)
			force, _ := call.Args["force"].(bool)
			queue := parseQueue(call.Args["queue"])

			decision, err := b.Router.Route(ctx, room.ID, call.DeviceID)
			if err != nil {
				return Errorf(ErrCodeToolError, "no audio output available in %s", room.Name)
			}
			if decision.TargetType != output.TargetHAMediaPlayer {
				return Errorf(ErrCodeToolError,
					"%s has no controller media player for media playback", room.Name)
			}
			entityID := decision.TargetID

			st, err := b.HA.GetState(ctx, entityID)
			if err != nil {
				return Errorf(ErrCodeToolError, "cannot read player state: %v", err)
			}
			if (st.State == "playing" || st.State == "buffering") && !force {
				return Result{
					Message: fmt.Sprintf(
						"%s is already %s; call again with force=true to interrupt", entityID, st.State),
					ErrorCode: ErrCodeBusy,
					Data:      map[string]any{"status": "busy", "entity_id": entityID},
				}
			}

			data := map[string]any{
				"entity_id":          entityID,
				"media_content_id":   mediaURL,
				"media_content_type": "music",
			}
			if err := b.HA.CallService(ctx, "media_player", "play_media", data); err != nil {
				return Errorf(ErrCodeToolError, "play_media failed: %v", err)
			}

			transcoded := false
			if !b.awaitPlayback(ctx, entityID) {
				// Some players cannot decode the original stream; retry with
				// the server-side transcoded variant.
				transcoded = true
				data["media_content_id"] = withStaticParam(mediaURL)
				b.Log.Info("playback did not start, retrying transcoded",
					"entity_id", entityID, "url", data["media_content_id"])
				if err := b.HA.CallService(ctx, "media_player", "play_media", data); err != nil {
					return Errorf(ErrCodeToolError, "transcoded play_media failed: %v", err)
				}
				if !b.awaitPlayback(ctx, entityID) {
					return Errorf(ErrCodeToolError, "playback did not start on %s", entityID)
				}
			}

			queued := b.enqueueTracks(ctx, entityID, queue, transcoded)
			switch {
			case queued > 0 && transcoded:
				return Okf("playing transcoded stream on %s in %s, %d tracks queued", entityID, room.Name, queued)
			case queued > 0:
				return Okf("playing on %s in %s, %d tracks queued", entityID, room.Name, queued)
			case transcoded:
				return Okf("playing transcoded stream on %s in %s", entityID, room.Name)
			default:
				return Okf("playing on %s in %s", entityID, room.Name)
			}
		},
	}
}

// queuedTrack is one entry of play_in_room's queue argument.
type queuedTrack struct {
	url   string
	title string
	thumb string
}

func parseQueue(raw any) []queuedTrack {
	items, _ := raw.([]any)
	var out []queuedTrack
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		u, _ := m["url"].(string)
		if u == "" {
			continue
		}
		title, _ := m["title"].(string)
		thumb, _ := m["thumb"].(string)
		out = append(out, queuedTrack{url: u, title: title, thumb: thumb})
	}
	return out
}

// enqueueTracks appends the queue argument's tracks behind the track that just
// started. When the main track needed the transcoded variant, the queued URLs
// get the same treatment. A track that fails to queue is logged and skipped;
// the main track is already playing.
func (b *Builtins) enqueueTracks(ctx context.Context, entityID string, tracks []queuedTrack, transcoded bool) int {
	queued := 0
	for _, track := range tracks {
		mediaURL := track.url
		if transcoded {
			mediaURL = withStaticParam(mediaURL)
		}
		data := map[string]any{
			"entity_id":          entityID,
			"media_content_id":   mediaURL,
			"media_content_type": "music",
			"enqueue":            "add",
		}
		if track.title != "" || track.thumb != "" {
			extra := map[string]any{}
			if track.title != "" {
				extra["title"] = track.title
			}
			if track.thumb != "" {
				extra["thumb"] = track.thumb
			}
			data["extra"] = extra
		}
		if err := b.HA.CallService(ctx, "media_player", "play_media", data); err != nil {
			b.Log.Warn("queueing a track failed",
				"entity_id", entityID, "url", track.url, "error", err)
			continue
		}
		queued++
	}
	return queued
}

// awaitPlayback polls the player until it reports a state that means the
// stream was accepted (playing, buffering, or paused) or the grace window
// elapses.
func (b *Builtins) awaitPlayback(ctx context.Context, entityID string) bool {
	grace, poll := b.grace, b.poll
	if grace <= 0 {
		grace = playbackGrace
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
		st, err := b.HA.GetState(ctx, entityID)
		if err != nil {
			continue
		}
		switch st.State {
		case "playing", "buffering", "paused":
			return true
		}
	}
	return false
}

// withStaticParam appends the static=true query parameter that requests the
// pre-transcoded variant from the media endpoint.
func withStaticParam(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("static", "true")
	u.RawQuery = q.Encode()
	return u.String()
}

func (b *Builtins) mediaControl() Tool {
	return Tool{
		Name:          "media_control",
		Description:   "Control playback in a room: pause, resume, stop, or set the volume.",
		Permission:    "media",
		RatePerMinute: 30,
		Params: []Param{
			{Name: "room", Type: "string", Description: "Spoken room name", Required: true},
			{Name: "command", Type: "string", Required: true,
				Description: "The playback command",
				Enum:        []string{"pause", "resume", "stop", "set_volume"}},
			{Name: "volume", Type: "number", Description: "Volume level 0.0–1.0, for set_volume"},
		},
		Handler: func(ctx context.Context, call Call) Result {
			room, res, ok := b.resolveRoom(ctx, call, call.Args)
			if !ok {
				return res
			}
			decision, err := b.Router.Route(ctx, room.ID, call.DeviceID)
			if err != nil || decision.TargetType != output.TargetHAMediaPlayer {
				return Errorf(ErrCodeToolError, "%s has no controllable media player", room.Name)
			}

			command, _ := call.Args["command"].(string)
			data := map[string]any{"entity_id": decision.TargetID}
			var service string
			switch command {
			case "pause":
				service = "media_pause"
			case "resume":
				service = "media_play"
			case "stop":
				service = "media_stop"
			case "set_volume":
				vol, ok := call.Args["volume"].(float64)
				if !ok || vol < 0 || vol > 1 {
					return Errorf(ErrCodeInvalidArgs, "set_volume needs a volume between 0.0 and 1.0")
				}
				service = "volume_set"
				data["volume_level"] = vol
			}
			if err := b.HA.CallService(ctx, "media_player", service, data); err != nil {
				return Errorf(ErrCodeToolError, "%s failed: %v", service, err)
			}
			return Okf("%s on %s in %s", command, decision.TargetID, room.Name)
		},
	}
}

func (b *Builtins) whereIsPerson() Tool {
	return Tool{
		Name:        "where_is_person",
		Description: "Look up which room a person was last observed in.",
		Params: []Param{
			{Name: "name", Type: "string", Description: "The person's name", Required: true},
		},
		Handler: func(ctx context.Context, call Call) Result {
			name, _ := call.Args["name"].(string)
			obs, ok := b.Presence.Locate(name)
			if !ok {
				return Result{
					Success:     true,
					Message:     fmt.Sprintf("I have not seen %s recently", name),
					EmptyResult: true,
				}
			}
			return Result{
				Success: true,
				Message: fmt.Sprintf("%s was last observed in %s %s ago (%s)",
					obs.Person, obs.RoomName, time.Since(obs.SeenAt).Round(time.Minute), obs.Source),
				Data: obs,
			}
		},
	}
}

func (b *Builtins) whoIsInRoom() Tool {
	return Tool{
		Name:        "who_is_in_room",
		Description: "List the people recently observed in a room.",
		Params: []Param{
			{Name: "room", Type: "string", Description: "Spoken room name", Required: true},
		},
		Handler: func(ctx context.Context, call Call) Result {
			room, res, ok := b.resolveRoom(ctx, call, call.Args)
			if !ok {
				return res
			}
			people := b.Presence.WhoIsIn(room.ID)
			if len(people) == 0 {
				return Result{
					Success:     true,
					Message:     fmt.Sprintf("nobody has been observed in %s recently", room.Name),
					EmptyResult: true,
				}
			}
			names := make([]string, len(people))
			for i, p := range people {
				names[i] = p.Person
			}
			return Result{
				Success: true,
				Message: fmt.Sprintf("recently observed in %s: %s", room.Name, strings.Join(names, ", ")),
				Data:    people,
			}
		},
	}
}

func (b *Builtins) searchKnowledge() Tool {
	return Tool{
		Name:          "search_knowledge",
		Description:   "Search the ingested documents for passages relevant to a question.",
		RatePerMinute: 20,
		Params: []Param{
			{Name: "query", Type: "string", Description: "The question to search for", Required: true},
			{Name: "knowledge_base_id", Type: "integer", Description: "Restrict to one knowledge base"},
		},
		Handler: func(ctx context.Context, call Call) Result {
			query, _ := call.Args["query"].(string)
			var kbID int64
			if f, ok := call.Args["knowledge_base_id"].(float64); ok {
				kbID = int64(f)
			}
			results, err := b.Knowledge.Search(ctx, query, kbID)
			if err != nil {
				return Errorf(ErrCodeToolError, "knowledge search failed: %v", err)
			}
			if len(results) == 0 {
				return Result{
					Success:     true,
					Message:     "no relevant passages found",
					EmptyResult: true,
				}
			}
			return Result{
				Success: true,
				Message: retrieval.FormatContext(results),
				Data:    results,
			}
		},
	}
}
