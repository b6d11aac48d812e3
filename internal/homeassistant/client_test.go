package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/renfield-ai/renfield/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(config.HomeAssistantConfig{BaseURL: srv.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCallService(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`[]`))
	})

	err := c.CallService(context.Background(), "media_player", "play_media", map[string]any{
		"entity_id": "media_player.kitchen",
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if gotPath != "/api/services/media_player/play_media" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["entity_id"] != "media_player.kitchen" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestGetState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/states/media_player.kitchen" {
			w.Write([]byte(`{"entity_id":"media_player.kitchen","state":"playing","attributes":{"friendly_name":"Kitchen Speaker"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	st, err := c.GetState(context.Background(), "media_player.kitchen")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.State != "playing" || st.FriendlyName() != "Kitchen Speaker" {
		t.Errorf("state = %+v", st)
	}

	if _, err := c.GetState(context.Background(), "media_player.gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMediaPlayersFilters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"entity_id":"light.kitchen","state":"on"},
			{"entity_id":"media_player.kitchen","state":"idle"},
			{"entity_id":"media_player.living_room","state":"playing"}
		]`))
	})

	players, err := c.MediaPlayers(context.Background())
	if err != nil {
		t.Fatalf("MediaPlayers: %v", err)
	}
	if len(players) != 2 {
		t.Fatalf("players = %d, want 2", len(players))
	}
	if players[0].EntityID != "media_player.kitchen" {
		t.Errorf("players = %+v", players)
	}
}

func TestListAreas(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/template" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"kitchen","name":"Kitchen"},{"id":"lounge","name":"Living Room"}]`))
	})

	areas, err := c.ListAreas(context.Background())
	if err != nil {
		t.Fatalf("ListAreas: %v", err)
	}
	if len(areas) != 2 || areas[1].Name != "Living Room" {
		t.Errorf("areas = %+v", areas)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	if err := c.CallService(context.Background(), "light", "turn_on", nil); err == nil {
		t.Error("expected error for 500 response")
	}
}
