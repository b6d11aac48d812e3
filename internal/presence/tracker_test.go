package presence

import (
	"testing"
	"time"

	"github.com/renfield-ai/renfield/internal/config"
)

func TestObserveAndLocate(t *testing.T) {
	tr := NewTracker(config.PresenceConfig{})
	tr.Observe("John", 1, "Kitchen", SourceVoice, 0.92)

	obs, ok := tr.Locate("john")
	if !ok {
		t.Fatal("Locate: not found")
	}
	if obs.RoomName != "Kitchen" || obs.Source != SourceVoice {
		t.Errorf("observation = %+v", obs)
	}
}

func TestLocateLooseMatch(t *testing.T) {
	tr := NewTracker(config.PresenceConfig{})
	tr.Observe("Johannes", 2, "Office", SourceBeacon, 0.7)

	if _, ok := tr.Locate("Johanes"); !ok {
		t.Error("one-typo name not resolved")
	}
	if _, ok := tr.Locate("Greta"); ok {
		t.Error("unrelated name resolved")
	}
}

func TestNewestObservationWins(t *testing.T) {
	tr := NewTracker(config.PresenceConfig{})
	tr.Observe("John", 1, "Kitchen", SourceBeacon, 0.6)
	tr.Observe("John", 3, "Bedroom", SourceVoice, 0.95)

	obs, _ := tr.Locate("John")
	if obs.RoomName != "Bedroom" {
		t.Errorf("room = %q, want Bedroom", obs.RoomName)
	}
}

func TestObserveBeaconMapsRSSIToConfidence(t *testing.T) {
	tr := NewTracker(config.PresenceConfig{})
	tests := []struct {
		name string
		rssi int
		want float64
	}{
		{"floor", -95, 0},
		{"below floor clamps", -110, 0},
		{"ceiling", -40, 1},
		{"above ceiling clamps", -20, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr.ObserveBeacon("John", 1, "Kitchen", tt.rssi)
			obs, ok := tr.Locate("John")
			if !ok {
				t.Fatal("Locate: not found")
			}
			if obs.Source != SourceBeacon || obs.Confidence != tt.want {
				t.Errorf("observation = %+v, want confidence %v", obs, tt.want)
			}
		})
	}

	tr.ObserveBeacon("Mary", 2, "Office", -68)
	obs, _ := tr.Locate("Mary")
	if obs.Confidence < 0.45 || obs.Confidence > 0.55 {
		t.Errorf("mid-range confidence = %v, want about 0.5", obs.Confidence)
	}
}

func TestRecentVoiceOutranksBeacon(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tr := NewTracker(config.PresenceConfig{}, WithClock(clock))

	tr.Observe("John", 1, "Kitchen", SourceVoice, 0.9)
	tr.ObserveBeacon("John", 2, "Office", -50)

	obs, _ := tr.Locate("John")
	if obs.RoomName != "Kitchen" || obs.Source != SourceVoice {
		t.Errorf("fresh voice displaced by beacon: %+v", obs)
	}

	// Once the voice observation ages past the holdoff, beacons win again.
	now = now.Add(voiceHoldoff + time.Second)
	tr.ObserveBeacon("John", 2, "Office", -50)
	obs, _ = tr.Locate("John")
	if obs.RoomName != "Office" || obs.Source != SourceBeacon {
		t.Errorf("stale voice still outranks beacon: %+v", obs)
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tr := NewTracker(config.PresenceConfig{TTL: 10 * time.Minute}, WithClock(clock))

	tr.Observe("John", 1, "Kitchen", SourceVoice, 0.9)
	if _, ok := tr.Locate("John"); !ok {
		t.Fatal("fresh observation not found")
	}

	now = now.Add(11 * time.Minute)
	if _, ok := tr.Locate("John"); ok {
		t.Error("expired observation still returned")
	}
	if got := tr.All(); len(got) != 0 {
		t.Errorf("All after expiry = %v", got)
	}
}

func TestWhoIsIn(t *testing.T) {
	tr := NewTracker(config.PresenceConfig{})
	tr.Observe("John", 1, "Kitchen", SourceVoice, 0.9)
	tr.Observe("Mary", 1, "Kitchen", SourceBeacon, 0.8)
	tr.Observe("Sam", 2, "Office", SourceVoice, 0.9)

	got := tr.WhoIsIn(1)
	if len(got) != 2 {
		t.Errorf("WhoIsIn(1) = %d people, want 2", len(got))
	}
}

func TestForget(t *testing.T) {
	tr := NewTracker(config.PresenceConfig{})
	tr.Observe("John", 1, "Kitchen", SourceVoice, 0.9)
	tr.Forget("john")
	if _, ok := tr.Locate("John"); ok {
		t.Error("forgotten person still located")
	}
}
