// Package presence tracks which person was last observed in which room.
//
// Observations come from speaker identification on voice sessions and from
// BLE beacon sightings reported by satellites. Records expire after a TTL;
// an expired record means "location unknown", never a stale answer.
package presence

import (
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/normalize"
)

// Source identifies how a person was observed.
type Source string

const (
	// SourceVoice is speaker identification on a voice session.
	SourceVoice Source = "voice"

	// SourceBeacon is a BLE beacon sighting.
	SourceBeacon Source = "beacon"
)

// Observation is the last known location of one person.
type Observation struct {
	Person     string    `json:"person"`
	RoomID     int64     `json:"room_id"`
	RoomName   string    `json:"room_name"`
	Source     Source    `json:"source"`
	Confidence float64   `json:"confidence"`
	SeenAt     time.Time `json:"seen_at"`
}

// maxNameDistance is the optimal-string-alignment distance tolerated when
// resolving a spoken name against known persons.
const maxNameDistance = 2

// Tracker holds the in-memory presence table.
type Tracker struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	byPerson map[string]Observation // key: normalized person name
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker builds a Tracker from configuration.
func NewTracker(cfg config.PresenceConfig, opts ...Option) *Tracker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	t := &Tracker{
		ttl:      ttl,
		now:      time.Now,
		byPerson: make(map[string]Observation),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records a sighting. The newest observation per person wins.
func (t *Tracker) Observe(person string, roomID int64, roomName string, source Source, confidence float64) {
	key := normalize.Alias(person)
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byPerson[key] = Observation{
		Person:     person,
		RoomID:     roomID,
		RoomName:   roomName,
		Source:     source,
		Confidence: confidence,
		SeenAt:     t.now(),
	}
}

// beaconFloorRSSI and beaconCeilRSSI span the usable BLE signal range. RSSI
// maps linearly onto [0, 1] confidence between them.
const (
	beaconFloorRSSI = -95
	beaconCeilRSSI  = -40
)

// voiceHoldoff is how long a voice observation outranks beacon sightings.
// Hearing someone speak in a room is a stronger signal than a radio packet.
const voiceHoldoff = 5 * time.Minute

// ObserveBeacon records a BLE sighting reported by a satellite, converting
// the signal strength into a confidence. A recent voice observation of the
// same person is not displaced.
func (t *Tracker) ObserveBeacon(person string, roomID int64, roomName string, rssi int) {
	key := normalize.Alias(person)
	if key == "" {
		return
	}
	conf := float64(rssi-beaconFloorRSSI) / float64(beaconCeilRSSI-beaconFloorRSSI)
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.byPerson[key]; ok &&
		prev.Source == SourceVoice && t.now().Sub(prev.SeenAt) < voiceHoldoff {
		return
	}
	t.byPerson[key] = Observation{
		Person:     person,
		RoomID:     roomID,
		RoomName:   roomName,
		Source:     SourceBeacon,
		Confidence: conf,
		SeenAt:     t.now(),
	}
}

// Locate resolves a spoken name to a live observation. Matching is loose:
// exact normalized match first, then the closest name within a small edit
// distance, so "where is Jonh" still finds John.
func (t *Tracker) Locate(name string) (Observation, bool) {
	key := normalize.Alias(name)
	if key == "" {
		return Observation{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()

	if obs, ok := t.byPerson[key]; ok {
		return obs, true
	}

	best, bestDist := Observation{}, maxNameDistance+1
	for candidate, obs := range t.byPerson {
		if d := matchr.OSA(key, candidate); d < bestDist {
			best, bestDist = obs, d
		}
	}
	if bestDist > maxNameDistance {
		return Observation{}, false
	}
	return best, true
}

// WhoIsIn returns the live observations for one room.
func (t *Tracker) WhoIsIn(roomID int64) []Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()

	var out []Observation
	for _, obs := range t.byPerson {
		if obs.RoomID == roomID {
			out = append(out, obs)
		}
	}
	return out
}

// All returns every live observation.
func (t *Tracker) All() []Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()

	out := make([]Observation, 0, len(t.byPerson))
	for _, obs := range t.byPerson {
		out = append(out, obs)
	}
	return out
}

// Forget drops a person's record, e.g. when they report leaving.
func (t *Tracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byPerson, normalize.Alias(name))
}

// pruneLocked removes expired records. Caller holds t.mu.
func (t *Tracker) pruneLocked() {
	cutoff := t.now().Add(-t.ttl)
	for key, obs := range t.byPerson {
		if obs.SeenAt.Before(cutoff) {
			delete(t.byPerson, key)
		}
	}
}
