// Package output picks the audio sink for TTS and media playback in a room.
//
// Candidates come from the room's configured output devices, ordered by
// priority. A sink is skipped when it is offline, busy without
// allow_interruption, or unknown to the controller. When nothing is
// available the input device itself plays the audio.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/renfield-ai/renfield/internal/homeassistant"
	"github.com/renfield-ai/renfield/internal/store"
)

// ErrNoOutput is returned when neither a configured sink nor the input
// device can play audio.
var ErrNoOutput = errors.New("output: no available audio output")

// Target types carried in routing decisions.
const (
	TargetRenfieldDevice = "renfield_device"
	TargetHAMediaPlayer  = "ha_media_player"
	TargetDLNARenderer   = "dlna_renderer"
)

// Decision names the chosen sink and why it won.
type Decision struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Reason     string `json:"reason"`

	// FallbackToInput is true when no configured sink was available and the
	// session's input device plays the audio itself.
	FallbackToInput bool `json:"fallback_to_input"`

	// TTSVolume is the configured volume override of the chosen sink, if any.
	TTSVolume *float64 `json:"tts_volume,omitempty"`

	// AllowInterruption echoes the sink's interruption policy.
	AllowInterruption bool `json:"allow_interruption"`
}

// DeviceLookup answers whether a device is connected and can play audio.
// Implemented by the registry.
type DeviceLookup interface {
	HasSpeaker(deviceID string) bool
}

// StateGetter reads controller entity states. Implemented by the Home
// Assistant client; nil disables HA sinks.
type StateGetter interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// Router walks a room's output devices by priority.
type Router struct {
	outputs store.OutputDeviceStore
	devices DeviceLookup
	ha      StateGetter
	log     *slog.Logger
}

// NewRouter builds a Router. ha may be nil when no controller is configured.
func NewRouter(outputs store.OutputDeviceStore, devices DeviceLookup, ha StateGetter, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{outputs: outputs, devices: devices, ha: ha, log: log}
}

// Route picks the audio sink for roomID. inputDeviceID is the device that
// opened the session; it serves as the fallback sink.
func (r *Router) Route(ctx context.Context, roomID int64, inputDeviceID string) (Decision, error) {
	sinks, err := r.outputs.ListAudioOutputs(ctx, roomID)
	if err != nil {
		return Decision{}, fmt.Errorf("output: list sinks for room %d: %w", roomID, err)
	}

	for _, sink := range sinks {
		if d, ok := r.trySink(ctx, sink); ok {
			return d, nil
		}
	}

	if inputDeviceID != "" && r.devices.HasSpeaker(inputDeviceID) {
		return Decision{
			TargetType:        TargetRenfieldDevice,
			TargetID:          inputDeviceID,
			Reason:            "no configured output available, using input device",
			FallbackToInput:   true,
			AllowInterruption: true,
		}, nil
	}
	return Decision{}, fmt.Errorf("%w: room %d", ErrNoOutput, roomID)
}

// trySink checks one configured sink's availability.
func (r *Router) trySink(ctx context.Context, sink store.OutputDevice) (Decision, bool) {
	switch {
	case sink.RenfieldDeviceID != "":
		if !r.devices.HasSpeaker(sink.RenfieldDeviceID) {
			r.log.Debug("sink skipped, device offline or mute",
				"device_id", sink.RenfieldDeviceID, "priority", sink.Priority)
			return Decision{}, false
		}
		return Decision{
			TargetType:        TargetRenfieldDevice,
			TargetID:          sink.RenfieldDeviceID,
			Reason:            fmt.Sprintf("connected device at priority %d", sink.Priority),
			TTSVolume:         sink.TTSVolume,
			AllowInterruption: sink.AllowInterruption,
		}, true

	case sink.HAEntityID != "":
		if r.ha == nil {
			return Decision{}, false
		}
		st, err := r.ha.GetState(ctx, sink.HAEntityID)
		if err != nil {
			r.log.Debug("sink skipped, state lookup failed",
				"entity_id", sink.HAEntityID, "error", err)
			return Decision{}, false
		}
		switch st.State {
		case "unavailable", "unknown":
			return Decision{}, false
		case "playing":
			if !sink.AllowInterruption {
				r.log.Debug("sink skipped, busy without allow_interruption",
					"entity_id", sink.HAEntityID)
				return Decision{}, false
			}
		}
		return Decision{
			TargetType:        TargetHAMediaPlayer,
			TargetID:          sink.HAEntityID,
			Reason:            fmt.Sprintf("media player %s at priority %d", st.State, sink.Priority),
			TTSVolume:         sink.TTSVolume,
			AllowInterruption: sink.AllowInterruption,
		}, true

	case sink.DLNARendererName != "":
		// DLNA renderers have no cheap liveness probe; availability is
		// discovered when playback starts.
		return Decision{
			TargetType:        TargetDLNARenderer,
			TargetID:          sink.DLNARendererName,
			Reason:            fmt.Sprintf("dlna renderer at priority %d", sink.Priority),
			TTSVolume:         sink.TTSVolume,
			AllowInterruption: sink.AllowInterruption,
		}, true
	}
	return Decision{}, false
}
