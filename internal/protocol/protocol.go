// Package protocol defines the typed JSON wire frames exchanged over
// Renfield's WebSocket endpoints.
//
// Every frame carries a "type" discriminator. Inbound frames are decoded with
// [ParseInbound], which returns the concrete typed variant or
// [ErrUnknownType]; the caller maps any decode failure to a single
// INVALID_MESSAGE error frame. Outbound frames are plain structs whose
// constructors fill in the discriminator, ready for json.Marshal.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the wire protocol version echoed in register_ack.
const Version = "1.0"

// ErrUnknownType is returned by [ParseInbound] for an unrecognised frame type.
var ErrUnknownType = errors.New("protocol: unknown frame type")

// Inbound frame type discriminators.
const (
	TypeRegister         = "register"
	TypeWakewordDetected = "wakeword_detected"
	TypeStartSession     = "start_session"
	TypeAudio            = "audio"
	TypeAudioEnd         = "audio_end"
	TypeText             = "text"
	TypeHeartbeat        = "heartbeat"
	TypeBeaconReport     = "beacon_report"
	TypeConfigAck        = "config_ack"
	TypeUpdateProgress   = "update_progress"
	TypeUpdateComplete   = "update_complete"
	TypeUpdateFailed     = "update_failed"
)

// Outbound frame type discriminators.
const (
	TypeRegisterAck    = "register_ack"
	TypeState          = "state"
	TypeSessionStarted = "session_started"
	TypeSessionEnd     = "session_end"
	TypeTranscription  = "transcription"
	TypeToolCall       = "tool_call"
	TypeToolResult     = "tool_result"
	TypeStream         = "stream"
	TypeResponseText   = "response_text"
	TypeTTSAudio       = "tts_audio"
	TypeAction         = "action"
	TypeDone           = "done"
	TypeConfigUpdate   = "config_update"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeError          = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeAuthRequired   = "AUTH_REQUIRED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeBufferFull     = "BUFFER_FULL"
	CodeDeviceError    = "DEVICE_ERROR"
	CodeInternal       = "INTERNAL"
)

// WebSocket close codes.
const (
	CloseUnauthorized    = 4401
	CloseConnectionLimit = 4003
)

// envelope is the minimal frame shape used to read the discriminator.
type envelope struct {
	Type string `json:"type"`
}

// ParseInbound decodes a raw frame into its typed variant. It returns
// [ErrUnknownType] for an unrecognised discriminator and a wrapped JSON error
// for malformed payloads; callers convert both into an INVALID_MESSAGE error
// frame.
func ParseInbound(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	var frame any
	switch env.Type {
	case TypeRegister:
		frame = &Register{}
	case TypeWakewordDetected:
		frame = &WakewordDetected{}
	case TypeStartSession:
		frame = &StartSession{}
	case TypeAudio:
		frame = &Audio{}
	case TypeAudioEnd:
		frame = &AudioEnd{}
	case TypeText:
		frame = &Text{}
	case TypeHeartbeat:
		frame = &Heartbeat{}
	case TypeBeaconReport:
		frame = &BeaconReport{}
	case TypeConfigAck:
		frame = &ConfigAck{}
	case TypeUpdateProgress:
		frame = &UpdateProgress{}
	case TypeUpdateComplete:
		frame = &UpdateComplete{}
	case TypeUpdateFailed:
		frame = &UpdateFailed{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("protocol: decode %s frame: %w", env.Type, err)
	}
	return frame, nil
}
