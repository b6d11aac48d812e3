package protocol

// WakeConfig is the wake-word configuration block embedded in register_ack
// and config_update frames.
type WakeConfig struct {
	WakeWords  []string `json:"wake_words"`
	Threshold  float64  `json:"threshold"`
	CooldownMs int      `json:"cooldown_ms"`
	Enabled    bool     `json:"enabled"`
}

// Capabilities mirrors the effective capability record returned to the device
// after defaults and overrides are merged.
type Capabilities struct {
	HasMicrophone bool `json:"has_microphone"`
	HasSpeaker    bool `json:"has_speaker"`
	HasDisplay    bool `json:"has_display"`
	HasWakeword   bool `json:"has_wakeword"`
	HasCamera     bool `json:"has_camera"`
}

// RegisterAck confirms a registration.
type RegisterAck struct {
	Type            string       `json:"type"`
	Success         bool         `json:"success"`
	DeviceID        string       `json:"device_id"`
	Config          WakeConfig   `json:"config"`
	RoomID          int64        `json:"room_id"`
	Capabilities    Capabilities `json:"capabilities"`
	ProtocolVersion string       `json:"protocol_version"`
}

// State announces a session state transition for LED/UI surfaces.
type State struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// NewState returns a state frame.
func NewState(state string) State {
	return State{Type: TypeState, State: state}
}

// SessionStarted confirms a new session.
type SessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// NewSessionStarted returns a session_started frame.
func NewSessionStarted(sessionID string) SessionStarted {
	return SessionStarted{Type: TypeSessionStarted, SessionID: sessionID}
}

// SessionEnd announces a session's end with its reason.
type SessionEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// NewSessionEnd returns a session_end frame.
func NewSessionEnd(sessionID, reason string) SessionEnd {
	return SessionEnd{Type: TypeSessionEnd, SessionID: sessionID, Reason: reason}
}

// Transcription carries the STT result for a session.
type Transcription struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	Text         string `json:"text"`
	SpeakerName  string `json:"speaker_name,omitempty"`
	SpeakerAlias string `json:"speaker_alias,omitempty"`
}

// NewTranscription returns a transcription frame.
func NewTranscription(sessionID, text, speakerName, speakerAlias string) Transcription {
	return Transcription{
		Type:         TypeTranscription,
		SessionID:    sessionID,
		Text:         text,
		SpeakerName:  speakerName,
		SpeakerAlias: speakerAlias,
	}
}

// ToolCall announces an agent tool invocation.
type ToolCall struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
}

// NewToolCall returns a tool_call frame.
func NewToolCall(sessionID, tool string, args map[string]any) ToolCall {
	return ToolCall{Type: TypeToolCall, SessionID: sessionID, Tool: tool, Args: args}
}

// ToolResult reports a tool invocation's outcome.
type ToolResult struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
}

// NewToolResult returns a tool_result frame.
func NewToolResult(sessionID, tool string, success bool, message string, data any) ToolResult {
	return ToolResult{
		Type:      TypeToolResult,
		SessionID: sessionID,
		Tool:      tool,
		Success:   success,
		Message:   message,
		Data:      data,
	}
}

// Stream carries one assistant-reply chunk.
type Stream struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// NewStream returns a stream frame.
func NewStream(sessionID, content string) Stream {
	return Stream{Type: TypeStream, SessionID: sessionID, Content: content}
}

// ResponseText carries the assistant reply as plain text.
type ResponseText struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
}

// NewResponseText returns a response_text frame.
func NewResponseText(sessionID, text string, isFinal bool) ResponseText {
	return ResponseText{Type: TypeResponseText, SessionID: sessionID, Text: text, IsFinal: isFinal}
}

// TTSAudio carries base64-encoded synthesized speech.
type TTSAudio struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Audio     string `json:"audio"`
	IsFinal   bool   `json:"is_final"`
}

// NewTTSAudio returns a tts_audio frame.
func NewTTSAudio(sessionID, audio string, isFinal bool) TTSAudio {
	return TTSAudio{Type: TypeTTSAudio, SessionID: sessionID, Audio: audio, IsFinal: isFinal}
}

// Action reports a legacy single-intent execution.
type Action struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Intent    string `json:"intent"`
	Success   bool   `json:"success"`
}

// NewAction returns an action frame.
func NewAction(sessionID, intent string, success bool) Action {
	return Action{Type: TypeAction, SessionID: sessionID, Intent: intent, Success: success}
}

// Done closes a reply exchange.
type Done struct {
	Type       string `json:"type"`
	TTSHandled bool   `json:"tts_handled"`
	AgentSteps int    `json:"agent_steps,omitempty"`
	Intent     string `json:"intent,omitempty"`
}

// NewDone returns a done frame.
func NewDone(ttsHandled bool, agentSteps int, intent string) Done {
	return Done{Type: TypeDone, TTSHandled: ttsHandled, AgentSteps: agentSteps, Intent: intent}
}

// ConfigUpdate broadcasts a new wake-word configuration.
type ConfigUpdate struct {
	Type          string     `json:"type"`
	Config        WakeConfig `json:"config"`
	ConfigVersion int64      `json:"config_version"`
}

// NewConfigUpdate returns a config_update frame.
func NewConfigUpdate(cfg WakeConfig, version int64) ConfigUpdate {
	return ConfigUpdate{Type: TypeConfigUpdate, Config: cfg, ConfigVersion: version}
}

// HeartbeatAck confirms a heartbeat.
type HeartbeatAck struct {
	Type string `json:"type"`
}

// NewHeartbeatAck returns a heartbeat_ack frame.
func NewHeartbeatAck() HeartbeatAck {
	return HeartbeatAck{Type: TypeHeartbeatAck}
}

// Error is a one-shot error frame; the connection stays open.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError returns an error frame.
func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}
