package protocol

// CapabilityOverrides carries client-supplied capability flags at
// registration. Nil fields mean "use the default for my device type".
type CapabilityOverrides struct {
	HasMicrophone *bool `json:"has_microphone,omitempty"`
	HasSpeaker    *bool `json:"has_speaker,omitempty"`
	HasDisplay    *bool `json:"has_display,omitempty"`
	HasWakeword   *bool `json:"has_wakeword,omitempty"`
	HasCamera     *bool `json:"has_camera,omitempty"`
}

// Register announces a device and its capabilities.
type Register struct {
	Type            string               `json:"type"`
	DeviceID        string               `json:"device_id"`
	DeviceType      string               `json:"device_type"`
	Room            string               `json:"room"`
	Capabilities    *CapabilityOverrides `json:"capabilities,omitempty"`
	DeviceName      string               `json:"device_name,omitempty"`
	IsStationary    *bool                `json:"is_stationary,omitempty"`
	Language        string               `json:"language,omitempty"`
	Version         string               `json:"version,omitempty"`
	ProtocolVersion string               `json:"protocol_version,omitempty"`
}

// WakewordDetected reports a local wake-word hit and opens a session.
type WakewordDetected struct {
	Type       string  `json:"type"`
	Keyword    string  `json:"keyword"`
	Confidence float64 `json:"confidence"`
	SessionID  string  `json:"session_id,omitempty"`
}

// StartSession manually opens a session for devices without a wake word.
type StartSession struct {
	Type string `json:"type"`
}

// Audio carries one base64-encoded PCM chunk of a session.
type Audio struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Chunk     string `json:"chunk"`
	Sequence  int    `json:"sequence"`
}

// AudioEnd closes the listening phase of a session.
type AudioEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Text is a chat utterance (browser chat or display devices).
type Text struct {
	Type            string   `json:"type"`
	SessionID       string   `json:"session_id,omitempty"`
	Content         string   `json:"content"`
	UseRAG          bool     `json:"use_rag,omitempty"`
	KnowledgeBaseID int64    `json:"knowledge_base_id,omitempty"`
	AttachmentIDs   []string `json:"attachment_ids,omitempty"`
}

// Heartbeat is a periodic device health report.
type Heartbeat struct {
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptime_seconds,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	Version       string         `json:"version,omitempty"`
}

// BeaconSighting is one BLE observation: the person the beacon is bound to
// and the received signal strength in dBm.
type BeaconSighting struct {
	Person   string `json:"person"`
	BeaconID string `json:"beacon_id,omitempty"`
	RSSI     int    `json:"rssi"`
}

// BeaconReport carries the BLE sightings a satellite accumulated since its
// last report. The satellite's own room locates the sightings.
type BeaconReport struct {
	Type      string           `json:"type"`
	Sightings []BeaconSighting `json:"sightings"`
}

// ConfigAck acknowledges a wake-word config broadcast.
type ConfigAck struct {
	Type           string   `json:"type"`
	Success        bool     `json:"success"`
	ActiveKeywords []string `json:"active_keywords"`
	FailedKeywords []string `json:"failed_keywords,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// UpdateProgress reports OTA update progress from a satellite.
type UpdateProgress struct {
	Type     string  `json:"type"`
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// UpdateComplete reports a finished OTA update.
type UpdateComplete struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
}

// UpdateFailed reports a failed OTA update.
type UpdateFailed struct {
	Type    string `json:"type"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}
