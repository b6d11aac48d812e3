// Package wakeword distributes wake-word configuration to satellite devices
// and tracks which device runs which config version.
//
// The broadcaster owns a monotonically increasing config version. Every
// update bumps the version, persists the new config, and pushes a
// config_update frame to all subscribed devices; devices confirm with a
// config_ack frame. A device counts as synced only when its acknowledged
// version equals the current one.
package wakeword

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/protocol"
	"github.com/renfield-ai/renfield/internal/store"
)

// Settings-store keys for the persisted runtime config.
const (
	settingConfig  = "wakeword.config"
	settingVersion = "wakeword.config_version"
)

// minCooldownMs is the lowest accepted detection cooldown. Anything shorter
// lets one utterance trigger a burst of sessions.
const minCooldownMs = 100

// Sender delivers frames to one subscribed device.
type Sender interface {
	Send(frame any) error
}

// SyncStatus reports one device's configuration state.
type SyncStatus struct {
	DeviceID string `json:"device_id"`

	// SentVersion is the last config version pushed to the device.
	SentVersion int64 `json:"sent_version"`

	// AckedVersion is the last version the device acknowledged, 0 if none.
	AckedVersion int64 `json:"acked_version"`

	// Synced is true when AckedVersion equals the current version.
	Synced bool `json:"synced"`

	SentAt  time.Time `json:"sent_at"`
	AckedAt time.Time `json:"acked_at,omitzero"`

	// ActiveKeywords echoes the keywords the device reported loading.
	ActiveKeywords []string `json:"active_keywords,omitempty"`

	// Error holds the last delivery or load failure, "" when healthy.
	Error string `json:"error,omitempty"`
}

type syncRecord struct {
	sentVersion    int64
	ackedVersion   int64
	sentAt         time.Time
	ackedAt        time.Time
	activeKeywords []string
	lastError      string
}

// Broadcaster owns the fleet wake-word configuration.
type Broadcaster struct {
	settings store.SettingsStore
	allowed  []string
	log      *slog.Logger
	metrics  *observe.Metrics

	mu          sync.Mutex
	current     protocol.WakeConfig
	version     int64
	subscribers map[string]Sender
	records     map[string]*syncRecord
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// New builds a Broadcaster seeded from cfg. A previously persisted runtime
// config in the settings store takes precedence over the file defaults.
func New(ctx context.Context, cfg config.WakeWordConfig, settings store.SettingsStore, opts ...Option) (*Broadcaster, error) {
	b := &Broadcaster{
		settings: settings,
		allowed:  cfg.AllowedKeywords,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		current: protocol.WakeConfig{
			WakeWords:  []string{cfg.Keyword},
			Threshold:  cfg.Threshold,
			CooldownMs: cfg.CooldownMs,
			Enabled:    cfg.Enabled,
		},
		version:     1,
		subscribers: make(map[string]Sender),
		records:     make(map[string]*syncRecord),
	}
	for _, opt := range opts {
		opt(b)
	}

	if raw, ok, err := settings.GetSetting(ctx, settingConfig); err != nil {
		return nil, fmt.Errorf("wakeword: load persisted config: %w", err)
	} else if ok {
		var persisted protocol.WakeConfig
		if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
			b.log.Warn("ignoring corrupt persisted wake-word config", "error", err)
		} else {
			b.current = persisted
		}
	}
	if raw, ok, err := settings.GetSetting(ctx, settingVersion); err != nil {
		return nil, fmt.Errorf("wakeword: load persisted version: %w", err)
	} else if ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > b.version {
			b.version = v
		}
	}
	return b, nil
}

// Current returns the active config and its version, for register_ack frames.
func (b *Broadcaster) Current() (protocol.WakeConfig, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.version
}

// Subscribe adds a device to the broadcast set and immediately pushes the
// current config so a reconnecting device converges without waiting for the
// next update.
func (b *Broadcaster) Subscribe(deviceID string, conn Sender) {
	b.mu.Lock()
	b.subscribers[deviceID] = conn
	cfg, version := b.current, b.version
	rec := b.recordLocked(deviceID)
	rec.sentVersion = version
	rec.sentAt = time.Now()
	b.mu.Unlock()

	if err := conn.Send(protocol.NewConfigUpdate(cfg, version)); err != nil {
		b.dropSubscriber(deviceID, err)
	}
}

// Unsubscribe removes a device from the broadcast set. Its sync record is
// kept so the fleet view still shows the last known state.
func (b *Broadcaster) Unsubscribe(deviceID string) {
	b.mu.Lock()
	delete(b.subscribers, deviceID)
	b.mu.Unlock()
}

// UpdateConfig validates and applies a new fleet config, bumps the version,
// persists both, and broadcasts a config_update frame to every subscriber.
func (b *Broadcaster) UpdateConfig(ctx context.Context, cfg protocol.WakeConfig) (int64, error) {
	if len(cfg.WakeWords) == 0 {
		return 0, fmt.Errorf("wakeword: update: no wake words")
	}
	for _, kw := range cfg.WakeWords {
		if len(b.allowed) > 0 && !slices.Contains(b.allowed, kw) {
			return 0, fmt.Errorf("wakeword: update: keyword %q not in allowed list", kw)
		}
	}
	if cfg.Threshold < 0.1 || cfg.Threshold > 1.0 {
		return 0, fmt.Errorf("wakeword: update: threshold %v out of range [0.1, 1.0]", cfg.Threshold)
	}
	if cfg.CooldownMs < minCooldownMs {
		return 0, fmt.Errorf("wakeword: update: cooldown %dms below the %dms floor", cfg.CooldownMs, minCooldownMs)
	}

	b.mu.Lock()
	b.version++
	b.current = cfg
	version := b.version
	targets := make(map[string]Sender, len(b.subscribers))
	for id, conn := range b.subscribers {
		targets[id] = conn
		rec := b.recordLocked(id)
		rec.sentVersion = version
		rec.sentAt = time.Now()
	}
	b.mu.Unlock()

	if err := b.persist(ctx, cfg, version); err != nil {
		b.log.Warn("failed to persist wake-word config", "error", err)
	}

	frame := protocol.NewConfigUpdate(cfg, version)
	for id, conn := range targets {
		if err := conn.Send(frame); err != nil {
			b.dropSubscriber(id, err)
		}
	}
	b.metrics.ConfigBroadcasts.Add(ctx, 1)
	b.log.Info("wake-word config broadcast",
		"version", version, "wake_words", cfg.WakeWords, "devices", len(targets))
	return version, nil
}

// HandleAck records a device's config_ack. The ack applies to the version
// most recently sent to that device.
func (b *Broadcaster) HandleAck(deviceID string, ack *protocol.ConfigAck) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.recordLocked(deviceID)
	rec.ackedVersion = rec.sentVersion
	rec.ackedAt = time.Now()
	rec.activeKeywords = ack.ActiveKeywords
	if ack.Success {
		rec.lastError = ""
	} else {
		rec.lastError = ack.Error
		b.log.Warn("device rejected wake-word config",
			"device_id", deviceID, "failed_keywords", ack.FailedKeywords, "error", ack.Error)
	}
}

// SyncStatuses returns the per-device sync view, ordered by device id.
func (b *Broadcaster) SyncStatuses() []SyncStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SyncStatus, 0, len(b.records))
	for id, rec := range b.records {
		out = append(out, SyncStatus{
			DeviceID:       id,
			SentVersion:    rec.sentVersion,
			AckedVersion:   rec.ackedVersion,
			Synced:         rec.ackedVersion == b.version && rec.lastError == "",
			SentAt:         rec.sentAt,
			AckedAt:        rec.ackedAt,
			ActiveKeywords: rec.activeKeywords,
			Error:          rec.lastError,
		})
	}
	slices.SortFunc(out, func(a, c SyncStatus) int {
		switch {
		case a.DeviceID < c.DeviceID:
			return -1
		case a.DeviceID > c.DeviceID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// DeviceSyncStatus returns one device's sync view.
func (b *Broadcaster) DeviceSyncStatus(deviceID string) (SyncStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[deviceID]
	if !ok {
		return SyncStatus{}, false
	}
	return SyncStatus{
		DeviceID:       deviceID,
		SentVersion:    rec.sentVersion,
		AckedVersion:   rec.ackedVersion,
		Synced:         rec.ackedVersion == b.version && rec.lastError == "",
		SentAt:         rec.sentAt,
		AckedAt:        rec.ackedAt,
		ActiveKeywords: rec.activeKeywords,
		Error:          rec.lastError,
	}, ok
}

// recordLocked returns the sync record for deviceID, creating it if needed.
// Caller holds b.mu.
func (b *Broadcaster) recordLocked(deviceID string) *syncRecord {
	rec, ok := b.records[deviceID]
	if !ok {
		rec = &syncRecord{}
		b.records[deviceID] = rec
	}
	return rec
}

// dropSubscriber removes a device whose connection failed and marks its
// record so the fleet view shows the delivery failure.
func (b *Broadcaster) dropSubscriber(deviceID string, cause error) {
	b.mu.Lock()
	delete(b.subscribers, deviceID)
	b.recordLocked(deviceID).lastError = cause.Error()
	b.mu.Unlock()
	b.log.Warn("dropped wake-word subscriber", "device_id", deviceID, "error", cause)
}

func (b *Broadcaster) persist(ctx context.Context, cfg protocol.WakeConfig, version int64) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := b.settings.SetSetting(ctx, settingConfig, string(raw)); err != nil {
		return err
	}
	return b.settings.SetSetting(ctx, settingVersion, strconv.FormatInt(version, 10))
}
