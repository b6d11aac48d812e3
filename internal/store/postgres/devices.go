package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/renfield-ai/renfield/internal/store"
)

// UpsertDevice implements [store.DeviceStore]. The row is keyed by device_id;
// re-registering refreshes capabilities, room, connection metadata, and
// last_connected_at.
func (s *Store) UpsertDevice(ctx context.Context, dev store.Device) (*store.Device, error) {
	caps, err := json.Marshal(dev.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("postgres devices: marshal capabilities: %w", err)
	}

	const q = `
		INSERT INTO room_devices
		    (device_id, device_type, device_name, room_id, capabilities,
		     is_stationary, is_online, last_connected_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, true, now(), $7, $8)
		ON CONFLICT (device_id) DO UPDATE SET
		    device_type       = EXCLUDED.device_type,
		    device_name       = EXCLUDED.device_name,
		    room_id           = EXCLUDED.room_id,
		    capabilities      = EXCLUDED.capabilities,
		    is_stationary     = EXCLUDED.is_stationary,
		    is_online         = true,
		    last_connected_at = now(),
		    user_agent        = EXCLUDED.user_agent,
		    ip_address        = EXCLUDED.ip_address
		RETURNING id, device_id, device_type, device_name, room_id, capabilities,
		          is_stationary, is_online, last_connected_at, user_agent, ip_address`

	row := s.pool.QueryRow(ctx, q,
		dev.DeviceID, dev.DeviceType, dev.DeviceName, dev.RoomID, caps,
		dev.IsStationary, dev.UserAgent, dev.IPAddress,
	)
	stored, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("postgres devices: upsert %q: %w", dev.DeviceID, err)
	}
	return stored, nil
}

// SetDeviceOnline implements [store.DeviceStore].
func (s *Store) SetDeviceOnline(ctx context.Context, deviceID string, online bool) error {
	const q = `UPDATE room_devices SET is_online = $2 WHERE device_id = $1`
	if _, err := s.pool.Exec(ctx, q, deviceID, online); err != nil {
		return fmt.Errorf("postgres devices: set online %q: %w", deviceID, err)
	}
	return nil
}

// GetDevice implements [store.DeviceStore].
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*store.Device, error) {
	const q = `
		SELECT id, device_id, device_type, device_name, room_id, capabilities,
		       is_stationary, is_online, last_connected_at, user_agent, ip_address
		FROM room_devices WHERE device_id = $1`

	dev, err := scanDevice(s.pool.QueryRow(ctx, q, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres devices: get %q: %w", deviceID, err)
	}
	return dev, nil
}

// scanDevice reads one device row from r.
func scanDevice(r pgx.Row) (*store.Device, error) {
	var (
		dev  store.Device
		caps []byte
	)
	err := r.Scan(
		&dev.ID,
		&dev.DeviceID,
		&dev.DeviceType,
		&dev.DeviceName,
		&dev.RoomID,
		&caps,
		&dev.IsStationary,
		&dev.IsOnline,
		&dev.LastConnectedAt,
		&dev.UserAgent,
		&dev.IPAddress,
	)
	if err != nil {
		return nil, err
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &dev.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return &dev, nil
}

// ListAudioOutputs implements [store.OutputDeviceStore].
func (s *Store) ListAudioOutputs(ctx context.Context, roomID int64) ([]store.OutputDevice, error) {
	const q = `
		SELECT id, room_id, output_type, renfield_device_id, ha_entity_id,
		       dlna_renderer_name, priority, allow_interruption, tts_volume,
		       is_enabled, device_name
		FROM room_output_devices
		WHERE room_id = $1 AND output_type = 'audio' AND is_enabled = true
		ORDER BY priority`

	rows, err := s.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres outputs: list room %d: %w", roomID, err)
	}

	outs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.OutputDevice, error) {
		var od store.OutputDevice
		err := row.Scan(
			&od.ID,
			&od.RoomID,
			&od.OutputType,
			&od.RenfieldDeviceID,
			&od.HAEntityID,
			&od.DLNARendererName,
			&od.Priority,
			&od.AllowInterruption,
			&od.TTSVolume,
			&od.IsEnabled,
			&od.DeviceName,
		)
		return od, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres outputs: scan rows: %w", err)
	}
	return outs, nil
}
