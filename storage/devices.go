package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertDevice inserts a paired device or refreshes its name, type, and
// pairing timestamp when the device re-pairs.
func (s *Store) UpsertDevice(device Device) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if device.DeviceType == "" {
		device.DeviceType = "unknown"
	}
	if device.PairedAt == 0 {
		device.PairedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (device_id, device_name, device_type, paired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			paired_at   = excluded.paired_at`,
		device.DeviceID,
		device.DeviceName,
		device.DeviceType,
		device.PairedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetDevice fetches a paired device by device ID.
func (s *Store) GetDevice(deviceID string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, device_type, paired_at
		FROM devices
		WHERE device_id = ?`,
		deviceID,
	)

	var device Device
	err := row.Scan(&device.DeviceID, &device.DeviceName, &device.DeviceType, &device.PairedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}

	return &device, nil
}

// ListDevices returns all paired devices ordered by pairing time.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, device_type, paired_at
		FROM devices
		ORDER BY paired_at ASC, device_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var devices []Device
	for rows.Next() {
		var device Device
		if err := rows.Scan(&device.DeviceID, &device.DeviceName, &device.DeviceType, &device.PairedAt); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// RemoveDevice deletes a paired device row.
func (s *Store) RemoveDevice(deviceID string) error {
	result, err := s.db.Exec(`DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", deviceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove device %q rows affected: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
