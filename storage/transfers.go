package storage

import (
	"errors"
	"fmt"
)

// RecordTransfer persists the outcome of a finished file transfer. The row
// for a file_id is overwritten if the transfer is recorded twice.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.FileID == "" {
		return errors.New("file_id is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	switch record.Direction {
	case "upload", "download":
	default:
		return fmt.Errorf("invalid transfer direction %q", record.Direction)
	}
	switch record.Status {
	case TransferStatusCompleted, TransferStatusFailed, TransferStatusCanceled:
	default:
		return fmt.Errorf("invalid transfer status %q", record.Status)
	}
	if record.CompletedAt == 0 {
		record.CompletedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (file_id, device_id, file_name, file_size, direction, status, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			status       = excluded.status,
			completed_at = excluded.completed_at`,
		record.FileID,
		record.DeviceID,
		record.FileName,
		record.FileSize,
		record.Direction,
		record.Status,
		record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer %q: %w", record.FileID, err)
	}

	return nil
}

// ListTransfers returns the most recent finished transfers, newest first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT file_id, COALESCE(device_id, ''), file_name, file_size, direction, status, completed_at
		FROM transfers
		ORDER BY completed_at DESC, file_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		var record TransferRecord
		err := rows.Scan(
			&record.FileID,
			&record.DeviceID,
			&record.FileName,
			&record.FileSize,
			&record.Direction,
			&record.Status,
			&record.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}
