package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// LoadPairingCode returns the single persisted pairing code, or ErrNotFound
// when none has been generated yet.
func (s *Store) LoadPairingCode() (string, error) {
	row := s.db.QueryRow(`SELECT code FROM pairing_code WHERE id = 1`)

	var code string
	if err := row.Scan(&code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load pairing code: %w", err)
	}

	return code, nil
}

// SavePairingCode replaces the single persisted pairing code.
func (s *Store) SavePairingCode(code string) error {
	if code == "" {
		return errors.New("pairing code is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO pairing_code (id, code, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code       = excluded.code,
			updated_at = excluded.updated_at`,
		code,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save pairing code: %w", err)
	}

	return nil
}
