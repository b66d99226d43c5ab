package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	appcrypto "ecosync/crypto"
)

// SealedExport is a password-protected snapshot of the paired device list,
// suitable for moving pairings to a replacement host.
type SealedExport struct {
	Salt string `json:"salt"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// ExportDevices seals the paired device list with a key derived from the
// given password.
func (s *Store) ExportDevices(password string) (*SealedExport, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(devices)
	if err != nil {
		return nil, fmt.Errorf("marshal device export: %w", err)
	}

	key, salt, err := appcrypto.DeriveKey(password, nil)
	if err != nil {
		return nil, err
	}
	iv, err := appcrypto.GenerateIV()
	if err != nil {
		return nil, err
	}

	ciphertext, err := appcrypto.EncryptChunk(key, iv, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal device export: %w", err)
	}

	return &SealedExport{
		Salt: base64.StdEncoding.EncodeToString(salt),
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// ImportDevices unseals an export and upserts every device it contains.
// Returns the number of devices imported.
func (s *Store) ImportDevices(export *SealedExport, password string) (int, error) {
	salt, err := base64.StdEncoding.DecodeString(export.Salt)
	if err != nil {
		return 0, fmt.Errorf("decode export salt: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(export.IV)
	if err != nil {
		return 0, fmt.Errorf("decode export iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(export.Data)
	if err != nil {
		return 0, fmt.Errorf("decode export data: %w", err)
	}

	key, _, err := appcrypto.DeriveKey(password, salt)
	if err != nil {
		return 0, err
	}

	plaintext, err := appcrypto.DecryptChunk(key, iv, ciphertext)
	if err != nil {
		return 0, fmt.Errorf("unseal device export: %w", err)
	}

	var devices []Device
	if err := json.Unmarshal(plaintext, &devices); err != nil {
		return 0, fmt.Errorf("parse device export: %w", err)
	}

	for _, device := range devices {
		if err := s.UpsertDevice(device); err != nil {
			return 0, err
		}
	}

	return len(devices), nil
}
