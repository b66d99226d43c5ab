package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the PBKDF2 salt length in bytes.
	SaltSize = 16
	// deriveIterations is the PBKDF2-SHA256 iteration count.
	deriveIterations = 100000
)

// DeriveKey derives an AES-256 key from a password with PBKDF2-SHA256.
// A random salt is drawn when salt is nil; the salt used is returned so the
// caller can persist it alongside the sealed payload.
func DeriveKey(password string, salt []byte) (key, usedSalt []byte, err error) {
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	if len(salt) != SaltSize {
		return nil, nil, fmt.Errorf("invalid salt length: got %d want %d", len(salt), SaltSize)
	}

	key = pbkdf2.Key([]byte(password), salt, deriveIterations, KeySize, sha256.New)
	return key, salt, nil
}
