package transfer

import (
	"bytes"
	"encoding/base64"
	"testing"

	appcrypto "ecosync/crypto"
)

// Fixed key material keeps encrypt-side helpers and PrepareDownload
// descriptors in agreement across a test.
func testKeyIVBytes(t *testing.T) (key, iv []byte) {
	t.Helper()
	return bytes.Repeat([]byte{0x11}, appcrypto.KeySize), bytes.Repeat([]byte{0x22}, appcrypto.IVSize)
}

func testKeyB64(t *testing.T) string {
	t.Helper()
	key, _ := testKeyIVBytes(t)
	return base64.StdEncoding.EncodeToString(key)
}

func testIVB64(t *testing.T) string {
	t.Helper()
	_, iv := testKeyIVBytes(t)
	return base64.StdEncoding.EncodeToString(iv)
}

func encryptTestChunk(t *testing.T, key, iv, plaintext []byte) string {
	t.Helper()

	ciphertext, err := appcrypto.EncryptChunk(key, iv, plaintext)
	if err != nil {
		t.Fatalf("encrypt test chunk: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext)
}
