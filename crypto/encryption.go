package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the AES-CBC initialization vector length in bytes.
	IVSize = 16
)

var (
	// ErrInvalidPadding indicates the decrypted data does not end in valid PKCS#7 padding.
	ErrInvalidPadding = errors.New("crypto: invalid PKCS#7 padding")
	// ErrCiphertextNotBlockAligned indicates ciphertext length is not a multiple of the AES block size.
	ErrCiphertextNotBlockAligned = errors.New("crypto: ciphertext is not block aligned")
)

// GenerateTransferKey draws a fresh AES-256 key and CBC IV for one file transfer.
func GenerateTransferKey() (key, iv []byte, err error) {
	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("generate transfer key: %w", err)
	}
	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate transfer iv: %w", err)
	}
	return key, iv, nil
}

// GenerateIV draws a fresh CBC initialization vector.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// EncryptChunk encrypts one file chunk with AES-256-CBC, padding the
// plaintext to the cipher block size with PKCS#7 first.
func EncryptChunk(key, iv, chunk []byte) ([]byte, error) {
	block, err := newBlockCipher(key, iv)
	if err != nil {
		return nil, err
	}

	padded := padPKCS7(chunk, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptChunk decrypts one AES-256-CBC chunk and strips PKCS#7 padding.
func DecryptChunk(key, iv, ciphertext []byte) ([]byte, error) {
	padded, err := DecryptChunkRaw(key, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	return UnpadPKCS7(padded)
}

// DecryptChunkRaw decrypts one AES-256-CBC chunk without touching padding.
//
// Chunks in the middle of a stream rarely end in bytes that happen to form
// valid padding, so receivers decrypt raw and only unpad when UnpadPKCS7
// succeeds.
func DecryptChunkRaw(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := newBlockCipher(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCiphertextNotBlockAligned
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// UnpadPKCS7 removes PKCS#7 padding, returning ErrInvalidPadding when the
// trailing bytes do not form valid padding.
func UnpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func newBlockCipher(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("invalid iv length: got %d want %d", len(iv), IVSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return block, nil
}
