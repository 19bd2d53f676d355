// Package crypto seals credential material before it reaches the database
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidKey is returned when the encryption key is invalid
	ErrInvalidKey = errors.New("invalid encryption key: must be 16, 24, or 32 bytes")

	// ErrInvalidCiphertext is returned when the ciphertext is malformed
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when decryption fails
	ErrDecryptionFailed = errors.New("decryption failed: authentication failed")
)

// hkdfInfo binds derived keys to their purpose. Changing it invalidates
// every sealed credential, so treat it as part of the storage format.
const hkdfInfo = "mcpgate credential sealing v1"

// CredentialCipher seals and opens connected-account credentials with
// AES-GCM. Sealed values are base64 with the nonce prepended.
type CredentialCipher struct {
	gcm   cipher.AEAD
	keyID string
}

// NewCredentialCipher builds a cipher from a raw AES key.
// Key must be 16 (AES-128), 24 (AES-192), or 32 (AES-256) bytes.
func NewCredentialCipher(key []byte) (*CredentialCipher, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Key ID from the key hash (first 8 bytes), for rotation tracking
	keyHash := sha256.Sum256(key)
	keyID := base64.RawURLEncoding.EncodeToString(keyHash[:8])

	return &CredentialCipher{gcm: gcm, keyID: keyID}, nil
}

// NewCredentialCipherFromSecret derives an AES-256 key from an operator
// supplied secret with HKDF-SHA256. The secret can be any non-empty string;
// derivation is deterministic so every replica seals compatibly.
func NewCredentialCipherFromSecret(secret string) (*CredentialCipher, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return NewCredentialCipher(key)
}

// Seal encrypts plaintext and returns base64-encoded ciphertext with the
// nonce prepended. Empty input seals to the empty string.
func (c *CredentialCipher) Seal(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := c.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a sealed value produced by Seal
func (c *CredentialCipher) Open(sealed string) ([]byte, error) {
	if sealed == "" {
		return nil, nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	// nonce + at least 1 byte + auth tag
	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize+c.gcm.Overhead()+1 {
		return nil, ErrInvalidCiphertext
	}

	nonce := ciphertext[:nonceSize]
	encrypted := ciphertext[nonceSize:]

	plaintext, err := c.gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// KeyID identifies the active key, for rotation tracking
func (c *CredentialCipher) KeyID() string {
	return c.keyID
}

// GenerateKey generates a random encryption key of the specified size.
// Size should be 16, 24, or 32 bytes.
func GenerateKey(size int) ([]byte, error) {
	if size != 16 && size != 24 && size != 32 {
		return nil, ErrInvalidKey
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	return key, nil
}
