package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes used in derivation salts.
const (
	PurposeShard      = "shard"
	PurposeSessionKEK = "session-kek"
)

const gcmNonceSize = 12

// deriveKey derives a 32-byte AES key from the server secret of the given version.
// The salt binds the purpose and version so a new secret version yields unrelated keys.
func (m *Manager) deriveKey(purpose string, version int, info string) ([]byte, error) {
	secret, ok := m.secrets[version]
	if !ok {
		return nil, fmt.Errorf("unknown server secret version %d", version)
	}

	salt := []byte(fmt.Sprintf("seedless-%s-v%d", purpose, version))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// DeriveSessionKEK derives the key-encryption key used to wrap session data keys.
// It depends solely on the server secret; no client-supplied value enters the derivation.
func (m *Manager) DeriveSessionKEK(version int) ([]byte, error) {
	return m.deriveKey(PurposeSessionKEK, version, "")
}

func shardInfo(userID string, index int) string {
	return fmt.Sprintf("%s:%d", userID, index)
}

// Seal encrypts plaintext with AES-256-GCM. The output is nonce || ciphertext.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts data produced by Seal.
func Open(key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < gcmNonceSize {
		return nil, errors.New("sealed data too short")
	}

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, sealed[:gcmNonceSize], sealed[gcmNonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
