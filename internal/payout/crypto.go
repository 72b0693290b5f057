package payout

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// DestinationCrypto encrypts payout destinations (bank account numbers,
// UPI handles) at rest with AES-256-GCM. Ciphertext is base64(nonce ||
// sealed).
type DestinationCrypto struct {
	aead cipher.AEAD
}

// NewDestinationCrypto derives an AES-256 key from the configured secret.
func NewDestinationCrypto(secret string) (*DestinationCrypto, error) {
	if secret == "" {
		return nil, errors.New("payout encryption key is required")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &DestinationCrypto{aead: aead}, nil
}

// Encrypt seals a plaintext destination.
func (c *DestinationCrypto) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed destination.
func (c *DestinationCrypto) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt destination: %w", err)
	}
	return string(plain), nil
}
