// Package secret seals upstream credentials for storage at rest.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Box encrypts and decrypts short strings with a key derived from the
// configured master secret. Sealed values are self-contained: nonce plus
// ciphertext, base64-encoded.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a sealing key from the master secret and returns a Box.
func NewBox(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("secret: master key is empty")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, []byte("llm-gateway upstream credentials v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secret: key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secret: cipher init failed: %w", err)
	}

	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 string safe for a TEXT column.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: nonce generation failed: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. An empty input opens to an empty
// string so rows created before a credential was set remain readable.
func (b *Box) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secret: malformed sealed value: %w", err)
	}
	if len(raw) < b.aead.NonceSize() {
		return "", fmt.Errorf("secret: sealed value too short")
	}

	nonce, ciphertext := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret: open failed: %w", err)
	}

	return string(plaintext), nil
}
