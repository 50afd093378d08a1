package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Box encrypts OAuth token material before it is written to the database.
// The key is derived from the TOKEN_ENCRYPTION_KEY passphrase.
type Box struct {
	key []byte
}

func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, errors.New("token encryption key is not configured")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return &Box{key: sum[:]}, nil
}

// Seal encrypts plaintext and returns a base64 string with the nonce
// prepended to the ciphertext.
func (b *Box) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(encoded string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token material: %w", err)
	}
	return string(plaintext), nil
}
