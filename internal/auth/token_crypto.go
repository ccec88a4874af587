package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// TokenKeyEnv names the optional at-rest key for persisted tokens.
const TokenKeyEnv = "CIRCAD_TOKEN_KEY"

const sealedPrefix = "enc:v1:"

var errInvalidCiphertext = errors.New("invalid token ciphertext")

type tokenCipher struct {
	aead cipher.AEAD
}

// newTokenCipherFromEnv returns nil when no key is configured.
func newTokenCipherFromEnv() (*tokenCipher, error) {
	raw := strings.TrimSpace(os.Getenv(TokenKeyEnv))
	if raw == "" {
		return nil, nil
	}
	return newTokenCipher(raw)
}

func newTokenCipher(raw string) (*tokenCipher, error) {
	key, err := decodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", TokenKeyEnv, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &tokenCipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

// seal encrypts plain. A nil cipher stores plaintext.
func (c *tokenCipher) seal(plain string) (string, error) {
	if c == nil || plain == "" {
		return plain, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	buf := append(nonce, c.aead.Seal(nil, nonce, []byte(plain), nil)...)
	return sealedPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// open reverses seal. Values without the sealed prefix are legacy plaintext.
func (c *tokenCipher) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if c == nil {
		return "", fmt.Errorf("%w: %s not set", errInvalidCiphertext, TokenKeyEnv)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}
