// Package secrets seals ingest credentials before they are written to a
// datastore.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1:"

// ErrInvalidKey is returned when a sealing key has the wrong length or
// encoding.
var ErrInvalidKey = errors.New("secrets: key must be 32 bytes")

// Sealer encrypts and decrypts short secret strings.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// NopSealer stores values as-is.
type NopSealer struct{}

func (NopSealer) Seal(plaintext string) (string, error) { return plaintext, nil }
func (NopSealer) Open(sealed string) (string, error)    { return sealed, nil }

// AEADSealer seals values with XChaCha20-Poly1305. Sealed values carry a
// version prefix; values without it are returned unchanged by Open so that
// records written before a key was configured remain readable.
type AEADSealer struct {
	key []byte
}

// NewAEADSealer builds a sealer from a raw 32-byte key.
func NewAEADSealer(key []byte) (*AEADSealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &AEADSealer{key: append([]byte(nil), key...)}, nil
}

// ParseKey decodes a standard or URL-safe base64 key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != chacha20poly1305.KeySize {
				return nil, ErrInvalidKey
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: not valid base64", ErrInvalidKey)
}

// FromEncodedKey returns an AEADSealer for a base64 key, or a NopSealer when
// encoded is empty.
func FromEncodedKey(encoded string) (Sealer, error) {
	if strings.TrimSpace(encoded) == "" {
		return NopSealer{}, nil
	}
	key, err := ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return NewAEADSealer(key)
}

func (s *AEADSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *AEADSealer) Open(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plaintext), nil
}
