// Package sealer encrypts small secrets such as vendor OAuth tokens and carrier API keys before
// they are stored in Firestore.
package sealer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	// ErrInvalidKey is returned when the sealing key is empty.
	ErrInvalidKey = errors.New("sealer: key is required")
	// ErrMalformed is returned when a sealed value cannot be parsed or decrypted.
	ErrMalformed = errors.New("sealer: malformed sealed value")
)

// Sealer seals and opens strings as compact JWE objects using direct AES-256-GCM encryption.
type Sealer struct {
	key   []byte
	keyID string
}

// New derives a 256-bit content key from the configured secret. Secrets that decode as 32 raw
// bytes of base64 are used directly.
func New(secret string) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrInvalidKey
	}
	key := deriveKey(secret)
	sum := sha256.Sum256(key)
	return &Sealer{
		key:   key,
		keyID: base64.RawURLEncoding.EncodeToString(sum[:6]),
	}, nil
}

func deriveKey(secret string) []byte {
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == 32 {
		return raw
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Seal encrypts plaintext into a compact JWE.
func (s *Sealer) Seal(_ context.Context, plaintext string) (string, error) {
	if s == nil {
		return "", ErrInvalidKey
	}
	opts := (&jose.EncrypterOptions{}).WithType("JWE").WithHeader("kid", s.keyID)
	encrypter, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: s.key}, opts)
	if err != nil {
		return "", fmt.Errorf("sealer: build encrypter: %w", err)
	}
	object, err := encrypter.Encrypt([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("sealer: encrypt: %w", err)
	}
	return object.CompactSerialize()
}

// Open decrypts a compact JWE produced by Seal.
func (s *Sealer) Open(_ context.Context, sealed string) (string, error) {
	if s == nil {
		return "", ErrInvalidKey
	}
	object, err := jose.ParseEncrypted(strings.TrimSpace(sealed), []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if kid := object.Header.KeyID; kid != "" && kid != s.keyID {
		return "", fmt.Errorf("%w: sealed with a different key", ErrMalformed)
	}
	plaintext, err := object.Decrypt(s.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(plaintext), nil
}
