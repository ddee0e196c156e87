package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// minSigningKeyBits rejects keys too weak to sign label download URLs.
const minSigningKeyBits = 2048

// Signer signs the canonical request of a V4 signed URL.
type Signer interface {
	// Email is the service account used as GoogleAccessID.
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs label download URLs with a service account key loaded from Secret Manager.
type KeySigner struct {
	email string
	keyID string
	key   *rsa.PrivateKey
}

type serviceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
}

// ParseServiceAccountKey builds a signer from the service account JSON key stored as the
// API_STORAGE_SIGNED_URL_KEY secret.
func ParseServiceAccountKey(data []byte) (*KeySigner, error) {
	data = []byte(strings.TrimPrefix(strings.TrimSpace(string(data)), "\ufeff"))
	if len(data) == 0 {
		return nil, errors.New("storage: service account key is empty")
	}

	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("storage: decode service account key: %w", err)
	}
	if key.Type != "" && key.Type != "service_account" {
		return nil, fmt.Errorf("storage: key type %q cannot sign urls", key.Type)
	}
	email := strings.TrimSpace(key.ClientEmail)
	if email == "" {
		return nil, errors.New("storage: client_email missing in service account key")
	}
	if strings.TrimSpace(key.PrivateKey) == "" {
		return nil, errors.New("storage: private_key missing in service account key")
	}

	rsaKey, err := parseRSAPrivateKey(key.PrivateKey)
	if err != nil {
		return nil, err
	}
	if bits := rsaKey.N.BitLen(); bits < minSigningKeyBits {
		return nil, fmt.Errorf("storage: signing key has %d bits, need at least %d", bits, minSigningKeyBits)
	}
	return &KeySigner{email: email, keyID: strings.TrimSpace(key.PrivateKeyID), key: rsaKey}, nil
}

func (s *KeySigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// KeyID identifies the key in logs so a rotated secret can be confirmed without printing it.
func (s *KeySigner) KeyID() string {
	if s == nil {
		return ""
	}
	return s.keyID
}

// SignBytes applies RSA SHA256 signing over the payload.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("storage: signer not initialised")
	}
	if len(payload) == 0 {
		return nil, errors.New("storage: payload is empty")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}

// parseRSAPrivateKey accepts PKCS#8 as issued by IAM and PKCS#1 as produced by openssl. Secrets
// pasted through some consoles arrive with literal "\n" sequences instead of newlines.
func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	pemData = strings.ReplaceAll(strings.TrimSpace(pemData), `\n`, "\n")
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("storage: failed to decode PEM private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("storage: private key is not RSA")
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("storage: parse RSA private key: %w", err)
	}
	return rsaKey, nil
}
