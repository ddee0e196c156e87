package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
)

// SecretProvider resolves shared secrets used for carrier webhook signatures.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore remembers nonces for replay prevention. dedupe.Store satisfies it.
type NonceStore interface {
	// Claim returns false when the key was already used.
	Claim(ctx context.Context, key string) (bool, error)
}

// LogFunc is the structured event logger shared by services and middleware.
type LogFunc func(ctx context.Context, event string, fields map[string]any)

// SignatureResolver maps a request to the secret name used to sign it.
type SignatureResolver func(*http.Request) (secretName string, ok bool)

// HMACValidator verifies signed carrier tracking callbacks.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger LogFunc
	now    func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          func(context.Context, string, map[string]any) {},
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger LogFunc) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names used by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// SignatureMetadata describes a verified callback for downstream handlers.
type SignatureMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type signatureContextKey struct{}

// WithSignatureMetadata stores the metadata on the context.
func WithSignatureMetadata(ctx context.Context, meta *SignatureMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, signatureContextKey{}, meta)
}

// SignatureMetadataFromContext retrieves metadata from the context.
func SignatureMetadataFromContext(ctx context.Context) (*SignatureMetadata, bool) {
	meta, ok := ctx.Value(signatureContextKey{}).(*SignatureMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// RequireSignature enforces a valid signature made with the resolved secret. Unknown senders are
// rejected with 401.
func (v *HMACValidator) RequireSignature(resolver SignatureResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if resolver == nil {
				v.reject(ctx, "", "resolver_missing")
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "signature resolver not configured")
				return
			}
			secretName, ok := resolver(r)
			secretName = strings.TrimSpace(secretName)
			if !ok || secretName == "" {
				v.reject(ctx, "", "sender_unknown")
				respondAuthError(w, http.StatusUnauthorized, "unknown_sender", "webhook sender not recognised")
				return
			}

			status, code, message, meta := v.verify(r, secretName)
			if status != 0 {
				v.reject(ctx, secretName, code)
				respondAuthError(w, status, code, message)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSignatureMetadata(ctx, meta)))
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, secretName string) (int, string, string, *SignatureMetadata) {
	ctx := r.Context()
	secret, err := v.loadSecret(ctx, secretName)
	if err != nil {
		v.logger(ctx, "auth.signature.secret_unavailable", map[string]any{
			"secret": secretName,
			"error":  err.Error(),
		})
		return http.StatusServiceUnavailable, "verification_unavailable", "signature secret unavailable", nil
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return http.StatusUnauthorized, "signature_missing", "signature header missing", nil
	}
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", nil
	}
	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", nil
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", nil
	}
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return http.StatusUnauthorized, "nonce_missing", "signature nonce missing", nil
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", nil
	}
	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", nil
	}
	expected := computeHMAC(secret, canonicalString(r.Method, r.URL.EscapedPath(), timestampValue, nonce, body))
	if !hmac.Equal(signature, expected) {
		return http.StatusUnauthorized, "signature_mismatch", "signature verification failed", nil
	}

	if v.nonces == nil {
		return http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable", nil
	}
	fresh, err := v.nonces.Claim(ctx, "nonce:"+secretName+":"+nonce)
	if err != nil {
		v.logger(ctx, "auth.signature.nonce_store_error", map[string]any{
			"secret": secretName,
			"error":  err.Error(),
		})
		return http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error", nil
	}
	if !fresh {
		return http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", nil
	}

	return 0, "", "", &SignatureMetadata{SecretName: secretName, Timestamp: timestamp, Nonce: nonce}
}

func (v *HMACValidator) reject(ctx context.Context, secretName, reason string) {
	v.logger(ctx, "auth.signature.rejected", map[string]any{
		"secret": secretName,
		"reason": reason,
	})
}

func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(name, secret)
	return secret, nil
}

// SignRequest returns the hex signature a carrier sends for the given request parts.
func SignRequest(secret, method, path, timestamp, nonce string, body []byte) string {
	return hex.EncodeToString(computeHMAC([]byte(secret), canonicalString(method, path, timestamp, nonce, body)))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// canonicalString is METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)).
func canonicalString(method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
