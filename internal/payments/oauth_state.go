package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/americana-market/api/internal/domain"
)

const defaultStateTTL = 15 * time.Minute

// ErrInvalidState is returned when an OAuth state parameter is forged, expired, or issued for a
// different provider.
var ErrInvalidState = errors.New("payments: invalid oauth state")

type stateClaims struct {
	StoreID  string `json:"sid"`
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies the signed state carried through OAuth redirects.
type StateSigner struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewStateSigner constructs a signer. A non-positive ttl defaults to fifteen minutes.
func NewStateSigner(key string, ttl time.Duration, clock func() time.Time) (*StateSigner, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("payments: oauth state signing key is required")
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &StateSigner{key: []byte(key), ttl: ttl, clock: clock}, nil
}

// Sign returns an HS256 token binding the store to the provider.
func (s *StateSigner) Sign(storeID string, provider domain.PaymentProvider) (string, error) {
	now := s.clock().UTC()
	claims := stateClaims{
		StoreID:  storeID,
		Provider: string(provider),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("payments: sign oauth state: %w", err)
	}
	return token, nil
}

// Verify returns the store id bound into a state token.
func (s *StateSigner) Verify(token string, provider domain.PaymentProvider) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &stateClaims{}
	if _, err := parser.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if !claims.VerifyExpiresAt(s.clock().UTC(), true) {
		return "", fmt.Errorf("%w: expired", ErrInvalidState)
	}
	if claims.Provider != string(provider) {
		return "", fmt.Errorf("%w: issued for %q", ErrInvalidState, claims.Provider)
	}
	if strings.TrimSpace(claims.StoreID) == "" {
		return "", fmt.Errorf("%w: missing store", ErrInvalidState)
	}
	return claims.StoreID, nil
}
